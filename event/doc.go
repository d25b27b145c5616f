// Package event defines the typed event bus through which usbwatch
// components report device lifecycle changes, telemetry, anomalies and
// security decisions.
//
// Components publish through the Publisher interface and never call back
// into their subscribers. Presentation, metrics, audit and forwarding
// consumers subscribe to the Bus:
//
//	bus := event.NewBus()
//	unsubscribe := bus.Subscribe(func(ev event.Event) {
//	    log.Info("event", zap.String("kind", string(ev.Kind)))
//	}, event.DeviceAdded, event.DeviceRemoved)
//	defer unsubscribe()
//
// A handler must not unsubscribe itself.
package event
