// Package eventloop provides the single cooperative scheduler that drives
// telemetry ticks, protocol analysis ticks and registry polling.
//
// Callbacks run one at a time on the goroutine executing Run, so they must
// not block. Cancel is synchronous: after it returns the callback is not
// running and will not run again.
//
//	loop := eventloop.New()
//	go loop.Run(ctx)
//	task := loop.Every("power/046D:C52B:01:05", time.Second, sample)
//	defer task.Cancel()
package eventloop
