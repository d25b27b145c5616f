// Package audit persists security events to a SQLite journal so they
// outlive the coordinator's in-memory log.
//
//	j, err := audit.Open(ctx, "/var/lib/usbwatch/audit.db")
//	if err != nil { ... }
//	defer j.Close()
//	j.Attach(bus)
package audit
