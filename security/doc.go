// Package security decides which USB devices may be used.
//
// An Authorizer evaluates single devices against an authorization Policy:
// known classes, the host system policy, trusted certificates,
// device-specific custom methods and, when required, a person answering
// through a Confirmer. A Coordinator sits in front of it, matching
// per vendor/product Rules and validating descriptor trees before the
// Authorizer is consulted. The coordinator also keeps the security event
// log and reads and writes JSON policy files, which a PolicyWatcher can
// reload on change.
//
// The Coordinator implements registry.Gate, so admitting a device to
// monitoring is a single call:
//
//	auth := security.NewAuthorizer(security.WithPublisher(bus))
//	coord := security.NewCoordinator(auth, security.WithPublisher(bus))
//	reg := registry.New(b, registry.WithGate(coord))
package security
