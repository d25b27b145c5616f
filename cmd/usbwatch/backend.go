package main

import (
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/backend"
	"github.com/ardnew/usbwatch/pkg"
)

// backends maps a backend name to its constructor. Entries are registered
// by build-constrained files.
var backends = map[string]func(log *zap.Logger) backend.Backend{}

func registerBackend(name string, open func(log *zap.Logger) backend.Backend) {
	backends[name] = open
}

// openBackend returns the named backend, or pkg.ErrNotSupported if this
// binary was built without it. The backend logs through log.
func openBackend(name string, log *zap.Logger) (backend.Backend, error) {
	open, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("backend %q not built into this binary (available: %s): %w",
			name, strings.Join(availableBackends(), ", "), pkg.ErrNotSupported)
	}
	return open(log), nil
}

func availableBackends() []string {
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
