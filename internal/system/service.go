// Package system provides the lifecycle contract long-running engine
// components implement, and a Manager that starts/stops them deterministically.
package system

import (
	"context"

	"github.com/raceops/provider-engine/internal/corutil"
)

// Service represents a lifecycle-managed component. Every background worker
// in the engine (scheduler, discovery, rate-limiter snapshotter, ...)
// implements this so the manager can start and stop them deterministically.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DescriptorProvider optionally advertises component metadata.
type DescriptorProvider interface {
	Descriptor() corutil.Descriptor
}
