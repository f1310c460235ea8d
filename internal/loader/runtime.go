package loader

import (
	"context"

	"plughost/internal/unit"
)

// Constructor instantiates a resolved plugin. It runs while the bundle is
// still open and must give up once ctx is done.
type Constructor func(ctx context.Context) (unit.Unit, error)

// Runtime resolves a manifest against its bundle without executing plugin code.
type Runtime interface {
	Name() string
	Resolve(b *Bundle, m *Manifest) (Constructor, error)
}
