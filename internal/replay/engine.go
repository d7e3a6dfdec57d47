package replay

import (
	"context"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// Observer sees every sample in replay order.
type Observer interface {
	// OnSample is called after b has been applied. late reports whether its
	// window had already closed.
	OnSample(ctx context.Context, b domain.BookTop, late bool) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, b domain.BookTop, late bool) error

// OnSample calls f.
func (f ObserverFunc) OnSample(ctx context.Context, b domain.BookTop, late bool) error {
	return f(ctx, b, late)
}
