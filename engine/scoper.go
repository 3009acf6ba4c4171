package engine

import (
	"context"

	"github.com/colcon-tools/distrocache"
	"github.com/colcon-tools/distrocache/fetch"
)

// DefaultScoper adapts [fetch.Scoped] to the [Scoper] shape. It is the
// Scoper used when New is given a nil one.
func DefaultScoper(ctx context.Context, f Fetcher, desc *distrocache.Repository, fn func(ctx context.Context, dir string) error) error {
	ff, ok := f.(fetch.Fetcher)
	if !ok {
		// Fetcher declares the same methods as fetch.Fetcher, so this
		// branch is only reached for a nil f.
		return &distrocache.Error{Kind: distrocache.ErrInternal, Op: "engine.DefaultScoper", Message: "fetcher does not implement fetch.Fetcher"}
	}
	return fetch.Scoped(ctx, ff, desc, fn)
}
