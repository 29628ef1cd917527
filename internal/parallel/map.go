// Package parallel runs a function over a sequence with bounded concurrency.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for each element of seq, running at most limit calls at a
// time, and yields the results in completion order.
//
// Cancelling ctx stops feeding new elements. Calls already running get the
// cancelled context and their results are still yielded. Breaking out of the
// loop cancels the remaining calls and waits for them.
//
//	for exec, err := range parallel.Map(ctx, 4, slices.Values(files), launch) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq[E], fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	if limit < 1 {
		limit = 1
	}
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(limit)
		mapped := make(chan result[D], limit)

		go func() {
			defer close(mapped)
			for e := range seq {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					if ctx.Err() != nil {
						return nil
					}
					d, err := fn(ctx, e)
					mapped <- result[D]{d: d, e: err}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range mapped {
			if !yield(r.d, r.e) {
				cancel()
				for range mapped {
				}
				return
			}
		}
	}
}
