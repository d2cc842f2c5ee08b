package concurrent

import (
	"context"
	"sync"
)

// Result pairs the output of one item with its error.
type Result[R any] struct {
	Value R
	Err   error
}

// MapOrdered runs fn over items with at most maxConcurrency calls in flight
// and returns one Result per item, in input order. A failing item does not
// stop the others. Items not started before ctx is done get ctx.Err().
func MapOrdered[T, R any](ctx context.Context, items []T, maxConcurrency int, fn func(context.Context, T) (R, error)) []Result[R] {
	if len(items) == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}

	results := make([]Result[R], len(items))
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				results[idx].Err = err
				return
			}
			select {
			case <-ctx.Done():
				results[idx].Err = ctx.Err()
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}
			v, err := fn(ctx, val)
			results[idx] = Result[R]{Value: v, Err: err}
		}(i, item)
	}

	wg.Wait()
	return results
}
