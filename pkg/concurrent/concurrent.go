package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEach runs the action for each element in a separate goroutine and
// waits for all of them. The first error encountered is returned.
func ForEach[T any](items []T, action func(T) error) error {
	g := errgroup.Group{}
	for _, item := range items {
		item := item
		g.Go(func() error {
			return action(item)
		})
	}
	return g.Wait()
}

// ForEachLimit is ForEach with at most limit goroutines in flight.
func ForEachLimit[T any](ctx context.Context, limit int, items []T, action func(context.Context, T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		item := item
		g.Go(func() error {
			return action(ctx, item)
		})
	}
	return g.Wait()
}

// CollectErrors runs every action regardless of failures and returns all
// errors. Used where one slow or broken receiver must not starve the rest.
func CollectErrors[T any](items []T, action func(T) error) []error {
	type indexed struct {
		i   int
		err error
	}
	ch := make(chan indexed, len(items))
	g := errgroup.Group{}
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			ch <- indexed{i: i, err: action(item)}
			return nil
		})
	}
	_ = g.Wait()
	close(ch)
	errs := make([]error, len(items))
	for r := range ch {
		errs[r.i] = r.err
	}
	return errs
}
