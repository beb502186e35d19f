package broker

import (
	"context"
	"errors"
	"fmt"
)

// Scope connects b, runs fn, and disconnects on every exit path including a
// panic in fn. Errors from fn and from Disconnect are joined.
func Scope(ctx context.Context, b Broker, fn func(ctx context.Context, b Broker) error) (err error) {
	if err := b.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if derr := b.Disconnect(context.WithoutCancel(ctx)); derr != nil {
			err = errors.Join(err, fmt.Errorf("disconnect: %w", derr))
		}
	}()

	return fn(ctx, b)
}
