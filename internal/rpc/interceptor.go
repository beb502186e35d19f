package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrentGruber/Basidia/internal/logger"
)

// Interceptor wraps the invocation of every served method
type Interceptor func(next MethodFunc) MethodFunc

var (
	// ErrHandlerTimeout is returned by the Timeout interceptor
	ErrHandlerTimeout = errors.New("request timed out")

	// ErrRateLimited is returned by the RateLimit interceptor
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Chain combines interceptors; the first one is outermost
func Chain(interceptors ...Interceptor) Interceptor {
	return func(next MethodFunc) MethodFunc {
		for i := len(interceptors) - 1; i >= 0; i-- {
			next = interceptors[i](next)
		}
		return next
	}
}

// Logging logs every served call with its duration
func Logging(log *logger.Logger) Interceptor {
	return func(next MethodFunc) MethodFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			start := time.Now()
			result, err := next(ctx, call)
			duration := time.Since(start)

			if err != nil {
				log.Warn("rpc method failed",
					"method", call.Method,
					"duration", duration,
					"error", err)
				return result, err
			}
			log.Debug("rpc method served",
				"method", call.Method,
				"duration", duration)
			return result, nil
		}
	}
}

// Timeout bounds every served call. The method keeps running in the
// background after the deadline but its result is discarded.
func Timeout(d time.Duration) Interceptor {
	return func(next MethodFunc) MethodFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: fmt.Errorf("panic: %v", r)}
					}
				}()
				result, err := next(ctx, call)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}

// RateLimit rejects calls beyond r per second with the given burst, using a
// token bucket shared by every method of the service
func RateLimit(r float64, burst int) Interceptor {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next MethodFunc) MethodFunc {
		return func(ctx context.Context, call *Call) (any, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}
