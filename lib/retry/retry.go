package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
)

var log = logging.Logger("retry")

func errorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// Retry calls f until it succeeds, fails with an error whose type is not in
// errorTypes, or attempts run out. Waits grow from sleep up to a minute.
func Retry[T any](ctx context.Context, attempts int, sleep time.Duration, errorTypes []error, f func() (T, error)) (result T, err error) {
	b := &backoff.Backoff{
		Min:    sleep,
		Max:    time.Minute,
		Factor: 2,
	}
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i+1, "error", err)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		result, err = f()
		if err == nil || !errorIsIn(err, errorTypes) {
			return result, err
		}
	}
	log.Errorf("Failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
