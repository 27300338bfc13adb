package util

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/coder/quartz"
	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/xerrors"
)

type WaitTimeout struct {
	Timeout     time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
	Clock       quartz.Clock
}

var WaitTimedOut = xerrors.New("timeout waiting for condition")

// WaitFor polls condition until it reports true, returns an error, or the
// timeout expires. The poll interval doubles after every miss up to MaxInterval.
func WaitFor(ctx context.Context, timeout WaitTimeout, condition func() (bool, error)) error {
	clock := timeout.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	interval := cmp(timeout.MinInterval, 25*time.Millisecond)
	maxInterval := cmp(timeout.MaxInterval, time.Second)
	if interval > maxInterval {
		return xerrors.Errorf("min interval %s is greater than max interval %s", interval, maxInterval)
	}
	deadline := clock.NewTimer(cmp(timeout.Timeout, 10*time.Second), "util", "waitfor", "deadline")
	defer deadline.Stop()

	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		pause := clock.NewTimer(interval, "util", "waitfor", "pause")
		select {
		case <-ctx.Done():
			pause.Stop()
			return ctx.Err()
		case <-deadline.C:
			pause.Stop()
			return WaitTimedOut
		case <-pause.C:
		}
		interval = min(interval*2, maxInterval)
	}
}

func cmp(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

// based on https://github.com/danielgtaylor/huma/issues/621#issuecomment-2456588788
func OpenAPISchema[T ~string](r huma.Registry, enumName string, values []T) *huma.Schema {
	if r.Map()[enumName] == nil {
		schemaRef := r.Schema(reflect.TypeOf(""), true, enumName)
		schemaRef.Title = enumName
		schemaRef.Examples = []any{values[0]}
		for _, v := range values {
			schemaRef.Enum = append(schemaRef.Enum, string(v))
		}
		r.Map()[enumName] = schemaRef
	}
	return &huma.Schema{Ref: fmt.Sprintf("#/components/schemas/%s", enumName)}
}
