package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"agentsched/internal/task/engine"
)

type SleepParams struct {
	Duration string `json:"duration"`
	// Fail makes the handler return an error after sleeping; handy for
	// exercising retry policies from a config file.
	Fail bool `json:"fail,omitempty"`
}

var errSleepFail = errors.New("sleep: failing as requested")

// Sleep waits for params.duration and returns it.
func Sleep() Kind {
	return Kind{
		Name: "sleep",
		Handler: func(ctx context.Context, params any) (any, error) {
			p, ok := params.(sleepArgs)
			if !ok {
				return nil, engine.NoRetry(errors.New("sleep: unexpected params"))
			}
			t := time.NewTimer(p.d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-t.C:
			}
			if p.fail {
				return nil, errSleepFail
			}
			return p.d, nil
		},
		Decode: func(raw json.RawMessage) (any, error) {
			p, err := decodeStrict[SleepParams](raw)
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(p.Duration)
			if err != nil || d < 0 {
				return nil, errors.New("params.duration: want a non-negative Go duration")
			}
			return sleepArgs{d: d, fail: p.Fail}, nil
		},
	}
}

type sleepArgs struct {
	d    time.Duration
	fail bool
}
