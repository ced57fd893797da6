// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package geobus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wneessen/waybar-location/internal/logger"
)

// Orchestrator coordinates the tracking of multiple providers and forwards their results to
// the event channel of a GeoBus run.
type Orchestrator struct {
	Bus             *GeoBus
	Providers       []Provider
	DesiredAccuracy float64

	out chan<- Result
}

// Track runs all providers concurrently until ctx is done.
func (o *Orchestrator) Track(ctx context.Context) {
	var wg sync.WaitGroup
	for _, p := range o.Providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			o.trackProvider(ctx, p)
		}(p)
	}
	<-ctx.Done()
	wg.Wait()
}

// trackProvider continuously tracks a Provider for geolocation data, forwarding results and
// restarting the lookup with backoff once its stream ends.
func (o *Orchestrator) trackProvider(ctx context.Context, p Provider) {
	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		lookupChan, err := o.safeLookup(ctx, p)
		if err != nil || lookupChan == nil {
			if err != nil {
				o.Bus.logger.Error("location provider failed", slog.String("provider", p.Name()), logger.Err(err))
			}
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-lookupChan:
				if !ok {
					if !sleepOrDone(ctx, backoff) {
						return
					}
					backoff = nextBackoff(backoff)
					break stream
				}
				if !o.forward(ctx, r) {
					return
				}
				backoff = initialBackoff
			}
		}
	}
}

// forward delivers every sample and failure unfiltered. Judging samples is up to the consumer
// of the event channel.
func (o *Orchestrator) forward(ctx context.Context, r Result) bool {
	if r.Err == nil {
		o.Bus.logger.Debug("location sample received", slog.String("source", r.Source),
			slog.String("position", r.Coordinate().String()), slog.Float64("accuracy", r.AccuracyMeters),
			slog.Bool("desired_accuracy_met", r.AccuracyMeters <= o.DesiredAccuracy))
	}
	return o.Bus.publish(ctx, o.out, r)
}

// safeLookup safely invokes the LookupStream method on a Provider and recovers from potential panics.
func (o *Orchestrator) safeLookup(ctx context.Context, provider Provider) (ch <-chan Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			ch, err = nil, fmt.Errorf("provider %q panicked: %v", provider.Name(), r)
		}
	}()
	return provider.LookupStream(ctx), nil
}
