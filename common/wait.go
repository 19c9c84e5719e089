/*
 *
 * ghost - synchronous browser automation over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"time"

	"github.com/grafana/ghost/log"
)

// Waiter polls conditions while pumping the engine's event queue.
type Waiter struct {
	// Pump processes queued engine events for at most the given duration.
	Pump func(ctx context.Context, maxWait time.Duration) error
	// Callback, if set, is called once per polling cycle.
	Callback func()
	// InFlight reports the in-flight request count for timeout diagnostics.
	InFlight func() int
	Logger   *log.Logger
}

// WaitFor blocks until condition returns true or timeout elapses. The engine
// is pumped between checks so the events condition depends on get handled.
// A failing condition or pump aborts the wait with its error.
func (w *Waiter) WaitFor(
	ctx context.Context, condition func() (bool, error), message string, timeout time.Duration,
) error {
	var (
		start    = time.Now()
		interval = pollInterval(timeout)
	)
	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Since(start) > timeout {
			inFlight := 0
			if w.InFlight != nil {
				inFlight = w.InFlight()
			}
			w.Logger.Warnf("Waiter:WaitFor", "Timeout with %d requests still in flight", inFlight)
			return &TimeoutError{Message: message}
		}
		if w.Callback != nil {
			w.Callback()
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.Pump(ctx, interval); err != nil {
			return err
		}
	}
}

// Sleep pumps the engine for d.
func (w *Waiter) Sleep(ctx context.Context, d time.Duration) error {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if remaining > maxPollInterval {
			remaining = maxPollInterval
		}
		if err := w.Pump(ctx, remaining); err != nil {
			return err
		}
	}
}

// pollInterval is a tenth of timeout, bounded so short timeouts aren't
// overshot and long ones don't spin.
func pollInterval(timeout time.Duration) time.Duration {
	interval := timeout / 10
	if interval < minPollInterval {
		return minPollInterval
	}
	if interval > maxPollInterval {
		return maxPollInterval
	}
	return interval
}
