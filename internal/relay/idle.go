package relay

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultIdleInterval  = 30 * time.Second
	defaultIdleThreshold = 2 * time.Minute
)

// IdleTarget is what the idle monitor watches and feeds. [Relay] implements it.
type IdleTarget interface {
	LastInteraction() time.Time
	Touch(t time.Time)
	Submit(t Trigger) bool
}

// IdleOption configures an [IdleMonitor].
type IdleOption func(*IdleMonitor)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) IdleOption {
	return func(m *IdleMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithThreshold sets how long the conversation may be quiet before an idle
// trigger is submitted.
func WithThreshold(d time.Duration) IdleOption {
	return func(m *IdleMonitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithIdleClock replaces time.Now. Used by tests.
func WithIdleClock(now func() time.Time) IdleOption {
	return func(m *IdleMonitor) {
		m.now = now
	}
}

// IdleMonitor polls the idle clock and submits an idle trigger once the
// conversation has been quiet for longer than the threshold.
type IdleMonitor struct {
	target    IdleTarget
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
}

// NewIdleMonitor creates a monitor polling every 30s with a 2 minute
// threshold unless overridden.
func NewIdleMonitor(target IdleTarget, opts ...IdleOption) *IdleMonitor {
	m := &IdleMonitor{
		target:    target,
		interval:  defaultIdleInterval,
		threshold: defaultIdleThreshold,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run polls until ctx is cancelled.
func (m *IdleMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Tick(m.now())
		}
	}
}

// Tick performs one poll at now and reports whether an idle trigger was
// accepted. The clock is stamped before submitting so a trigger that is
// dropped or still running cannot cause a burst of idle prompts.
func (m *IdleMonitor) Tick(now time.Time) bool {
	quiet := now.Sub(m.target.LastInteraction())
	if quiet <= m.threshold {
		return false
	}
	m.target.Touch(now)
	slog.Debug("relay: conversation idle, prompting", "quiet", quiet)
	return m.target.Submit(IdleTrigger())
}
