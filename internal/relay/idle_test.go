package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeIdleTarget records idle submissions.
type fakeIdleTarget struct {
	mu        sync.Mutex
	last      time.Time
	accept    bool
	submitted []Trigger
}

func (f *fakeIdleTarget) LastInteraction() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *fakeIdleTarget) Touch(t time.Time) {
	f.mu.Lock()
	f.last = t
	f.mu.Unlock()
}

func (f *fakeIdleTarget) Submit(t Trigger) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, t)
	return f.accept
}

func (f *fakeIdleTarget) Submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

func TestIdleMonitor_Tick(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		quiet      time.Duration
		wantSubmit bool
	}{
		{name: "recent", quiet: 30 * time.Second},
		{name: "exactly threshold", quiet: 2 * time.Minute},
		{name: "past threshold", quiet: 2*time.Minute + time.Second, wantSubmit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			target := &fakeIdleTarget{last: base, accept: true}
			m := NewIdleMonitor(target)

			now := base.Add(tt.quiet)
			got := m.Tick(now)
			if got != tt.wantSubmit {
				t.Errorf("Tick() = %v, want %v", got, tt.wantSubmit)
			}
			if tt.wantSubmit {
				if target.Submitted() != 1 || target.submitted[0].Kind != TriggerIdle {
					t.Errorf("submitted %+v, want one idle trigger", target.submitted)
				}
				if !target.LastInteraction().Equal(now) {
					t.Error("idle clock not stamped")
				}
			} else if target.Submitted() != 0 {
				t.Errorf("submitted %d triggers, want 0", target.Submitted())
			}
		})
	}
}

func TestIdleMonitor_NoBurstWhenDropped(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	target := &fakeIdleTarget{last: base}
	m := NewIdleMonitor(target)

	now := base.Add(10 * time.Minute)
	if m.Tick(now) {
		t.Error("Tick() = true for a dropped trigger")
	}
	for i := 1; i <= 3; i++ {
		m.Tick(now.Add(time.Duration(i) * 30 * time.Second))
	}
	if got := target.Submitted(); got != 1 {
		t.Errorf("submitted %d triggers in the 90s after a drop, want 1", got)
	}
}

func TestIdleMonitor_Run(t *testing.T) {
	t.Parallel()

	target := &fakeIdleTarget{last: time.Now().Add(-time.Hour), accept: true}
	m := NewIdleMonitor(target,
		WithInterval(5*time.Millisecond),
		WithThreshold(time.Hour),
		WithInterval(0),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for target.Submitted() == 0 {
		select {
		case <-deadline:
			t.Fatal("idle trigger never submitted")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestIdleMonitor_WithRelay(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	p := reply(`{"message":"ねえ、何してる？","command":null}`)
	sp := newRecordingSpeaker()
	r := New(p, sp, WithClock(clk.Now))
	r.StartSession(newFakeLink())
	startRelay(t, r)

	m := NewIdleMonitor(r, WithIdleClock(clk.Now))
	clk.Advance(90 * time.Second)
	if m.Tick(clk.Now()) {
		t.Fatal("idle trigger before threshold")
	}

	clk.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for !m.Tick(clk.Now()) {
		if time.Now().After(deadline) {
			t.Fatal("idle trigger never accepted")
		}
		// A dropped tick stamps the clock; step past the threshold again.
		clk.Advance(3 * time.Minute)
	}
	if got := <-sp.spoke; got != "ねえ、何してる？" {
		t.Errorf("spoke %q", got)
	}
	msgs := p.Calls()[0].Req.Messages
	if got := msgs[len(msgs)-1].Content; got != idlePrompt {
		t.Errorf("idle turn sent %q", got)
	}
}
