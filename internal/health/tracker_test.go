package health

import (
	"testing"
	"time"

	"github.com/jordanhubbard/llmgateway/internal/events"
)

func testConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     4,
		CooldownDuration:        10 * time.Millisecond,
		StaleAfter:              0,
	}
}

func TestRecordSuccess(t *testing.T) {
	tr := NewTracker(testConfig())
	tr.RecordSuccess("openai", 100)

	s := tr.GetStats("openai")
	if s.State != StateHealthy {
		t.Fatalf("state = %v, want healthy", s.State)
	}
	if s.TotalRequests != 1 {
		t.Fatalf("TotalRequests = %d, want 1", s.TotalRequests)
	}
}

func TestDegradedAfterErrors(t *testing.T) {
	tr := NewTracker(testConfig())
	tr.RecordError("openai", "timeout")
	if s := tr.GetStats("openai"); s.State != StateHealthy {
		t.Fatalf("after 1 error, state = %v, want healthy", s.State)
	}
	tr.RecordError("openai", "timeout")
	if s := tr.GetStats("openai"); s.State != StateDegraded {
		t.Fatalf("after 2 errors, state = %v, want degraded", s.State)
	}
}

func TestDownAfterErrors(t *testing.T) {
	tr := NewTracker(testConfig())
	for i := 0; i < 4; i++ {
		tr.RecordError("openai", "timeout")
	}
	s := tr.GetStats("openai")
	if s.State != StateDown {
		t.Fatalf("after 4 errors, state = %v, want down", s.State)
	}
	if tr.IsAvailable("openai") {
		t.Fatal("expected provider unavailable while down")
	}
}

func TestCooldownExpiry(t *testing.T) {
	cfg := testConfig()
	tr := NewTracker(cfg)
	for i := 0; i < 4; i++ {
		tr.RecordError("openai", "timeout")
	}
	if tr.IsAvailable("openai") {
		t.Fatal("expected unavailable immediately after trip")
	}

	time.Sleep(2 * cfg.CooldownDuration)

	if !tr.IsAvailable("openai") {
		t.Fatal("expected available (half-open probe) after cooldown elapsed")
	}

	tr.RecordSuccess("openai", 50)
	s := tr.GetStats("openai")
	if s.State != StateHealthy {
		t.Fatalf("after probe success, state = %v, want healthy", s.State)
	}
}

func TestSuccessResetsConsecErrors(t *testing.T) {
	tr := NewTracker(testConfig())
	tr.RecordError("openai", "timeout")
	tr.RecordSuccess("openai", 10)
	s := tr.GetStats("openai")
	if s.ConsecErrors != 0 {
		t.Fatalf("ConsecErrors = %d, want 0", s.ConsecErrors)
	}
	if s.State != StateHealthy {
		t.Fatalf("state = %v, want healthy", s.State)
	}
}

func TestUnknownProviderAvailable(t *testing.T) {
	tr := NewTracker(testConfig())
	if !tr.IsAvailable("never-seen") {
		t.Fatal("expected an unseen provider to be treated as available")
	}
}

func TestGetStatsUnknown(t *testing.T) {
	tr := NewTracker(testConfig())
	s := tr.GetStats("never-seen")
	if s.State != StateUnknown {
		t.Fatalf("state = %v, want unknown for a never-seen provider", s.State)
	}
}

func TestStaleMarksUnknown(t *testing.T) {
	cfg := testConfig()
	cfg.StaleAfter = 50 * time.Millisecond
	tr := NewTracker(cfg)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.nowFunc = func() time.Time { return fixed }

	tr.RecordSuccess("openai", 20)
	if s := tr.GetStats("openai"); s.State != StateHealthy {
		t.Fatalf("state = %v, want healthy", s.State)
	}

	tr.nowFunc = func() time.Time { return fixed.Add(time.Second) }
	s := tr.GetStats("openai")
	if s.State != StateUnknown {
		t.Fatalf("state after the stale window elapsed = %v, want unknown", s.State)
	}
}

func TestAllStats(t *testing.T) {
	tr := NewTracker(testConfig())
	tr.RecordSuccess("openai", 10)
	tr.RecordSuccess("anthropic", 20)

	all := tr.AllStats()
	if len(all) != 2 {
		t.Fatalf("len(AllStats) = %d, want 2", len(all))
	}
}

func TestErrorCountTracking(t *testing.T) {
	tr := NewTracker(testConfig())
	tr.RecordError("openai", "boom")
	tr.RecordSuccess("openai", 10)
	tr.RecordError("openai", "boom again")

	s := tr.GetStats("openai")
	if s.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d, want 3", s.TotalRequests)
	}
	if s.TotalErrors != 2 {
		t.Fatalf("TotalErrors = %d, want 2", s.TotalErrors)
	}
	if rate := tr.GetErrorRate("openai"); rate < 0.66 || rate > 0.67 {
		t.Fatalf("GetErrorRate = %v, want ~0.667", rate)
	}
}

func TestHealthChangeEventsPublished(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(16)

	cfg := testConfig()
	tr := NewTracker(cfg, WithEventBus(bus))

	tr.RecordError("openai", "e1") // unknown -> healthy
	tr.RecordError("openai", "e2") // -> degraded
	tr.RecordError("openai", "e3") // still degraded
	tr.RecordError("openai", "e4") // -> down

	time.Sleep(2 * cfg.CooldownDuration)
	tr.IsAvailable("openai")      // flips the breaker to half-open, publishes nothing itself
	tr.RecordSuccess("openai", 5) // half-open probe succeeds -> healthy

	var transitions []string
	draining := true
	for draining {
		select {
		case e := <-sub.C:
			transitions = append(transitions, e.OldState+"->"+e.NewState)
		default:
			draining = false
		}
	}

	want := []string{"unknown->healthy", "healthy->degraded", "degraded->down", "down->healthy"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i, w := range want {
		if transitions[i] != w {
			t.Fatalf("transitions[%d] = %q, want %q", i, transitions[i], w)
		}
	}
}
