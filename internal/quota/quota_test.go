package quota

import (
	"testing"
	"time"

	"github.com/codexgate/cliproxy/internal/ratelimit"
)

func TestEvaluateEmitsWarningAtFirstCrossing(t *testing.T) {
	t.Parallel()
	now := time.Now()
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "5h", LeftPct: 20}}}

	next, crossings := Evaluate(nil, snap, now)
	if len(crossings) != 1 || crossings[0].Kind != CrossingWarning25 {
		t.Fatalf("crossings = %+v, want one warning_25", crossings)
	}
	if !next["5h"].Crossed25 {
		t.Fatalf("next state missing Crossed25")
	}
}

func TestEvaluateDoesNotReemitSameThreshold(t *testing.T) {
	t.Parallel()
	now := time.Now()
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "5h", LeftPct: 20}}}

	state, _ := Evaluate(nil, snap, now)
	_, crossings := Evaluate(state, snap, now)
	if len(crossings) != 0 {
		t.Fatalf("crossings = %+v, want none (already crossed)", crossings)
	}
}

func TestEvaluateEmitsExhaustedAtZero(t *testing.T) {
	t.Parallel()
	now := time.Now()
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "weekly", LeftPct: 0}}}

	_, crossings := Evaluate(nil, snap, now)
	if len(crossings) != 1 || crossings[0].Kind != CrossingExhausted {
		t.Fatalf("crossings = %+v, want one exhausted", crossings)
	}
}

func TestEvaluateResetsAfterResetsAtPasses(t *testing.T) {
	t.Parallel()
	now := time.Now()
	resetAt := now.Add(time.Minute)
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "5h", LeftPct: 0, ResetsAt: &resetAt}}}

	state, crossings := Evaluate(nil, snap, now)
	if len(crossings) != 1 {
		t.Fatalf("crossings = %+v, want one", crossings)
	}

	later := resetAt.Add(time.Second)
	_, crossings = Evaluate(state, snap, later)
	if len(crossings) != 1 || crossings[0].Kind != CrossingExhausted {
		t.Fatalf("crossings after reset = %+v, want re-emitted exhausted", crossings)
	}
}

func TestCooldownUntilUsesMaxResetsAtAmongExhausted(t *testing.T) {
	t.Parallel()
	now := time.Now()
	resetA := now.Add(10 * time.Minute)
	resetB := now.Add(20 * time.Minute)
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{
		{Name: "5h", LeftPct: 0, ResetsAt: &resetA},
		{Name: "weekly", LeftPct: 0, ResetsAt: &resetB},
	}}

	next, crossings := Evaluate(nil, snap, now)
	until, ok := CooldownUntil(next, crossings, now)
	if !ok {
		t.Fatalf("CooldownUntil() ok = false, want true")
	}
	if !until.Equal(resetB) {
		t.Fatalf("CooldownUntil() = %v, want %v", until, resetB)
	}
}

func TestCooldownUntilFallsBackToFiveMinutes(t *testing.T) {
	t.Parallel()
	now := time.Now()
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "5h", LeftPct: 0}}}

	next, crossings := Evaluate(nil, snap, now)
	until, ok := CooldownUntil(next, crossings, now)
	if !ok {
		t.Fatalf("CooldownUntil() ok = false")
	}
	if until.Sub(now) != 5*time.Minute {
		t.Fatalf("CooldownUntil() = %v, want now+5m", until)
	}
}

func TestCooldownUntilNoneWhenNoExhaustedCrossing(t *testing.T) {
	t.Parallel()
	now := time.Now()
	snap := ratelimit.Snapshot{Limits: []ratelimit.Limit{{Name: "5h", LeftPct: 50}}}
	next, crossings := Evaluate(nil, snap, now)
	if _, ok := CooldownUntil(next, crossings, now); ok {
		t.Fatalf("CooldownUntil() ok = true, want false")
	}
}
