// Package quota implements the quota threshold tracker (§4.9): hysteresis
// over rate-limit snapshots that emits warning/exhausted crossings and
// resets once a window's resetsAt passes.
package quota

import (
	"time"

	"github.com/codexgate/cliproxy/internal/ratelimit"
)

// CrossingKind distinguishes a warning threshold from full exhaustion.
type CrossingKind string

const (
	CrossingWarning25  CrossingKind = "warning_25"
	CrossingWarning10  CrossingKind = "warning_10"
	CrossingExhausted  CrossingKind = "exhausted"
)

// Crossing is one threshold event for one named window.
type Crossing struct {
	Window string
	Kind   CrossingKind
}

// WindowState is the tracker's memory for a single named window.
type WindowState struct {
	Crossed25     bool
	Crossed10     bool
	CrossedExhaust bool
	ResetsAt      time.Time
}

// State is the tracker's memory for one account, keyed by window name.
type State map[string]WindowState

// Evaluate compares snap against prior and returns the next state plus any
// crossings that newly occurred. Thresholds fire the first time a window
// drops below 25%/10%/0% since the last reset; a window resets (all
// crossings cleared) once its resetsAt passes.
func Evaluate(prior State, snap ratelimit.Snapshot, now time.Time) (State, []Crossing) {
	next := make(State, len(prior))
	for k, v := range prior {
		next[k] = v
	}

	var crossings []Crossing
	for _, limit := range snap.Limits {
		window := limit.Name
		ws := next[window]

		if !ws.ResetsAt.IsZero() && now.After(ws.ResetsAt) {
			ws = WindowState{}
		}
		if limit.ResetsAt != nil {
			ws.ResetsAt = *limit.ResetsAt
		}

		if limit.LeftPct <= 0 {
			if !ws.CrossedExhaust {
				ws.CrossedExhaust = true
				crossings = append(crossings, Crossing{Window: window, Kind: CrossingExhausted})
			}
		} else if limit.LeftPct < 10 {
			if !ws.Crossed10 {
				ws.Crossed10 = true
				crossings = append(crossings, Crossing{Window: window, Kind: CrossingWarning10})
			}
		} else if limit.LeftPct < 25 {
			if !ws.Crossed25 {
				ws.Crossed25 = true
				crossings = append(crossings, Crossing{Window: window, Kind: CrossingWarning25})
			}
		}

		next[window] = ws
	}
	return next, crossings
}

// CooldownUntil computes the cooldown deadline to apply when any exhausted
// crossing occurred: the max resetsAt among exhausted windows, or now+5min
// when none is known.
func CooldownUntil(next State, crossings []Crossing, now time.Time) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, c := range crossings {
		if c.Kind != CrossingExhausted {
			continue
		}
		ws := next[c.Window]
		found = true
		if !ws.ResetsAt.IsZero() && ws.ResetsAt.After(latest) {
			latest = ws.ResetsAt
		}
	}
	if !found {
		return time.Time{}, false
	}
	if latest.IsZero() {
		latest = now.Add(5 * time.Minute)
	}
	return latest, true
}
