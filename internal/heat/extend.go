package heat

import "time"

// Decision is the extension verdict consumed by the orchestrator.
type Decision struct {
	ShouldExtend bool
	Duration     time.Duration
	Heat         State
	Reason       string
}

func deny(heat State, reason string) Decision {
	return Decision{Heat: heat, Reason: reason}
}

// Decide evaluates the extension policy for the given moment.
//
// timeRemaining is the provider's current timeout estimate. A granted
// decision mutates the streak and per-heat counters, so the caller must
// act on it (or discard the engine).
func (e *Engine) Decide(now time.Time, timeRemaining time.Duration) Decision {
	heat := e.Classify(now)

	// An idle gap past the recent window breaks the streak even when no
	// extension is granted.
	if last, ok := e.lastActivity(); !ok || now.Sub(last) > e.cfg.RecentWindow {
		e.streak = e.cfg.StreakMin
		e.lastHeat = ""
	}

	if heat == Cold {
		return deny(heat, "cold sessions never extend")
	}
	if timeRemaining > e.cfg.TriggerThreshold {
		return deny(heat, "time remaining above trigger threshold")
	}
	if e.extended && now.Sub(e.lastExtendAt) < e.cfg.MinExtendInterval {
		return deny(heat, "extension granted too recently")
	}
	if e.grantedByHeat[heat] >= e.cfg.MaxExtensions[heat] {
		return deny(heat, "per-heat extension cap reached")
	}

	streak := e.streak
	if e.extended && e.lastHeat != "" && rank(heat) >= rank(e.lastHeat) {
		streak += e.cfg.StreakIncrement
		if streak > e.cfg.StreakMax {
			streak = e.cfg.StreakMax
		}
	}
	if streak < e.cfg.StreakMin {
		streak = e.cfg.StreakMin
	}

	duration := time.Duration(float64(e.cfg.ExtensionDurations[heat]) * streak)
	if duration <= 0 {
		return deny(heat, "zero extension duration")
	}

	// The lifetime cap is enforced here, not left to the remote provider.
	if e.started {
		elapsed := now.Sub(e.sessionStart)
		budget := e.cfg.MaxLifetime - elapsed - timeRemaining
		if budget <= 0 {
			return deny(heat, "session lifetime cap reached")
		}
		if duration > budget {
			duration = budget
		}
	}

	e.streak = streak
	e.extended = true
	e.lastExtendAt = now
	e.lastHeat = heat
	e.grantedByHeat[heat]++

	return Decision{ShouldExtend: true, Duration: duration, Heat: heat}
}

// Extensions reports how many extensions have been granted at the given
// heat state this session.
func (e *Engine) Extensions(heat State) int {
	return e.grantedByHeat[heat]
}
