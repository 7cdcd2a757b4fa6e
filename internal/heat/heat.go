// Package heat classifies recent user engagement and sizes sandbox timeout
// extensions from it. The engine performs no I/O; the orchestrator owns the
// network call that acts on its decisions.
package heat

import "time"

// ActivityKind labels one recorded signal of user engagement.
type ActivityKind string

const (
	ActivityUserInteraction ActivityKind = "user_interaction"
	ActivityPreviewAccess   ActivityKind = "preview_access"
	ActivityFileWrite       ActivityKind = "file_write"
	ActivityCommand         ActivityKind = "command"
	ActivityPrompt          ActivityKind = "prompt"
)

// Activity is one append-only log record.
type Activity struct {
	Kind ActivityKind
	At   time.Time
}

// State is the coarse engagement classification. It is derived, never
// persisted.
type State string

const (
	Hot  State = "hot"
	Warm State = "warm"
	Cool State = "cool"
	Cold State = "cold"
)

func rank(s State) int {
	switch s {
	case Hot:
		return 3
	case Warm:
		return 2
	case Cool:
		return 1
	default:
		return 0
	}
}

// Thresholds are minimum per-window scores a tier requires. All three must
// be satisfied for the tier to match.
type Thresholds struct {
	Recent float64
	Short  float64
	Medium float64
}

// Config holds the scoring windows, weights, and extension policy knobs.
type Config struct {
	RecentWindow time.Duration
	ShortWindow  time.Duration
	MediumWindow time.Duration

	Weights map[ActivityKind]float64

	// Tier thresholds, checked in Hot, Warm, Cool priority order.
	HotThresholds  Thresholds
	WarmThresholds Thresholds
	CoolThresholds Thresholds

	ExtensionDurations map[State]time.Duration
	MaxExtensions      map[State]int

	// TriggerThreshold is the remaining-time floor below which an
	// extension may be granted.
	TriggerThreshold  time.Duration
	MinExtendInterval time.Duration
	// MaxLifetime hard-caps total session lifetime regardless of heat.
	MaxLifetime time.Duration

	StreakIncrement float64
	StreakMin       float64
	StreakMax       float64
}

// DefaultConfig returns the tuning used in production.
func DefaultConfig() Config {
	return Config{
		RecentWindow: time.Minute,
		ShortWindow:  5 * time.Minute,
		MediumWindow: 15 * time.Minute,
		Weights: map[ActivityKind]float64{
			ActivityUserInteraction: 1,
			ActivityPreviewAccess:   1.5,
			ActivityFileWrite:       2,
			ActivityCommand:         2,
			ActivityPrompt:          3,
		},
		HotThresholds:  Thresholds{Recent: 6, Short: 10, Medium: 12},
		WarmThresholds: Thresholds{Recent: 1, Short: 3, Medium: 3},
		CoolThresholds: Thresholds{Medium: 1},
		ExtensionDurations: map[State]time.Duration{
			Hot:  5 * time.Minute,
			Warm: 3 * time.Minute,
			Cool: time.Minute,
			Cold: 0,
		},
		MaxExtensions: map[State]int{
			Hot:  3,
			Warm: 4,
			Cool: 11,
			Cold: 0,
		},
		TriggerThreshold:  4 * time.Minute,
		MinExtendInterval: time.Minute,
		MaxLifetime:       45 * time.Minute,
		StreakIncrement:   0.25,
		StreakMin:         1,
		StreakMax:         2,
	}
}

// Engine owns the activity log and the extension counters for one session.
// It is not safe for concurrent use; the orchestrator serializes access.
type Engine struct {
	cfg Config

	log []Activity

	sessionStart time.Time
	started      bool

	lastExtendAt  time.Time
	extended      bool
	lastHeat      State
	streak        float64
	grantedByHeat map[State]int
}

func NewEngine(cfg Config) *Engine {
	if cfg.Weights == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:           cfg,
		streak:        cfg.StreakMin,
		grantedByHeat: map[State]int{},
	}
}

// StartSession marks the beginning of the lifetime window.
func (e *Engine) StartSession(at time.Time) {
	e.sessionStart = at
	e.started = true
	e.log = e.log[:0]
	e.lastExtendAt = time.Time{}
	e.extended = false
	e.lastHeat = ""
	e.streak = e.cfg.StreakMin
	e.grantedByHeat = map[State]int{}
}

// Record appends one activity and prunes the log to the medium window. An
// idle gap longer than the recent window breaks the extension streak.
func (e *Engine) Record(kind ActivityKind, at time.Time) {
	if last, ok := e.lastActivity(); ok && at.Sub(last) > e.cfg.RecentWindow {
		e.streak = e.cfg.StreakMin
		e.lastHeat = ""
	}
	e.log = append(e.log, Activity{Kind: kind, At: at})
	cutoff := at.Add(-e.cfg.MediumWindow)
	firstLive := 0
	for firstLive < len(e.log) && e.log[firstLive].At.Before(cutoff) {
		firstLive++
	}
	if firstLive > 0 {
		e.log = append(e.log[:0], e.log[firstLive:]...)
	}
}

func (e *Engine) score(now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	total := 0.0
	for _, activity := range e.log {
		if activity.At.Before(cutoff) || activity.At.After(now) {
			continue
		}
		total += e.cfg.Weights[activity.Kind]
	}
	return total
}

func (t Thresholds) satisfied(recent, short, medium float64) bool {
	return recent >= t.Recent && short >= t.Short && medium >= t.Medium
}

// Classify derives the current heat state from the activity log.
func (e *Engine) Classify(now time.Time) State {
	recent := e.score(now, e.cfg.RecentWindow)
	short := e.score(now, e.cfg.ShortWindow)
	medium := e.score(now, e.cfg.MediumWindow)

	switch {
	case e.cfg.HotThresholds.satisfied(recent, short, medium):
		return Hot
	case e.cfg.WarmThresholds.satisfied(recent, short, medium):
		return Warm
	case e.cfg.CoolThresholds.satisfied(recent, short, medium):
		return Cool
	default:
		return Cold
	}
}

func (e *Engine) lastActivity() (time.Time, bool) {
	if len(e.log) == 0 {
		return time.Time{}, false
	}
	return e.log[len(e.log)-1].At, true
}
