// Package activity scores staleness, velocity, and portfolio health. All
// values are computed lazily from timestamps at query time; there are no
// background timers and no learned models.
package activity

import (
	"sort"
	"time"

	"tasktree/internal/task"
)

// Trend classifies a velocity against the configured epsilon.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendSteady Trend = "steady"
)

// Source is the slice of the task store the engine reads.
type Source interface {
	SubtreeLeaves(rootID string) ([]task.Task, error)
}

// SampleSource yields completion timestamps recorded in the audit log for a
// master's subtree. The audit trail, not current row state, is the record of
// when completions happened.
type SampleSource interface {
	CompletionSamples(masterID string, from, to time.Time) ([]time.Time, error)
}

// Options configures the engine. Zero values fall back to defaults:
// warn after 3 days, stale after 7, epsilon 0.5 %/day, health bonus 10.
type Options struct {
	WarnAfter   time.Duration
	StaleAfter  time.Duration
	Epsilon     float64 // percentage points per day
	HealthBonus float64
	Now         func() time.Time
}

func (o *Options) fillDefaults() {
	if o.WarnAfter <= 0 {
		o.WarnAfter = 72 * time.Hour
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 168 * time.Hour
	}
	if o.Epsilon <= 0 {
		o.Epsilon = 0.5
	}
	if o.HealthBonus <= 0 {
		o.HealthBonus = 10
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Engine evaluates activity state, velocity, and health.
type Engine struct {
	src     Source
	samples SampleSource
	opts    Options
}

// New creates an Engine over a task source and an audit-log sample source.
func New(src Source, samples SampleSource, opts Options) *Engine {
	opts.fillDefaults()
	return &Engine{src: src, samples: samples, opts: opts}
}

// State classifies a task by time since last recorded work.
func (e *Engine) State(t task.Task) task.ActivityState {
	if t.LastWorkedAt == nil {
		return task.ActivityNotStarted
	}
	idle := e.opts.Now().Sub(*t.LastWorkedAt)
	switch {
	case idle < e.opts.WarnAfter:
		return task.ActivityActive
	case idle < e.opts.StaleAfter:
		return task.ActivityWarning
	default:
		return task.ActivityStale
	}
}

// VelocityResult is the completion-rate over a window.
type VelocityResult struct {
	PerDay  float64 `json:"perDay"` // percentage points per day
	Trend   Trend   `json:"trend"`
	Samples int     `json:"samples"`
}

// Velocity measures the change in completion percentage over the window.
// Completion-over-time is reconstructed from the audit log's completed-status
// transitions; the percentage rewind uses leaf creation and completion
// timestamps. It requires at least two completion samples inside the window;
// with fewer it returns ok=false, which callers must treat as insufficient
// data, never as zero.
func (e *Engine) Velocity(masterID string, window time.Duration) (VelocityResult, bool, error) {
	if window <= 0 {
		return VelocityResult{}, false, task.ValidationFailure("velocity window must be positive", nil)
	}
	leaves, err := e.src.SubtreeLeaves(masterID)
	if err != nil {
		return VelocityResult{}, false, err
	}

	now := e.opts.Now().UTC()
	t0 := now.Add(-window)

	samples, err := e.samples.CompletionSamples(masterID, t0, now)
	if err != nil {
		return VelocityResult{}, false, err
	}
	if len(samples) < 2 {
		return VelocityResult{Samples: len(samples)}, false, nil
	}

	pctNow := percentageAt(leaves, now)
	pctThen := percentageAt(leaves, t0)
	days := window.Hours() / 24
	perDay := (pctNow - pctThen) / days

	trend := TrendSteady
	switch {
	case perDay > e.opts.Epsilon:
		trend = TrendUp
	case perDay < -e.opts.Epsilon:
		trend = TrendDown
	}
	return VelocityResult{PerDay: perDay, Trend: trend, Samples: len(samples)}, true, nil
}

// percentageAt rewinds the roll-up to instant ts: the denominator only
// includes leaves that existed then, the numerator only completions that had
// already happened.
func percentageAt(leaves []task.Task, ts time.Time) float64 {
	total, completed := 0, 0
	for _, l := range leaves {
		if l.CreatedAt.After(ts) {
			continue
		}
		total++
		if l.CompletedAt != nil && !l.CompletedAt.After(ts) {
			completed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// PortfolioItem pairs a master task with its current roll-up.
type PortfolioItem struct {
	Master     task.Task
	Completion task.Completion
}

// HealthScore reduces a portfolio to a single 0-100 number:
// 100 - 40*staleFraction - 20*blockedFraction + bonus*activeFraction,
// clamped. Stale and active fractions are over masters; the blocked fraction
// is over all leaf-countable tasks in the portfolio.
func (e *Engine) HealthScore(items []PortfolioItem) float64 {
	if len(items) == 0 {
		return 100
	}

	stale, active := 0, 0
	blockedLeaves, totalLeaves := 0, 0
	for _, it := range items {
		switch e.State(it.Master) {
		case task.ActivityStale:
			stale++
		case task.ActivityActive:
			active++
		}
		blockedLeaves += it.Completion.Blocked
		totalLeaves += it.Completion.Total
	}

	n := float64(len(items))
	staleFrac := float64(stale) / n
	activeFrac := float64(active) / n
	blockedFrac := 0.0
	if totalLeaves > 0 {
		blockedFrac = float64(blockedLeaves) / float64(totalLeaves)
	}

	score := 100 - 40*staleFrac - 20*blockedFrac + e.opts.HealthBonus*activeFrac
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// RecommendedNext picks the master most in need of attention: stale first,
// then highest priority, then longest idle, ties broken by lowest id for
// determinism. Archived and terminal masters are never recommended. Returns
// nil for an empty portfolio.
func (e *Engine) RecommendedNext(items []PortfolioItem) *task.Task {
	candidates := make([]task.Task, 0, len(items))
	for _, it := range items {
		m := it.Master
		if m.IsArchived || m.Status.IsTerminal() {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return nil
	}

	now := e.opts.Now().UTC()
	idle := func(t task.Task) time.Duration {
		if t.LastWorkedAt == nil {
			return now.Sub(t.CreatedAt)
		}
		return now.Sub(*t.LastWorkedAt)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aStale := e.State(a) == task.ActivityStale
		bStale := e.State(b) == task.ActivityStale
		if aStale != bStale {
			return aStale
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if idle(a) != idle(b) {
			return idle(a) > idle(b)
		}
		return a.ID < b.ID
	})
	return &candidates[0]
}
