// Package ratelimit learns a safe request cadence for a rate-limited
// external endpoint whose actual limit is unknown.
//
// Every request timestamp is recorded in a bounded in-memory ledger.
// Periodic snapshots of the 1/5/10-minute request rates are taken on
// success, and on every rejection. When a rejection arrives, the
// rejection-time rate is compared against the historical success-time
// rates and the learned per-minute ceiling is re-derived. The ceiling
// persists across process restarts; cooldown state does not.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Analysis windows.
const (
	window1Min  = time.Minute
	window5Min  = 5 * time.Minute
	window10Min = 10 * time.Minute
)

// Learned-limit tuning. These are heuristics inherited from operating
// against the provider, not correctness-critical constants.
const (
	successTargetFactor = 0.8 // target = this fraction of the average success-time rate
	blendOldWeight      = 0.3
	blendTargetWeight   = 0.7
	rejectionOnlyFactor = 0.7 // fallback when too few success samples exist
	throttleThreshold   = 0.9 // proactive throttle trips at this fraction of the limit
)

// Snapshot records observed request rates at one point in time.
type Snapshot struct {
	Timestamp  int64   `json:"timestamp"`
	Rate1Min   float64 `json:"rate_1min"`
	Rate5Min   float64 `json:"rate_5min_avg"`
	Rate10Min  float64 `json:"rate_10min_avg"`
	Label      string  `json:"type"` // "success" or "failure_429"
}

// Rates is the current view over the three analysis windows.
type Rates struct {
	Rate1Min  float64
	Rate5Min  float64
	Rate10Min float64
}

// Rejection summarizes one 429 analysis, for logging.
type Rejection struct {
	Rates          Rates
	OldLimit       float64
	NewLimit       float64
	SuccessSamples int
}

// Config configures a Learner.
type Config struct {
	// Path of the persisted history file. Default: rate_limit_history.json
	// in the working directory.
	Path string

	// DefaultLimit is the per-minute ceiling before anything is learned.
	// Default: 30 (deliberately conservative).
	DefaultLimit float64

	// MinLimit is the floor the learner never goes below. Default: 5.
	MinLimit float64

	// SnapshotEvery takes a success snapshot every Nth successful call.
	// Default: 10.
	SnapshotEvery int

	// MaxRequestTimes bounds the in-memory request ledger. Default: 1000.
	MaxRequestTimes int

	// CooldownSteps is the escalating wait ladder applied on consecutive
	// rejections; the last step repeats. Default: 10s, 30s, 1m, 2m, 3m.
	CooldownSteps []time.Duration

	// Retention prunes snapshots older than this on load. Default: 24h.
	Retention time.Duration

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "rate_limit_history.json"
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 30
	}
	if c.MinLimit <= 0 {
		c.MinLimit = 5
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 10
	}
	if c.MaxRequestTimes <= 0 {
		c.MaxRequestTimes = 1000
	}
	if len(c.CooldownSteps) == 0 {
		c.CooldownSteps = []time.Duration{
			10 * time.Second, 30 * time.Second, time.Minute,
			2 * time.Minute, 3 * time.Minute,
		}
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// persisted is the on-disk history record.
type persisted struct {
	SuccessSnapshots []Snapshot `json:"success_snapshots"`
	FailureSnapshots []Snapshot `json:"failure_snapshots"`
	LearnedLimit     float64    `json:"learned_rate_limit"`
	LastUpdated      string     `json:"last_updated,omitempty"`
}

// Learner tracks request history and adapts the per-minute ceiling.
// All methods are safe for concurrent use.
type Learner struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	requestTimes []time.Time // bounded ring, oldest first
	successCount int
	data         persisted

	// cooldown state, in-memory only
	cooldownUntil time.Time
	rejections    int // consecutive rejections since last confirmed success
}

// New creates a Learner and loads any persisted history from cfg.Path.
// Snapshots past the retention horizon are pruned during load.
func New(cfg Config) (*Learner, error) {
	cfg.defaults()
	l := &Learner{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
		data:   persisted{LearnedLimit: cfg.DefaultLimit},
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Learner) load() error {
	raw, err := os.ReadFile(l.cfg.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rate history: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		// A corrupt history file is not fatal: start over from defaults.
		l.logger.Warn("rate history unreadable, starting fresh", "path", l.cfg.Path, "error", err)
		return nil
	}
	cutoff := l.now().Add(-l.cfg.Retention).Unix()
	p.SuccessSnapshots = pruneBefore(p.SuccessSnapshots, cutoff)
	p.FailureSnapshots = pruneBefore(p.FailureSnapshots, cutoff)
	if p.LearnedLimit < l.cfg.MinLimit {
		p.LearnedLimit = l.cfg.DefaultLimit
	}
	l.data = p
	return nil
}

func pruneBefore(s []Snapshot, cutoff int64) []Snapshot {
	out := s[:0]
	for _, snap := range s {
		if snap.Timestamp > cutoff {
			out = append(out, snap)
		}
	}
	return out
}

// save writes the history atomically (temp file + rename) so a crash
// mid-write never corrupts the record. Last writer wins; updates are
// infrequent relative to call latency.
func (l *Learner) save() {
	raw, err := json.MarshalIndent(l.data, "", "  ")
	if err != nil {
		l.logger.Error("rate history marshal failed", "error", err)
		return
	}
	dir := filepath.Dir(l.cfg.Path)
	tmp, err := os.CreateTemp(dir, ".rate_history_*")
	if err != nil {
		l.logger.Error("rate history save failed", "error", err)
		return
	}
	name := tmp.Name()
	_, werr := tmp.Write(raw)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		l.logger.Error("rate history save failed", "write_error", werr, "close_error", cerr)
		return
	}
	if err := os.Rename(name, l.cfg.Path); err != nil {
		os.Remove(name)
		l.logger.Error("rate history save failed", "error", err)
	}
}

// rates computes request counts over the analysis windows.
// Caller must hold l.mu.
func (l *Learner) rates() Rates {
	now := l.now()
	var c1, c5, c10 int
	for _, t := range l.requestTimes {
		age := now.Sub(t)
		if age <= window1Min {
			c1++
		}
		if age <= window5Min {
			c5++
		}
		if age <= window10Min {
			c10++
		}
	}
	return Rates{
		Rate1Min:  float64(c1),
		Rate5Min:  float64(c5) / 5,
		Rate10Min: float64(c10) / 10,
	}
}

// RecordRequest appends the current time to the request ledger.
func (l *Learner) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requestTimes = append(l.requestTimes, l.now())
	if len(l.requestTimes) > l.cfg.MaxRequestTimes {
		l.requestTimes = l.requestTimes[len(l.requestTimes)-l.cfg.MaxRequestTimes:]
	}
}

// RecordSuccess counts a successful call and, every Nth success,
// records a success snapshot and persists the history.
func (l *Learner) RecordSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCount++
	if l.successCount%l.cfg.SnapshotEvery != 0 {
		return
	}
	r := l.rates()
	l.data.SuccessSnapshots = append(l.data.SuccessSnapshots, Snapshot{
		Timestamp: l.now().Unix(),
		Rate1Min:  r.Rate1Min,
		Rate5Min:  r.Rate5Min,
		Rate10Min: r.Rate10Min,
		Label:     "success",
	})
	if len(l.data.SuccessSnapshots) > 100 {
		l.data.SuccessSnapshots = l.data.SuccessSnapshots[len(l.data.SuccessSnapshots)-100:]
	}
	l.save()
}

// RecordRejection records a failure snapshot for the current rates and
// re-derives the learned ceiling:
//
//   - with at least 3 success snapshots: target is 80% of their average
//     1-minute rate, blended as 0.3×old + 0.7×target;
//   - otherwise: 70% of the rejection-time 1-minute rate.
//
// Either way the result never drops below MinLimit. The updated limit
// is persisted immediately.
func (l *Learner) RecordRejection() Rejection {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.rates()
	l.data.FailureSnapshots = append(l.data.FailureSnapshots, Snapshot{
		Timestamp: l.now().Unix(),
		Rate1Min:  r.Rate1Min,
		Rate5Min:  r.Rate5Min,
		Rate10Min: r.Rate10Min,
		Label:     "failure_429",
	})
	if len(l.data.FailureSnapshots) > 50 {
		l.data.FailureSnapshots = l.data.FailureSnapshots[len(l.data.FailureSnapshots)-50:]
	}

	old := l.data.LearnedLimit
	samples := len(l.data.SuccessSnapshots)
	var next float64
	if samples >= 3 {
		var sum float64
		for _, s := range l.data.SuccessSnapshots {
			sum += s.Rate1Min
		}
		target := (sum / float64(samples)) * successTargetFactor
		target = math.Max(target, l.cfg.MinLimit)
		next = old*blendOldWeight + target*blendTargetWeight
	} else {
		next = math.Max(r.Rate1Min*rejectionOnlyFactor, l.cfg.MinLimit)
	}
	next = math.Round(next*10) / 10

	l.data.LearnedLimit = next
	l.data.LastUpdated = l.now().Format(time.RFC3339)
	l.save()

	return Rejection{
		Rates:          r,
		OldLimit:       old,
		NewLimit:       next,
		SuccessSamples: samples,
	}
}

// Limit returns the currently learned per-minute ceiling.
func (l *Learner) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.LearnedLimit
}

// ShouldThrottle reports whether the caller should proactively pause
// before the next request, and for how long. It trips once the observed
// 1-minute rate reaches 90% of the learned ceiling; the suggested wait
// is the per-request interval at that ceiling (60s / limit).
func (l *Learner) ShouldThrottle() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.data.LearnedLimit
	if limit <= 0 {
		return false, 0
	}
	if l.rates().Rate1Min >= limit*throttleThreshold {
		return true, time.Duration(float64(time.Minute) / limit)
	}
	return false, 0
}

// CheckCooldown returns the remaining duration of an active cooldown,
// or zero. Callers wait out exactly the remainder, never a fixed step,
// so time already elapsed since the rejection is not re-served.
func (l *Learner) CheckCooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := l.cooldownUntil.Sub(l.now())
	if remaining <= 0 {
		return 0
	}
	return remaining
}

// SetCooldown advances the escalating cooldown ladder after a rejection
// and returns the chosen wait plus the consecutive-rejection count.
// The ladder repeats its last step once exhausted. The expiry only ever
// moves forward while the cooldown is active.
func (l *Learner) SetCooldown() (time.Duration, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejections++
	step := l.rejections - 1
	if step >= len(l.cfg.CooldownSteps) {
		step = len(l.cfg.CooldownSteps) - 1
	}
	wait := l.cfg.CooldownSteps[step]
	until := l.now().Add(wait)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	return wait, l.rejections
}

// ConfirmSuccess clears any active cooldown and resets the
// consecutive-rejection counter. Called on the first confirmed success
// after a rate-limit episode (and harmlessly on every other success).
func (l *Learner) ConfirmSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cooldownUntil = time.Time{}
	l.rejections = 0
}

// Status returns the current rates, learned limit, and sample counts.
// Intended for structured status logging.
func (l *Learner) Status() (Rates, float64, int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rates(), l.data.LearnedLimit, len(l.data.SuccessSnapshots), len(l.data.FailureSnapshots)
}
