package ratelimit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestLearner(t *testing.T) *Learner {
	t.Helper()
	l, err := New(Config{Path: filepath.Join(t.TempDir(), "history.json")})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestCooldownLadder(t *testing.T) {
	l := newTestLearner(t)

	want := []time.Duration{
		10 * time.Second, 30 * time.Second, time.Minute,
		2 * time.Minute, 3 * time.Minute,
	}
	for i, w := range want {
		wait, count := l.SetCooldown()
		if wait != w {
			t.Errorf("rejection %d: wait = %v, want %v", i+1, wait, w)
		}
		if count != i+1 {
			t.Errorf("rejection %d: count = %d, want %d", i+1, count, i+1)
		}
	}

	// A sixth consecutive rejection repeats the last step.
	wait, _ := l.SetCooldown()
	if wait != 3*time.Minute {
		t.Errorf("6th rejection: wait = %v, want %v", wait, 3*time.Minute)
	}
}

func TestCooldownResetsOnSuccess(t *testing.T) {
	l := newTestLearner(t)

	for i := 0; i < 3; i++ {
		l.SetCooldown()
	}
	l.ConfirmSuccess()

	if rem := l.CheckCooldown(); rem != 0 {
		t.Errorf("remaining after success = %v, want 0", rem)
	}
	wait, count := l.SetCooldown()
	if wait != 10*time.Second || count != 1 {
		t.Errorf("after reset: wait=%v count=%d, want 10s 1", wait, count)
	}
}

func TestCheckCooldownReturnsRemainder(t *testing.T) {
	l := newTestLearner(t)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.SetCooldown() // 10s

	// 4 seconds later, only the remainder is due.
	l.now = func() time.Time { return base.Add(4 * time.Second) }
	if rem := l.CheckCooldown(); rem != 6*time.Second {
		t.Errorf("remaining = %v, want 6s", rem)
	}

	// Past expiry.
	l.now = func() time.Time { return base.Add(11 * time.Second) }
	if rem := l.CheckCooldown(); rem != 0 {
		t.Errorf("remaining past expiry = %v, want 0", rem)
	}
}

func TestRejectionWithoutSuccessHistory(t *testing.T) {
	l := newTestLearner(t)

	// 20 requests inside the last minute, then a rejection.
	for i := 0; i < 20; i++ {
		l.RecordRequest()
	}
	rej := l.RecordRejection()

	if rej.Rates.Rate1Min != 20 {
		t.Fatalf("1-min rate = %v, want 20", rej.Rates.Rate1Min)
	}
	if rej.NewLimit != 14 {
		t.Errorf("learned limit = %v, want 14 (20 × 0.7)", rej.NewLimit)
	}
	if l.Limit() != 14 {
		t.Errorf("Limit() = %v, want 14", l.Limit())
	}
}

func TestRejectionBlendsWithSuccessBaseline(t *testing.T) {
	l := newTestLearner(t)

	// Seed three success snapshots averaging 20 req/min.
	for _, r := range []float64{18, 20, 22} {
		l.data.SuccessSnapshots = append(l.data.SuccessSnapshots, Snapshot{
			Timestamp: time.Now().Unix(),
			Rate1Min:  r,
			Label:     "success",
		})
	}

	rej := l.RecordRejection()
	// target = 20 × 0.8 = 16; blended = 30 × 0.3 + 16 × 0.7 = 20.2
	if rej.NewLimit != 20.2 {
		t.Errorf("learned limit = %v, want 20.2", rej.NewLimit)
	}
	if rej.SuccessSamples != 3 {
		t.Errorf("success samples = %d, want 3", rej.SuccessSamples)
	}
}

func TestLimitNeverBelowFloor(t *testing.T) {
	l := newTestLearner(t)

	// Rejection with almost no observed traffic.
	l.RecordRequest()
	rej := l.RecordRejection()
	if rej.NewLimit < 5 {
		t.Errorf("learned limit = %v, below floor 5", rej.NewLimit)
	}
}

func TestShouldThrottle(t *testing.T) {
	l := newTestLearner(t)
	l.data.LearnedLimit = 10

	for i := 0; i < 8; i++ {
		l.RecordRequest()
	}
	if ok, _ := l.ShouldThrottle(); ok {
		t.Error("throttled below 90% of limit")
	}

	l.RecordRequest() // 9 = 90% of 10
	ok, wait := l.ShouldThrottle()
	if !ok {
		t.Fatal("expected throttle at 90% of limit")
	}
	if wait != 6*time.Second {
		t.Errorf("suggested wait = %v, want 6s (60/10)", wait)
	}
}

func TestSuccessSnapshotInterval(t *testing.T) {
	l := newTestLearner(t)

	for i := 0; i < 9; i++ {
		l.RecordSuccess()
	}
	if n := len(l.data.SuccessSnapshots); n != 0 {
		t.Fatalf("snapshots after 9 successes = %d, want 0", n)
	}
	l.RecordSuccess()
	if n := len(l.data.SuccessSnapshots); n != 1 {
		t.Fatalf("snapshots after 10 successes = %d, want 1", n)
	}
}

func TestPersistAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")

	l, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		l.RecordRequest()
	}
	l.RecordRejection() // learns 14, persists
	l.SetCooldown()

	reloaded, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Limit() != 14 {
		t.Errorf("reloaded limit = %v, want 14", reloaded.Limit())
	}
	// Cooldown state is deliberately not persisted.
	if rem := reloaded.CheckCooldown(); rem != 0 {
		t.Errorf("reloaded cooldown = %v, want 0", rem)
	}
}

func TestLoadPrunesOldSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	old := time.Now().Add(-48 * time.Hour).Unix()
	recent := time.Now().Unix()

	raw, _ := json.Marshal(persisted{
		SuccessSnapshots: []Snapshot{
			{Timestamp: old, Rate1Min: 50, Label: "success"},
			{Timestamp: recent, Rate1Min: 12, Label: "success"},
		},
		LearnedLimit: 25,
	})
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(l.data.SuccessSnapshots); n != 1 {
		t.Fatalf("snapshots after prune = %d, want 1", n)
	}
	if l.data.SuccessSnapshots[0].Rate1Min != 12 {
		t.Error("pruned the wrong snapshot")
	}
	if l.Limit() != 25 {
		t.Errorf("limit = %v, want 25", l.Limit())
	}
}

func TestCorruptHistoryStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	os.WriteFile(path, []byte("{not json"), 0o644)

	l, err := New(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if l.Limit() != 30 {
		t.Errorf("limit = %v, want default 30", l.Limit())
	}
}
