package batch

import (
	"fmt"
	"sync"
)

// Ledger is the run's outcome bookkeeping across all passes. Every submitted
// item ends in exactly one of the success or failure sets; an item leaves the
// failure set only by succeeding on a later pass. Identity is the item Key,
// never structural equality on values.
type Ledger struct {
	mu sync.Mutex

	order     []string
	items     map[string]Item
	succeeded map[string][]byte
	failed    map[string]error
	attempts  map[string]int
	passes    []PassStats
}

// PassStats summarizes one sweep of the worker pool.
type PassStats struct {
	Pass        int
	Attempted   int
	Succeeded   int
	Failed      int
	Concurrency int
}

func NewLedger(items []Item) *Ledger {
	l := &Ledger{
		items:     make(map[string]Item, len(items)),
		succeeded: make(map[string][]byte, len(items)),
		failed:    make(map[string]error, len(items)),
		attempts:  make(map[string]int, len(items)),
	}
	for _, it := range items {
		if _, dup := l.items[it.Key]; dup {
			// Duplicate keys would double-count; last submission wins,
			// the key is tallied once.
			continue
		}
		l.items[it.Key] = it
		l.order = append(l.order, it.Key)
	}
	return l
}

// record folds one item's pass outcome into the ledger.
func (l *Ledger) record(key string, artifact []byte, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, known := l.items[key]; !known {
		// An outcome for an item we never submitted is a programming error
		// upstream; dropping it silently would hide that.
		panic(fmt.Sprintf("batch: outcome recorded for unknown item %q", key))
	}

	l.attempts[key]++
	if err == nil {
		l.succeeded[key] = artifact
		delete(l.failed, key)
		return
	}
	if _, done := l.succeeded[key]; done {
		// Succeeded on an earlier pass; a stray late failure must not demote it.
		return
	}
	l.failed[key] = err
}

func (l *Ledger) closePass(stats PassStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.passes = append(l.passes, stats)
}

// Succeeded returns the artifact per successful item key.
func (l *Ledger) Succeeded() map[string][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]byte, len(l.succeeded))
	for k, v := range l.succeeded {
		out[k] = v
	}
	return out
}

// FailedKeys returns the still-failing item keys in submission order.
func (l *Ledger) FailedKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, k := range l.order {
		if _, ok := l.failed[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// FailedItems returns the still-failing items in submission order.
func (l *Ledger) FailedItems() []Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Item
	for _, k := range l.order {
		if _, ok := l.failed[k]; ok {
			out = append(out, l.items[k])
		}
	}
	return out
}

// FailureFor returns the recorded terminal error for one item key.
func (l *Ledger) FailureFor(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed[key]
}

// Attempts returns how many passes attempted one item.
func (l *Ledger) Attempts(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts[key]
}

// Passes returns per-pass statistics in execution order.
func (l *Ledger) Passes() []PassStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]PassStats, len(l.passes))
	copy(out, l.passes)
	return out
}

// Counts returns (total submitted, succeeded, failed).
func (l *Ledger) Counts() (total, succeeded, failed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order), len(l.succeeded), len(l.failed)
}
