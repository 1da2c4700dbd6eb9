// Package broadcast implements runtime overlay settings applied to
// tasks at submit time, keyed by (cycle-point-selector, namespace,
// key) with specificity-ordered merge.
//
// Entries are independently settable and cancelable, rather than one
// opaque blob per workflow, and are merged by selector specificity at
// submit time.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/swarmguard/cyclesched/internal/cyclepoint"
	"github.com/swarmguard/cyclesched/internal/store"
)

// Selector identifies which task instances a setting applies to.
// A nil Cycle means "every cycle point"; an empty Namespace means "every
// task".
type Selector struct {
	Cycle     *cyclepoint.Point // nil = all cycles
	Namespace string            // "" = all namespaces (the root family)
}

// specificity ranks selectors for merge order: more specific settings
// win on conflicting keys. (cycle ∧ namespace) > cycle-only >
// namespace-only > global.
func (s Selector) specificity() int {
	score := 0
	if s.Cycle != nil {
		score += 2
	}
	if s.Namespace != "" {
		score += 1
	}
	return score
}

// equal compares selectors by value since Cycle is a pointer.
func (s Selector) equal(other Selector) bool {
	if s.Namespace != other.Namespace {
		return false
	}
	if (s.Cycle == nil) != (other.Cycle == nil) {
		return false
	}
	if s.Cycle != nil && !cyclepoint.Equal(*s.Cycle, *other.Cycle) {
		return false
	}
	return true
}

func (s Selector) matches(task string, cycle cyclepoint.Point) bool {
	if s.Cycle != nil && !cyclepoint.Equal(*s.Cycle, cycle) {
		return false
	}
	if s.Namespace != "" && s.Namespace != task {
		return false
	}
	return true
}

// Entry is one broadcast setting: a key/value pair scoped by Selector.
// Sequence is assigned on Set and used as the final tiebreaker between
// settings of equal specificity (later wins).
type Entry struct {
	ID       string
	Selector Selector
	Key      string
	Value    string
	Sequence int64
}

// Overlay holds the live set of broadcast entries and persists every
// mutation to the store's broadcast_states/broadcast_events buckets.
type Overlay struct {
	mu      sync.RWMutex
	st      *store.Store
	entries map[string]Entry
	seq     int64
}

func New(st *store.Store) *Overlay {
	return &Overlay{st: st, entries: make(map[string]Entry)}
}

// Restore repopulates the overlay from the store's broadcast_states
// bucket at startup.
func (o *Overlay) Restore() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.ForEach(store.BucketBroadcastStates(), func(key string, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return nil
		}
		o.entries[e.ID] = e
		if e.Sequence > o.seq {
			o.seq = e.Sequence
		}
		return nil
	})
}

// Set installs or replaces a broadcast entry and returns its ID, which
// Cancel later uses to remove exactly that entry.
func (o *Overlay) Set(ctx context.Context, sel Selector, key, value string) (string, error) {
	o.mu.Lock()
	o.seq++
	id := fmt.Sprintf("bc-%d", o.seq)
	entry := Entry{ID: id, Selector: sel, Key: key, Value: value, Sequence: o.seq}
	o.entries[id] = entry
	o.mu.Unlock()

	if err := o.st.PutJSON(store.BucketBroadcastStates(), id, entry); err != nil {
		return "", err
	}
	if _, err := o.st.AppendEvents(ctx, store.EventBroadcastChange, struct {
		Op    string
		Entry Entry
	}{"set", entry}); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel removes the broadcast entry with the given ID.
func (o *Overlay) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	entry, ok := o.entries[id]
	delete(o.entries, id)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("broadcast: unknown entry %q", id)
	}
	if err := o.st.DeleteKey(store.BucketBroadcastStates(), id); err != nil {
		return err
	}
	_, err := o.st.AppendEvents(ctx, store.EventBroadcastChange, struct {
		Op    string
		Entry Entry
	}{"cancel", entry})
	return err
}

// Clear removes every entry matching sel exactly (selector equality,
// not specificity — the "broadcast --clear" semantics).
func (o *Overlay) Clear(ctx context.Context, sel Selector) error {
	o.mu.Lock()
	var toDelete []string
	for id, e := range o.entries {
		if e.Selector.equal(sel) {
			toDelete = append(toDelete, id)
			delete(o.entries, id)
		}
	}
	o.mu.Unlock()
	for _, id := range toDelete {
		if err := o.st.DeleteKey(store.BucketBroadcastStates(), id); err != nil {
			return err
		}
	}
	if len(toDelete) > 0 {
		_, err := o.st.AppendEvents(ctx, store.EventBroadcastChange, struct {
			Op       string
			Selector Selector
		}{"clear", sel})
		return err
	}
	return nil
}

// Resolve computes the effective runtime overlay for (task, cycle) by
// merging every matching entry in ascending specificity order so the
// most specific setting wins on key conflicts, with Sequence breaking
// ties between equally specific entries.
func (o *Overlay) Resolve(task string, cycle cyclepoint.Point) map[string]string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	matches := make([]Entry, 0)
	for _, e := range o.entries {
		if e.Selector.matches(task, cycle) {
			matches = append(matches, e)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		si, sj := matches[i].Selector.specificity(), matches[j].Selector.specificity()
		if si != sj {
			return si < sj
		}
		return matches[i].Sequence < matches[j].Sequence
	})

	out := make(map[string]string)
	for _, e := range matches {
		out[e.Key] = e.Value
	}
	return out
}

// Snapshot returns every currently active entry, for `cyclesched show`
// style introspection over the query surface.
func (o *Overlay) Snapshot() []Entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
