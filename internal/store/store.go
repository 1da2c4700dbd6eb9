// Package store implements an append-only event log plus snapshot
// tables in a crash-safe embedded database: task_pool, task_states,
// task_jobs, task_outputs, task_prerequisites, broadcast_states,
// broadcast_events, workflow_params, tasks_to_hold, xtriggers, and
// workflow_flows, plus an event_log bucket keyed by monotonically
// increasing sequence number.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketEventLog          = []byte("event_log")
	bucketTaskPool           = []byte("task_pool")
	bucketTaskStates         = []byte("task_states")
	bucketTaskJobs           = []byte("task_jobs")
	bucketTaskOutputs        = []byte("task_outputs")
	bucketTaskPrerequisites  = []byte("task_prerequisites")
	bucketBroadcastStates    = []byte("broadcast_states")
	bucketBroadcastEvents    = []byte("broadcast_events")
	bucketWorkflowParams     = []byte("workflow_params")
	bucketTasksToHold        = []byte("tasks_to_hold")
	bucketXtriggers          = []byte("xtriggers")
	bucketWorkflowFlows      = []byte("workflow_flows")

	allBuckets = [][]byte{
		bucketEventLog, bucketTaskPool, bucketTaskStates, bucketTaskJobs,
		bucketTaskOutputs, bucketTaskPrerequisites, bucketBroadcastStates,
		bucketBroadcastEvents, bucketWorkflowParams, bucketTasksToHold,
		bucketXtriggers, bucketWorkflowFlows,
	}
)

// EventKind enumerates the append-only log's record kinds.
type EventKind string

const (
	EventStateTransition  EventKind = "state_transition"
	EventOutputCompleted  EventKind = "output_completed"
	EventBroadcastChange  EventKind = "broadcast_change"
	EventCommand          EventKind = "command"
	EventRetryScheduled   EventKind = "retry_scheduled"
	EventCalendarWarning  EventKind = "calendar_warning"
)

// Event is one append-only log record.
type Event struct {
	SequenceNo int64           `json:"sequence_no"`
	Monotonic  int64           `json:"monotonic_ns"`
	Kind       EventKind       `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
}

// Store is the durable backing for the scheduler's snapshot tables and
// event log. It is only ever touched by the scheduler loop goroutine;
// readers elsewhere work off the in-memory pool that is kept in
// lock-step with these tables.
type Store struct {
	db *bbolt.DB

	mu       sync.Mutex
	nextSeq  int64
	startMono time.Time

	writeLatency metric.Float64Histogram
	readLatency  metric.Float64Histogram
	eventsWritten metric.Int64Counter
}

// Open opens (creating if absent) the bbolt-backed store at path and
// ensures every bucket exists.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	writeLatency, _ := meter.Float64Histogram("cyclesched_store_write_ms")
	readLatency, _ := meter.Float64Histogram("cyclesched_store_read_ms")
	eventsWritten, _ := meter.Int64Counter("cyclesched_store_events_written_total")

	s := &Store{db: db, startMono: time.Now(), writeLatency: writeLatency, readLatency: readLatency, eventsWritten: eventsWritten}
	if err := s.restoreSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) restoreSequence() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		k, _ := c.Last()
		if k == nil {
			s.nextSeq = 1
			return nil
		}
		s.nextSeq = int64(binary.BigEndian.Uint64(k)) + 1
		return nil
	})
}

// AppendEvents writes a batch of events in one transaction and assigns
// them contiguous sequence numbers. Each call commits (and fsyncs) one
// transaction; SetParam and PutJSON commit their own as well. The caller should only acknowledge a client-visible transition after
// AppendEvents returns nil.
func (s *Store) AppendEvents(ctx context.Context, kind EventKind, payloads ...any) ([]Event, error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]Event, len(payloads))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEventLog)
		for i, p := range payloads {
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			ev := Event{
				SequenceNo: s.nextSeq,
				Monotonic:  time.Since(s.startMono).Nanoseconds(),
				Kind:       kind,
				Payload:    raw,
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(ev.SequenceNo))
			if err := b.Put(key, data); err != nil {
				return err
			}
			events[i] = ev
			s.nextSeq++
		}
		return nil
	})
	if s.writeLatency != nil {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "append_events")))
	}
	if err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}
	if s.eventsWritten != nil {
		s.eventsWritten.Add(ctx, int64(len(events)))
	}
	return events, nil
}

// EventsSince returns all events with sequence number > afterSeq, in
// order, for restart replay beyond the snapshot's high-water mark.
func (s *Store) EventsSince(afterSeq int64) ([]Event, error) {
	var out []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEventLog).Cursor()
		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, uint64(afterSeq+1))
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Param reads a single-row workflow_params value.
func (s *Store) Param(key string) (string, bool, error) {
	var val string
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketWorkflowParams).Get([]byte(key))
		if v != nil {
			val, found = string(v), true
		}
		return nil
	})
	return val, found, err
}

// SetParam writes a single-row workflow_params value.
func (s *Store) SetParam(key, value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflowParams).Put([]byte(key), []byte(value))
	})
}

// PutJSON marshals v as JSON and stores it under key in the named
// bucket — the common path for every snapshot table below.
func (s *Store) PutJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// GetJSON reads and unmarshals the JSON value stored under key.
func (s *Store) GetJSON(bucket []byte, key string, v any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

// DeleteKey removes key from the named bucket.
func (s *Store) DeleteKey(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in the named bucket.
func (s *Store) ForEach(bucket []byte, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Bucket name accessors, exported so internal/pool and internal/jobs
// can address the right table without re-declaring byte slices.
func BucketTaskPool() []byte          { return bucketTaskPool }
func BucketTaskStates() []byte        { return bucketTaskStates }
func BucketTaskJobs() []byte          { return bucketTaskJobs }
func BucketTaskOutputs() []byte       { return bucketTaskOutputs }
func BucketTaskPrerequisites() []byte { return bucketTaskPrerequisites }
func BucketBroadcastStates() []byte   { return bucketBroadcastStates }
func BucketBroadcastEvents() []byte   { return bucketBroadcastEvents }
func BucketTasksToHold() []byte       { return bucketTasksToHold }
func BucketXtriggers() []byte         { return bucketXtriggers }
func BucketWorkflowFlows() []byte     { return bucketWorkflowFlows }

// Checkpoint forces bbolt to fsync its data file, for callers that want
// a known durability point outside the normal write path (e.g. a
// periodic maintenance job) without waiting for the next natural write.
func (s *Store) Checkpoint() error {
	return s.db.Sync()
}

// HighestSequence returns the sequence number of the most recently
// appended event, or 0 if the log is empty — used on restart to decide
// where snapshot-vs-log replay should resume.
func (s *Store) HighestSequence() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}
