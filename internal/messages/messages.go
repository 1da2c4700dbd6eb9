// Package messages implements the scheduler's message ingress surface
// — a NATS push path for externally-originated task messages, and
// poll-derived messages synthesized internally from job status —
// merged into one ordered, authenticated stream.
//
// Unlike a fire-and-forget publish/subscribe pair, every message is
// HMAC-authenticated and ordered before the scheduler loop drains it.
package messages

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/cyclesched/internal/errs"
)

// Severity mirrors job-message severities; CRITICAL is a synonym for
// failed used by some external reporters.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeverityCustom   Severity = "CUSTOM"
)

// NormalizeSeverity returns s unchanged, CRITICAL included; mapping a
// CRITICAL message onto the "failed" output is left to the caller (the
// scheduler's message drain does it).
func NormalizeSeverity(s Severity) Severity {
	if s == SeverityCritical {
		return SeverityCritical
	}
	return s
}

// Message is one ingress record, carrying enough to order it precisely
// against every other message the scheduler has ever seen.
type Message struct {
	Task       string
	CycleKey   string
	SubmitNum  int
	Severity   Severity
	Text       string
	Output     string // set when this message marks an output complete
	Source     string // "nats" or "poll"
	ClientTime time.Time
	ServerSeq  int64
}

// Queue collects messages from both ingress paths and serves them back
// to the scheduler loop in a strict order: primarily by ClientTime,
// tie-broken by ServerSeq (the order the scheduler observed them), so
// ordering holds even when NATS redelivers out of submission order.
type Queue struct {
	mu      sync.Mutex
	pending []Message
	nextSeq int64

	secret []byte // shared secret for NATS message HMAC auth; failures surface as MessageAuthError
}

func NewQueue(secret []byte) *Queue {
	return &Queue{secret: secret}
}

// wireEnvelope is the JSON shape published to NATS: payload plus an
// HMAC-SHA256 of the payload under the shared secret.
type wireEnvelope struct {
	Payload Message `json:"payload"`
	MAC     string  `json:"mac"`
}

func (q *Queue) sign(payload Message) (wireEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return wireEnvelope{}, err
	}
	mac := hmac.New(sha256.New, q.secret)
	mac.Write(raw)
	return wireEnvelope{Payload: payload, MAC: fmt.Sprintf("%x", mac.Sum(nil))}, nil
}

func (q *Queue) verify(env wireEnvelope) error {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return errs.Wrap(errs.KindMessageAuth, "re-marshal for verification failed", err)
	}
	mac := hmac.New(sha256.New, q.secret)
	mac.Write(raw)
	expected := fmt.Sprintf("%x", mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(env.MAC)) {
		return errs.New(errs.KindMessageAuth, "message authentication code mismatch")
	}
	return nil
}

// PublishNATS signs and publishes msg over NATS, injecting the current
// trace context into message headers the way the rest of the fleet
// does for cross-service spans.
func PublishNATS(ctx context.Context, nc *nats.Conn, subject string, q *Queue, msg Message) error {
	env, err := q.sign(msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// SubscribeNATS wires the queue to subject, verifying every inbound
// message's HMAC before admitting it and extracting the caller's trace
// context for a consumer span, mirroring natsctx.Subscribe's pattern.
func SubscribeNATS(nc *nats.Conn, subject string, q *Queue, onAuthError func(error)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagation.TraceContext{}.Extract(context.Background(), carrier)
		tr := otel.Tracer("cyclesched")
		_, span := tr.Start(ctx, "messages.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var env wireEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			if onAuthError != nil {
				onAuthError(errs.Wrap(errs.KindMessageAuth, "malformed message envelope", err))
			}
			return
		}
		if err := q.verify(env); err != nil {
			if onAuthError != nil {
				onAuthError(err)
			}
			return
		}
		env.Payload.Source = "nats"
		q.Push(env.Payload)
	})
}

// Push admits a message into the queue, stamping it with the next
// server-side sequence number. Used directly for poll-derived messages
// (no NATS round-trip, no auth needed — they originate inside this
// process) and, after verification, for NATS-delivered ones.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextSeq++
	msg.ServerSeq = q.nextSeq
	q.pending = append(q.pending, msg)
}

// PushPollDerived synthesizes a message from a poll-observed status
// change, stamping Source="poll" and the current time as ClientTime
// since the job platform itself has no client clock to report.
func (q *Queue) PushPollDerived(task, cycleKey string, submitNum int, output string, severity Severity) {
	q.Push(Message{
		Task: task, CycleKey: cycleKey, SubmitNum: submitNum,
		Output: output, Severity: severity, Source: "poll", ClientTime: time.Now(),
	})
}

// Drain returns every pending message in (ClientTime, ServerSeq) order
// and clears the queue, for the scheduler's per-iteration ingress
// drain phase.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ClientTime.Equal(out[j].ClientTime) {
			return out[i].ClientTime.Before(out[j].ClientTime)
		}
		return out[i].ServerSeq < out[j].ServerSeq
	})
	return out
}

// Len reports how many messages are currently pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
