// Package broadcast owns the fan-out primitive: a message is serialised
// exactly once and delivered to every live connection in a room, with
// per-recipient failures isolated from the rest of the pass.
package broadcast

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"zombiesurvivor/coordinator/internal/logging"
)

// Conn is the send side of the connection handle contract. Send must fail on a
// closed or broken link and must never block a broadcast pass indefinitely.
type Conn interface {
	Send(payload []byte) error
}

// Recipient pairs a player identifier with its connection for delivery.
type Recipient struct {
	UID  string
	Conn Conn
}

// Kind distinguishes the two broadcast categories. State broadcasts carry the
// full room snapshot and are rate-limited at their trigger sites; event
// broadcasts (chat, join/leave notices, game events) are always delivered.
type Kind string

const (
	// KindState marks a room snapshot broadcast.
	KindState Kind = "state"
	// KindEvent marks an unconditionally delivered event broadcast.
	KindEvent Kind = "event"
)

// Journal receives a copy of every broadcast payload for post-hoc diagnostics.
type Journal interface {
	RecordEvent(messageType string, payload []byte) error
	RecordFrame(payload []byte) error
}

// Broadcaster serialises once and fans out to every recipient. Delivery
// failures are inspected only to decide whether to log; they never abort the
// pass and never trigger player removal here.
type Broadcaster struct {
	log     *logging.Logger
	journal Journal

	passes atomic.Int64
	failed atomic.Int64
}

// Option configures optional Broadcaster behaviour at construction time.
type Option func(*Broadcaster)

// WithJournal attaches a broadcast journal recorder.
func WithJournal(journal Journal) Option {
	return func(b *Broadcaster) {
		if journal != nil {
			b.journal = journal
		}
	}
}

// New constructs a Broadcaster logging through the provided logger.
func New(logger *logging.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = logging.L()
	}
	b := &Broadcaster{log: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Deliver marshals message once and sends the encoded payload to every
// recipient concurrently, waiting for the pass to finish. The only error
// surfaced to the caller is a serialisation failure; broken recipients are
// logged and skipped.
func (b *Broadcaster) Deliver(kind Kind, messageType string, recipients []Recipient, message any) error {
	if b == nil {
		return fmt.Errorf("broadcaster is nil")
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s broadcast: %w", messageType, err)
	}
	b.record(kind, messageType, payload)
	b.passes.Add(1)
	if len(recipients) == 0 {
		return nil
	}

	type sendResult struct {
		uid string
		err error
	}
	results := make([]sendResult, len(recipients))
	var wg sync.WaitGroup
	for i, recipient := range recipients {
		if recipient.Conn == nil {
			continue
		}
		wg.Add(1)
		go func(i int, recipient Recipient) {
			defer wg.Done()
			results[i] = sendResult{uid: recipient.UID, err: recipient.Conn.Send(payload)}
		}(i, recipient)
	}
	wg.Wait()

	for _, result := range results {
		if result.err == nil {
			continue
		}
		b.failed.Add(1)
		b.log.Debug("broadcast delivery failed",
			logging.String("type", messageType),
			logging.String("uid", result.uid),
			logging.Error(result.err),
		)
	}
	return nil
}

func (b *Broadcaster) record(kind Kind, messageType string, payload []byte) {
	if b.journal == nil {
		return
	}
	var err error
	switch kind {
	case KindState:
		err = b.journal.RecordFrame(payload)
	default:
		err = b.journal.RecordEvent(messageType, payload)
	}
	if err != nil {
		b.log.Warn("journal record failed", logging.String("type", messageType), logging.Error(err))
	}
}

// Passes reports how many broadcast passes have completed.
func (b *Broadcaster) Passes() int64 {
	if b == nil {
		return 0
	}
	return b.passes.Load()
}

// FailedDeliveries reports how many individual sends have failed.
func (b *Broadcaster) FailedDeliveries() int64 {
	if b == nil {
		return 0
	}
	return b.failed.Load()
}
