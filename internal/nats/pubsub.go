package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/openjobspec/captcha-relay/internal/core"
)

// PubSubBroker implements core.EventPublisher using NATS core pub/sub.
// Events are fire-and-forget: a subscriber that isn't listening misses them
// and falls back to reading the job.
type PubSubBroker struct {
	nc   *nats.Conn
	mu   sync.Mutex
	subs []*nats.Subscription
}

var _ core.EventPublisher = (*PubSubBroker)(nil)

// NewPubSubBroker creates a new PubSubBroker using the given NATS connection.
func NewPubSubBroker(nc *nats.Conn) *PubSubBroker {
	return &PubSubBroker{nc: nc}
}

// PublishJobEvent publishes a terminal job event on the job's subject and on
// the global subject.
func (b *PubSubBroker) PublishJobEvent(event *core.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.nc.Publish(EventJobSubject(event.JobID), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	if err := b.nc.Publish(EventsAllSubject(), data); err != nil {
		slog.Error("failed to publish global event", "error", err, "job_id", event.JobID)
	}
	return nil
}

// SubscribeJob subscribes to the terminal event of one job.
func (b *PubSubBroker) SubscribeJob(jobID string) (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(EventJobSubject(jobID))
}

// SubscribeAll subscribes to every terminal event.
func (b *PubSubBroker) SubscribeAll() (<-chan *core.JobEvent, func(), error) {
	return b.subscribe(EventsAllSubject())
}

func (b *PubSubBroker) subscribe(subject string) (<-chan *core.JobEvent, func(), error) {
	ch := make(chan *core.JobEvent, 64)

	var once sync.Once
	var closed bool
	var chMu sync.Mutex

	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var event core.JobEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Error("failed to unmarshal event", "error", err, "subject", subject)
			return
		}
		chMu.Lock()
		defer chMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- &event:
		default:
			slog.Warn("dropping event, subscriber channel full", "subject", subject)
		}
	})
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	unsubscribe := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			chMu.Lock()
			closed = true
			close(ch)
			chMu.Unlock()
		})
	}
	return ch, unsubscribe, nil
}

// Close unsubscribes all subscriptions. It does not close the connection.
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	return nil
}
