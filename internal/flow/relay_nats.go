package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/MealPipe/internal/models"
	"github.com/nats-io/nats.go"
)

// progressSubjectPrefix namespaces progress subjects on the NATS bus.
const progressSubjectPrefix = "mealpipe.progress."

// NATSRelay is a Relay backed by NATS, for deployments where the generation
// pipeline and the serving process run separately.
type NATSRelay struct {
	conn *nats.Conn
}

// NewNATSRelay connects to a NATS server, e.g. "nats://localhost:4222".
func NewNATSRelay(url string) (*NATSRelay, error) {
	conn, err := nats.Connect(url, nats.Name("mealpipe-progress-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATSRelay connected", "url", url)
	return &NATSRelay{conn: conn}, nil
}

func (r *NATSRelay) Publish(event models.ProgressEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("NATSRelay failed to marshal progress event", "error", err)
		return
	}
	if err := r.conn.Publish(progressSubjectPrefix+event.ConversationID, data); err != nil {
		// Progress is cosmetic; a publish failure must not fail generation.
		slog.Warn("NATSRelay publish failed", "error", err, "conversationID", event.ConversationID)
	}
}

func (r *NATSRelay) Subscribe(conversationID string) (<-chan models.ProgressEvent, func()) {
	ch := make(chan models.ProgressEvent, subscriberBuffer)
	done := make(chan struct{})
	sub, err := r.conn.Subscribe(progressSubjectPrefix+conversationID, func(msg *nats.Msg) {
		var event models.ProgressEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("NATSRelay failed to decode progress event", "error", err)
			return
		}
		deliver(ch, done, event)
	})
	if err != nil {
		slog.Error("NATSRelay subscribe failed", "error", err, "conversationID", conversationID)
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				slog.Debug("NATSRelay unsubscribe failed", "error", err)
			}
			close(done)
		})
	}
	return ch, cancel
}

// deliver forwards an event to a subscriber unless the subscription has been
// cancelled, dropping on a full buffer. The data channel is never closed: a
// message handler can still be executing when Unsubscribe returns, so closing
// it would race the send.
func deliver(ch chan models.ProgressEvent, done <-chan struct{}, event models.ProgressEvent) {
	select {
	case <-done:
		return
	default:
	}
	select {
	case ch <- event:
	default:
	}
}

// Close drains and closes the NATS connection.
func (r *NATSRelay) Close() {
	if err := r.conn.Drain(); err != nil {
		slog.Debug("NATSRelay drain failed", "error", err)
	}
}

var _ Relay = (*NATSRelay)(nil)
