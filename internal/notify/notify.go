// Package notify is the outward event sink. Every state transition in the
// core reports here; delivery is fire-and-forget and failures are swallowed.
package notify

import (
	"encoding/json"
	"log/slog"

	"home-control/internal/mqtt"
	"home-control/internal/topics"
)

type Notifier interface {
	Notify(homeID uint, event string, payload any)
}

// MQTTNotifier fans events out over the broker for UI subscribers.
type MQTTNotifier struct {
	client mqtt.ClientAPI
}

func NewMQTT(client mqtt.ClientAPI) *MQTTNotifier {
	return &MQTTNotifier{client: client}
}

func (n *MQTTNotifier) Notify(homeID uint, event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("notify payload marshal failed", "event", event, "error", err)
		return
	}
	_ = n.client.Publish(topics.HomeEvent(homeID, event), b)
}

// Nop drops everything; used in tests.
type Nop struct{}

func (Nop) Notify(uint, string, any) {}

// Recorder captures notifications for assertions in tests.
type Recorder struct {
	Events []Recorded
}

type Recorded struct {
	HomeID  uint
	Event   string
	Payload any
}

func (r *Recorder) Notify(homeID uint, event string, payload any) {
	r.Events = append(r.Events, Recorded{HomeID: homeID, Event: event, Payload: payload})
}
