// Package dispatch fans classified transport messages out to the components.
// It owns the only impure part of topic routing: resolving legacy-plane
// topics by exact stored topic base.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"home-control/internal/automation"
	"home-control/internal/command"
	"home-control/internal/devstate"
	"home-control/internal/hubs"
	"home-control/internal/mqtt"
	"home-control/internal/ota"
	"home-control/internal/pairing"
	"home-control/internal/topics"
)

type Dispatcher struct {
	client mqtt.ClientAPI

	states  *devstate.Synchronizer
	tracker *command.Tracker
	ota     *ota.Reconciler
	rules   *automation.Syncer
	pairing *pairing.Manager
	hubs    *hubs.Service

	legacyFilter string
}

func New(client mqtt.ClientAPI, states *devstate.Synchronizer, tracker *command.Tracker, otaRec *ota.Reconciler, rules *automation.Syncer, pair *pairing.Manager, hubSvc *hubs.Service, legacyFilter string) *Dispatcher {
	return &Dispatcher{
		client:       client,
		states:       states,
		tracker:      tracker,
		ota:          otaRec,
		rules:        rules,
		pairing:      pair,
		hubs:         hubSvc,
		legacyFilter: legacyFilter,
	}
}

// Start registers the ingestion filters. Registration survives reconnects,
// the transport re-subscribes on every connect.
func (d *Dispatcher) Start() {
	d.client.Route("home/#", d.handle)
	if d.legacyFilter != "" {
		d.client.Route(d.legacyFilter, d.handleLegacy)
	}
}

func (d *Dispatcher) handle(_ paho.Client, m mqtt.Message) {
	ctx := context.Background()
	route, err := topics.Classify(m.Topic())
	if err != nil {
		slog.Warn("dropping malformed topic", "topic", m.Topic())
		return
	}
	switch route.Kind {
	case topics.Device:
		d.handleDevice(ctx, route, m.Payload())
	case topics.Zigbee:
		d.handleZigbee(ctx, route, m.Payload())
	case topics.Hub:
		d.handleHub(ctx, route, m.Payload())
	case topics.Diagnostics:
		// reserved for the transport self-test
	default:
		slog.Debug("unrouted topic", "topic", m.Topic())
	}
}

func (d *Dispatcher) handleDevice(ctx context.Context, route topics.Route, payload []byte) {
	switch route.Channel {
	case "state", "status", "ack":
	case "cmd":
		return // our own outbound traffic
	default:
		slog.Debug("unknown device channel", "channel", route.Channel)
		return
	}
	dev, err := d.states.Lookup(ctx, route.HomeID, route.DeviceID)
	if err != nil {
		slog.Error("device lookup failed", "device", route.DeviceID, "error", err)
		return
	}
	if dev == nil {
		slog.Warn("message for unknown device", "home", route.HomeID, "device", route.DeviceID)
		return
	}
	switch route.Channel {
	case "state":
		d.states.HandleState(ctx, dev, payload)
	case "status":
		d.states.HandleStatus(ctx, dev, payload)
	case "ack":
		d.tracker.HandleAck(ctx, payload)
	}
}

func (d *Dispatcher) handleZigbee(ctx context.Context, route topics.Route, payload []byte) {
	switch route.Channel {
	case "state", "event", "cmd_result":
	case "set":
		return // our own outbound traffic
	default:
		slog.Debug("unknown zigbee channel", "channel", route.Channel)
		return
	}
	if route.Channel == "cmd_result" {
		// Resolved by cmdId, not by device; ambiguity rules do not apply.
		d.tracker.HandleAck(ctx, payload)
		return
	}
	dev := d.states.ResolveIEEE(ctx, route.IEEE)
	if dev == nil {
		return
	}
	switch route.Channel {
	case "state":
		d.states.HandleState(ctx, dev, payload)
	case "event":
		d.states.HandleEvent(ctx, dev, payload)
	}
}

func (d *Dispatcher) handleHub(ctx context.Context, route topics.Route, payload []byte) {
	switch route.Channel {
	case "status":
		d.hubs.HandleStatus(ctx, route.HubID, payload)
	case "zigbee/discovered":
		d.pairing.HandleDiscovered(ctx, route.HubID, payload)
	case "zigbee/version":
		d.hubs.HandleZigbeeVersion(ctx, route.HubID, payload)
	case "ota/cmd_result":
		d.ota.HandleResult(ctx, route.HubID, payload)
	case "automation/sync_result":
		d.rules.HandleSyncResult(ctx, route.HubID, payload)
	case "ota/cmd", "automation/sync", "zigbee/permit_join":
		// our own outbound traffic
	default:
		slog.Debug("unknown hub channel", "hub", route.HubID, "channel", route.Channel)
	}
}

// handleLegacy resolves `<base>/state` topics against stored legacy topic
// bases. Exact match only, and exactly one device must own the base.
func (d *Dispatcher) handleLegacy(_ paho.Client, m mqtt.Message) {
	topic := m.Topic()
	base, ok := strings.CutSuffix(topic, "/state")
	if !ok || base == "" {
		slog.Debug("ignoring non-state legacy topic", "topic", topic)
		return
	}
	ctx := context.Background()
	dev := d.states.ResolveLegacy(ctx, base)
	if dev == nil {
		return
	}
	d.states.HandleState(ctx, dev, m.Payload())
}
