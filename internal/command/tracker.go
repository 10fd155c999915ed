// Package command owns the command and reset-request lifecycle: issue,
// publish, race-safe ACK reconciliation and timeout sweeping. All terminal
// transitions are conditional DB writes; there is no in-process locking
// beyond the sweep in-flight guards.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/store"
	"home-control/internal/topics"
)

// sweepBatch bounds how many stale rows one tick may flip.
const sweepBatch = 200

// ErrSecretNotRetryable rejects re-issuing a credential command from stored
// state: only the hash was persisted, the secret is gone.
var ErrSecretNotRetryable = errors.New("credential command cannot be retried from stored state")

var ErrNoTransportAddress = errors.New("device has no transport address")

type Tracker struct {
	repo     *store.Repo
	client   mqtt.ClientAPI
	notifier notify.Notifier

	commandTimeout time.Duration
	resetTimeout   time.Duration

	cmdSweepInFlight   atomic.Bool
	resetSweepInFlight atomic.Bool
}

func New(repo *store.Repo, client mqtt.ClientAPI, notifier notify.Notifier, commandTimeout, resetTimeout time.Duration) *Tracker {
	return &Tracker{
		repo:           repo,
		client:         client,
		notifier:       notifier,
		commandTimeout: commandTimeout,
		resetTimeout:   resetTimeout,
	}
}

type envelope struct {
	CmdID  string         `json:"cmdId"`
	TS     int64          `json:"ts"`
	Action string         `json:"action,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	// params mirrors args for older hub firmwares that read the other key.
	Params map[string]any `json:"params,omitempty"`
	Type   string         `json:"type,omitempty"`
}

// Issue persists a PENDING command, publishes its envelope on the device's
// plane and notifies subscribers immediately so UIs never wait for the
// round trip. A publish failure is logged, not returned: the sweep will
// time the command out.
func (t *Tracker) Issue(ctx context.Context, dev *store.Device, action string, args map[string]any) (*store.Command, error) {
	topic, err := commandTopic(dev)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	env := envelope{CmdID: uuid.NewString(), TS: now.UnixMilli(), Action: action, Args: args, Params: args}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal command envelope: %w", err)
	}
	cmd := &store.Command{
		DeviceID: dev.ID,
		CmdID:    env.CmdID,
		Action:   action,
		Payload:  datatypes.JSON(body),
		Status:   store.StatusPending,
		SentAt:   now,
	}
	if err := t.repo.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persist command: %w", err)
	}
	t.notifier.Notify(dev.HomeID, "command_update", commandEvent(dev, cmd))
	if err := t.client.Publish(topic, body); err != nil {
		slog.Warn("command publish failed, sweep will time it out", "cmd_id", env.CmdID, "topic", topic, "error", err)
	}
	return cmd, nil
}

// Reissue re-sends a previously stored command as a fresh one. Credential
// commands are refused: the caller must collect the secret again.
func (t *Tracker) Reissue(ctx context.Context, cmdID string) (*store.Command, error) {
	prev, err := t.repo.GetCommandByCmdID(ctx, cmdID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("command %s not found", cmdID)
	}
	if isCredentialAction(prev.Action) {
		return nil, ErrSecretNotRetryable
	}
	dev, err := t.repo.GetDevice(ctx, prev.DeviceID)
	if err != nil || dev == nil {
		return nil, fmt.Errorf("device %d for command %s: %w", prev.DeviceID, cmdID, err)
	}
	var env envelope
	_ = json.Unmarshal(prev.Payload, &env)
	return t.Issue(ctx, dev, prev.Action, env.Args)
}

// IssueReset persists a reset request and publishes it. PENDING -> SENT is a
// distinct publish-confirmation step, unlike plain commands.
func (t *Tracker) IssueReset(ctx context.Context, dev *store.Device, resetType string) (*store.ResetRequest, error) {
	if resetType != store.ResetReconnect && resetType != store.ResetFactoryReset {
		return nil, fmt.Errorf("unknown reset type %q", resetType)
	}
	topic, err := commandTopic(dev)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	env := envelope{CmdID: uuid.NewString(), TS: now.UnixMilli(), Action: "reset", Type: resetType}
	body, _ := json.Marshal(env)
	req := &store.ResetRequest{
		DeviceID: dev.ID,
		CmdID:    env.CmdID,
		Type:     resetType,
		Status:   store.StatusPending,
	}
	if err := t.repo.CreateResetRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist reset request: %w", err)
	}
	t.notifier.Notify(dev.HomeID, "reset_update", resetEvent(dev, req))
	if err := t.client.Publish(topic, body); err != nil {
		slog.Warn("reset publish failed", "cmd_id", env.CmdID, "error", err)
		return req, nil
	}
	if moved, err := t.repo.MarkResetSent(ctx, env.CmdID, time.Now().UTC()); err != nil {
		slog.Warn("reset SENT transition failed", "cmd_id", env.CmdID, "error", err)
	} else if moved {
		req.Status = store.StatusSent
		t.notifier.Notify(dev.HomeID, "reset_update", resetEvent(dev, req))
	}
	return req, nil
}

// HandleAck reconciles an inbound ack/cmd_result payload. The cmdId is
// checked against commands and reset requests independently; whichever row
// is still in flight transitions, everything else is a no-op.
func (t *Tracker) HandleAck(ctx context.Context, payload []byte) {
	var ack struct {
		CmdID string `json:"cmdId"`
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &ack); err != nil || ack.CmdID == "" {
		slog.Warn("ack payload unparseable", "payload", string(payload))
		return
	}
	ok := ack.OK == nil || *ack.OK
	now := time.Now().UTC()

	cmd, moved, err := t.repo.ResolveCommand(ctx, ack.CmdID, ok, ack.Error, now)
	if err != nil {
		slog.Error("command ack transition failed", "cmd_id", ack.CmdID, "error", err)
	} else if moved && cmd != nil {
		dev, _ := t.repo.GetDevice(ctx, cmd.DeviceID)
		if dev != nil {
			t.notifier.Notify(dev.HomeID, "command_update", commandEvent(dev, cmd))
			if ok {
				t.applyCredentialSideEffect(ctx, dev, cmd)
			}
		}
	}

	req, moved, err := t.repo.ResolveResetRequest(ctx, ack.CmdID, ok, ack.Error, now)
	if err != nil {
		slog.Error("reset ack transition failed", "cmd_id", ack.CmdID, "error", err)
	} else if moved && req != nil {
		dev, _ := t.repo.GetDevice(ctx, req.DeviceID)
		if dev != nil {
			t.notifier.Notify(dev.HomeID, "reset_update", resetEvent(dev, req))
		}
	}
}

// SweepCommands flips PENDING commands older than the timeout to TIMEOUT.
// Reentrancy-guarded: an overlapping tick is skipped, not queued.
func (t *Tracker) SweepCommands(ctx context.Context) {
	if !t.cmdSweepInFlight.CompareAndSwap(false, true) {
		return
	}
	defer t.cmdSweepInFlight.Store(false)

	cutoff := time.Now().UTC().Add(-t.commandTimeout)
	flipped, err := t.repo.TimeoutStaleCommands(ctx, cutoff, sweepBatch)
	if err != nil {
		slog.Error("command sweep failed", "error", err)
		return
	}
	for i := range flipped {
		dev, _ := t.repo.GetDevice(ctx, flipped[i].DeviceID)
		if dev != nil {
			t.notifier.Notify(dev.HomeID, "command_update", commandEvent(dev, &flipped[i]))
		}
	}
	if len(flipped) > 0 {
		slog.Info("command sweep timed out commands", "count", len(flipped))
	}
}

func (t *Tracker) SweepResets(ctx context.Context) {
	if !t.resetSweepInFlight.CompareAndSwap(false, true) {
		return
	}
	defer t.resetSweepInFlight.Store(false)

	cutoff := time.Now().UTC().Add(-t.resetTimeout)
	flipped, err := t.repo.TimeoutStaleResetRequests(ctx, cutoff, sweepBatch)
	if err != nil {
		slog.Error("reset sweep failed", "error", err)
		return
	}
	for i := range flipped {
		dev, _ := t.repo.GetDevice(ctx, flipped[i].DeviceID)
		if dev != nil {
			t.notifier.Notify(dev.HomeID, "reset_update", resetEvent(dev, &flipped[i]))
		}
	}
	if len(flipped) > 0 {
		slog.Info("reset sweep timed out requests", "count", len(flipped))
	}
}

// applyCredentialSideEffect runs the lock credential bookkeeping after a
// successful lock.* ACK on a Zigbee device. Best-effort: a failure here never
// blocks the ACK transition that already happened.
func (t *Tracker) applyCredentialSideEffect(ctx context.Context, dev *store.Device, cmd *store.Command) {
	if dev.Protocol != store.ProtocolZigbee || !isCredentialAction(cmd.Action) {
		return
	}
	var env envelope
	if err := json.Unmarshal(cmd.Payload, &env); err != nil {
		slog.Warn("credential side effect: stored payload unparseable", "cmd_id", cmd.CmdID)
		return
	}
	credType, _ := env.Args["type"].(string)
	if credType == "" {
		credType = "pin"
	}
	slot := 0
	if f, ok := env.Args["slot"].(float64); ok {
		slot = int(f)
	}
	hash, _ := env.Args["hash"].(string)
	revoke := strings.Contains(cmd.Action, "clear") || strings.Contains(cmd.Action, "revoke")
	if err := t.repo.ApplyCredentialChange(ctx, dev.ID, credType, slot, hash, revoke); err != nil {
		slog.Warn("credential side effect failed", "cmd_id", cmd.CmdID, "device", dev.DeviceID, "error", err)
		return
	}
	t.notifier.Notify(dev.HomeID, "credential_changed", map[string]any{
		"deviceId": dev.DeviceID, "type": credType, "slot": slot, "revoked": revoke,
	})
}

func isCredentialAction(action string) bool {
	return strings.HasPrefix(action, "lock.")
}

func commandTopic(dev *store.Device) (string, error) {
	switch dev.Protocol {
	case store.ProtocolZigbee:
		if dev.ZigbeeIEEE == nil || *dev.ZigbeeIEEE == "" {
			return "", ErrNoTransportAddress
		}
		return topics.ZigbeeSet(*dev.ZigbeeIEEE), nil
	case store.ProtocolMQTT:
		return topics.DeviceCommand(dev.HomeID, dev.DeviceID), nil
	default:
		return "", fmt.Errorf("%w: protocol %q", ErrNoTransportAddress, dev.Protocol)
	}
}

func commandEvent(dev *store.Device, cmd *store.Command) map[string]any {
	e := map[string]any{
		"deviceId": dev.DeviceID,
		"cmdId":    cmd.CmdID,
		"action":   cmd.Action,
		"status":   cmd.Status,
	}
	if cmd.Error != "" {
		e["error"] = cmd.Error
	}
	return e
}

func resetEvent(dev *store.Device, req *store.ResetRequest) map[string]any {
	e := map[string]any{
		"deviceId": dev.DeviceID,
		"cmdId":    req.CmdID,
		"type":     req.Type,
		"status":   req.Status,
	}
	if req.Error != "" {
		e["error"] = req.Error
	}
	return e
}
