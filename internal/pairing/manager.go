// Package pairing runs the token-scoped Zigbee discovery window and its three
// onboarding modes.
package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/store"
	"home-control/internal/topics"
)

var (
	ErrSessionExpired  = errors.New("pairing session expired or unknown")
	ErrNotDiscovered   = errors.New("device was not discovered in this session")
	ErrSerialNotFound  = errors.New("claimed serial has no device row in this home")
	ErrModelRequired   = errors.New("a model id is required to confirm")
	ErrModelMismatch   = errors.New("discovered fingerprint suggests a different model")
	ErrUnknownPairMode = errors.New("unknown pairing mode")
)

type Manager struct {
	repo     *store.Repo
	client   mqtt.ClientAPI
	notifier notify.Notifier
	window   time.Duration
}

func New(repo *store.Repo, client mqtt.ClientAPI, notifier notify.Notifier, window time.Duration) *Manager {
	return &Manager{repo: repo, client: client, notifier: notifier, window: window}
}

type OpenParams struct {
	HubID           string
	HomeID          uint
	OwnerID         uint
	Mode            string
	ClaimedSerial   string
	ExpectedModelID string
}

// Open mints a session token, opens the hub's permit-join window and returns
// the session. SERIAL_FIRST requires a device row already CLAIMED under the
// given serial in this home.
func (m *Manager) Open(ctx context.Context, p OpenParams) (*store.ZigbeePairingSession, error) {
	switch p.Mode {
	case store.PairLegacy, store.PairTypeFirst:
	case store.PairSerialFirst:
		dev, err := m.repo.DeviceBySerialForHome(ctx, p.HomeID, p.ClaimedSerial)
		if err != nil {
			return nil, fmt.Errorf("serial lookup: %w", err)
		}
		if dev == nil {
			return nil, ErrSerialNotFound
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPairMode, p.Mode)
	}

	now := time.Now().UTC()
	sess := &store.ZigbeePairingSession{
		Token:           uuid.NewString(),
		HubID:           p.HubID,
		HomeID:          p.HomeID,
		OwnerID:         p.OwnerID,
		Mode:            p.Mode,
		ClaimedSerial:   p.ClaimedSerial,
		ExpectedModelID: p.ExpectedModelID,
		ExpiresAt:       now.Add(m.window),
	}
	if err := m.repo.CreatePairingSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	body, _ := json.Marshal(map[string]any{"value": true, "time": int(m.window.Seconds())})
	if err := m.client.Publish(topics.HubPermitJoin(p.HubID), body); err != nil {
		slog.Warn("permit_join publish failed", "hub", p.HubID, "error", err)
	}
	m.notifier.Notify(p.HomeID, "pairing_opened", map[string]any{
		"hubId": p.HubID, "mode": p.Mode, "expiresAt": sess.ExpiresAt.UnixMilli(),
	})
	return sess, nil
}

// Close invalidates the token and shuts the hub's join window.
func (m *Manager) Close(ctx context.Context, token string) error {
	sess, err := m.repo.SessionByToken(ctx, token, time.Now().UTC())
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionExpired
	}
	if err := m.repo.DeletePairingSession(ctx, token); err != nil {
		return err
	}
	body, _ := json.Marshal(map[string]any{"value": false})
	_ = m.client.Publish(topics.HubPermitJoin(sess.HubID), body)
	m.notifier.Notify(sess.HomeID, "pairing_closed", map[string]any{"hubId": sess.HubID})
	return nil
}

// HandleDiscovered ingests a zigbee/discovered report. Accepted only while
// the hub has an active session; otherwise dropped with a warning (the hub
// should not be announcing outside a window).
func (m *Manager) HandleDiscovered(ctx context.Context, hubID string, payload []byte) {
	var rep struct {
		IEEE         string `json:"ieee"`
		Manufacturer string `json:"manufacturer"`
		Model        string `json:"model"`
	}
	if err := json.Unmarshal(payload, &rep); err != nil {
		slog.Warn("discovery payload unparseable", "hub", hubID)
		return
	}
	ieee, ok := topics.NormalizeIEEE(rep.IEEE)
	if !ok {
		slog.Warn("discovery carries invalid ieee", "hub", hubID, "ieee", rep.IEEE)
		return
	}
	now := time.Now().UTC()
	sess, err := m.repo.ActiveSessionForHub(ctx, hubID, now)
	if err != nil {
		slog.Error("session lookup failed", "hub", hubID, "error", err)
		return
	}
	if sess == nil {
		slog.Warn("discovery outside any active session", "hub", hubID, "ieee", ieee)
		return
	}

	row := &store.ZigbeeDiscoveredDevice{
		HubID:        hubID,
		IEEE:         ieee,
		PairingToken: sess.Token,
		Status:       store.DiscoveryPending,
		Manufacturer: rep.Manufacturer,
		Model:        rep.Model,
		LastSeenAt:   now,
	}
	if candidates, err := m.repo.ListCatalogModels(ctx); err == nil {
		if best := RankMatch(candidates, rep.Manufacturer, rep.Model); best != nil {
			row.SuggestedModelID = best.ModelID
			row.SuggestedType = best.DeviceType
		}
	}
	saved, err := m.repo.UpsertDiscoveredDevice(ctx, row)
	if err != nil {
		slog.Error("discovery upsert failed", "hub", hubID, "ieee", ieee, "error", err)
		return
	}

	if sess.Mode == store.PairSerialFirst {
		m.provisionForSerial(ctx, sess, ieee)
	}

	m.notifier.Notify(sess.HomeID, "pairing_discovered", map[string]any{
		"hubId": hubID, "ieee": ieee,
		"manufacturer": rep.Manufacturer, "model": rep.Model,
		"suggestedModelId": saved.SuggestedModelID, "status": saved.Status,
	})
}

// provisionForSerial opportunistically moves the pre-claimed device row into
// CLAIMING so UIs can show onboarding progress before the explicit confirm.
func (m *Manager) provisionForSerial(ctx context.Context, sess *store.ZigbeePairingSession, ieee string) {
	dev, err := m.repo.DeviceBySerialForHome(ctx, sess.HomeID, sess.ClaimedSerial)
	if err != nil || dev == nil {
		return
	}
	if dev.LifecycleStatus != store.LifecycleClaimed {
		return
	}
	dev.LifecycleStatus = store.LifecycleClaiming
	if err := m.repo.SaveDevice(ctx, dev); err != nil {
		slog.Warn("claiming transition failed", "device", dev.DeviceID, "error", err)
	}
	_ = ieee // binding happens at confirm, not here
}

type ConfirmParams struct {
	Token string
	IEEE  string
	// ModelID is the explicit operator override, optional outside TYPE_FIRST.
	ModelID string
}

// Confirm binds a discovered device according to the session mode.
func (m *Manager) Confirm(ctx context.Context, p ConfirmParams) (*store.Device, error) {
	now := time.Now().UTC()
	sess, err := m.repo.SessionByToken(ctx, p.Token, now)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionExpired
	}
	ieee, ok := topics.NormalizeIEEE(p.IEEE)
	if !ok {
		return nil, fmt.Errorf("invalid ieee %q", p.IEEE)
	}
	disc, err := m.repo.DiscoveredDevice(ctx, sess.HubID, ieee)
	if err != nil {
		return nil, err
	}
	if disc == nil || disc.PairingToken != sess.Token {
		return nil, ErrNotDiscovered
	}

	var dev *store.Device
	switch sess.Mode {
	case store.PairLegacy:
		dev, err = m.confirmLegacy(ctx, sess, disc, ieee, p.ModelID)
	case store.PairSerialFirst:
		dev, err = m.confirmSerialFirst(ctx, sess, ieee)
	case store.PairTypeFirst:
		dev, err = m.confirmTypeFirst(ctx, sess, disc, ieee, p.ModelID)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownPairMode, sess.Mode)
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.repo.SetDiscoveredStatus(ctx, sess.HubID, ieee, store.DiscoveryPending, store.DiscoveryConfirmed); err != nil {
		slog.Warn("discovery confirm flag failed", "ieee", ieee, "error", err)
	}
	m.notifier.Notify(sess.HomeID, "pairing_confirmed", map[string]any{
		"hubId": sess.HubID, "ieee": ieee, "deviceId": dev.DeviceID,
	})
	return dev, nil
}

func (m *Manager) confirmLegacy(ctx context.Context, sess *store.ZigbeePairingSession, disc *store.ZigbeeDiscoveredDevice, ieee, modelID string) (*store.Device, error) {
	if modelID == "" {
		modelID = disc.SuggestedModelID
	}
	return m.createZigbeeDevice(ctx, sess, ieee, modelID)
}

func (m *Manager) confirmSerialFirst(ctx context.Context, sess *store.ZigbeePairingSession, ieee string) (*store.Device, error) {
	dev, err := m.repo.DeviceBySerialForHome(ctx, sess.HomeID, sess.ClaimedSerial)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, ErrSerialNotFound
	}
	bound, err := m.repo.BindIEEE(ctx, dev.ID, ieee, sess.HubID)
	if err != nil {
		return nil, err
	}
	if !bound {
		return nil, fmt.Errorf("device %s already bound to a different ieee", dev.DeviceID)
	}
	return m.repo.GetDevice(ctx, dev.ID)
}

func (m *Manager) confirmTypeFirst(ctx context.Context, sess *store.ZigbeePairingSession, disc *store.ZigbeeDiscoveredDevice, ieee, modelID string) (*store.Device, error) {
	explicit := modelID != ""
	if modelID == "" {
		modelID = sess.ExpectedModelID
	}
	if modelID == "" {
		modelID = disc.SuggestedModelID
	}
	if modelID == "" {
		return nil, ErrModelRequired
	}
	// A fingerprint suggesting a different model than expected is refused
	// unless the operator overrides explicitly.
	if !explicit && disc.SuggestedModelID != "" && sess.ExpectedModelID != "" && disc.SuggestedModelID != sess.ExpectedModelID {
		return nil, ErrModelMismatch
	}
	return m.createZigbeeDevice(ctx, sess, ieee, modelID)
}

func (m *Manager) createZigbeeDevice(ctx context.Context, sess *store.ZigbeePairingSession, ieee, modelID string) (*store.Device, error) {
	addr := ieee
	dev := &store.Device{
		DeviceID:        uuid.NewString(),
		HomeID:          sess.HomeID,
		Protocol:        store.ProtocolZigbee,
		ZigbeeIEEE:      &addr,
		HubID:           sess.HubID,
		ModelID:         modelID,
		LifecycleStatus: store.LifecycleClaimed,
	}
	if err := m.repo.CreateDevice(ctx, dev); err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return dev, nil
}

// Reject marks a discovered device rejected; only PENDING rows move.
func (m *Manager) Reject(ctx context.Context, token, ieee string) error {
	now := time.Now().UTC()
	sess, err := m.repo.SessionByToken(ctx, token, now)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionExpired
	}
	norm, ok := topics.NormalizeIEEE(ieee)
	if !ok {
		return fmt.Errorf("invalid ieee %q", ieee)
	}
	moved, err := m.repo.SetDiscoveredStatus(ctx, sess.HubID, norm, store.DiscoveryPending, store.DiscoveryRejected)
	if err != nil {
		return err
	}
	if !moved {
		return ErrNotDiscovered
	}
	m.notifier.Notify(sess.HomeID, "pairing_rejected", map[string]any{"hubId": sess.HubID, "ieee": norm})
	return nil
}
