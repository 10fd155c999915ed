// Package devstate keeps the relational snapshot of device state consistent
// with whatever the transport reports: current row, append-only history with
// no-op suppression, and the first-seen/ever-online ratchet.
package devstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"

	"home-control/internal/notify"
	"home-control/internal/store"
)

// EventClaimConfirm is the reserved event type a device emits when its
// physical identify button is pressed during onboarding.
const EventClaimConfirm = "claim_confirm"

type Synchronizer struct {
	repo     *store.Repo
	cache    *store.StateCache
	notifier notify.Notifier
}

func New(repo *store.Repo, cache *store.StateCache, notifier notify.Notifier) *Synchronizer {
	return &Synchronizer{repo: repo, cache: cache, notifier: notifier}
}

// HandleState ingests a state document for a resolved device. The document is
// taken from an explicit "state" field, a "reported" envelope, or the whole
// payload minus "ts". History is only appended when the serialized document
// or the online flag actually changed.
func (s *Synchronizer) HandleState(ctx context.Context, dev *store.Device, payload []byte) {
	doc, ok := ExtractStateDoc(payload)
	if !ok {
		slog.Warn("state payload unparseable", "device", dev.DeviceID)
		return
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		slog.Warn("state doc marshal failed", "device", dev.DeviceID, "error", err)
		return
	}
	now := time.Now().UTC()

	prevState, prevOnline, hadPrev := s.lastKnown(ctx, dev.ID)
	changed := !hadPrev || !prevOnline || prevState != string(canonical)

	cur := s.ratchet(ctx, dev.ID, now)
	cur.State = datatypes.JSON(canonical)
	cur.Online = true
	cur.LastSeen = now
	if err := s.repo.SaveStateCurrent(ctx, cur); err != nil {
		slog.Error("state current upsert failed", "device", dev.DeviceID, "error", err)
		return
	}
	_ = s.cache.Set(ctx, dev.ID, canonical)

	if changed {
		hist := &store.DeviceStateHistory{DeviceID: dev.ID, State: datatypes.JSON(canonical), Online: true, LastSeen: now}
		if err := s.repo.AppendStateHistory(ctx, hist); err != nil {
			slog.Error("state history append failed", "device", dev.DeviceID, "error", err)
		}
	}

	s.promote(ctx, dev)
	s.notifier.Notify(dev.HomeID, "device_state", map[string]any{
		"deviceId": dev.DeviceID, "state": doc, "online": true, "lastSeen": now.UnixMilli(),
	})
}

// HandleStatus ingests an online/offline heartbeat. Accepts boolean, string
// and JSON-object forms.
func (s *Synchronizer) HandleStatus(ctx context.Context, dev *store.Device, payload []byte) {
	online, ok := ParseOnline(payload)
	if !ok {
		slog.Warn("status payload unparseable", "device", dev.DeviceID, "payload", string(payload))
		return
	}
	now := time.Now().UTC()

	_, prevOnline, hadPrev := s.lastKnown(ctx, dev.ID)
	changed := !hadPrev || prevOnline != online

	cur := s.ratchetIf(ctx, dev.ID, now, online)
	cur.Online = online
	cur.LastSeen = now
	if err := s.repo.SaveStateCurrent(ctx, cur); err != nil {
		slog.Error("status upsert failed", "device", dev.DeviceID, "error", err)
		return
	}

	if changed {
		hist := &store.DeviceStateHistory{DeviceID: dev.ID, State: cur.State, Online: online, LastSeen: now}
		if err := s.repo.AppendStateHistory(ctx, hist); err != nil {
			slog.Error("status history append failed", "device", dev.DeviceID, "error", err)
		}
	}

	s.promote(ctx, dev)
	s.notifier.Notify(dev.HomeID, "device_status", map[string]any{
		"deviceId": dev.DeviceID, "online": online, "lastSeen": now.UnixMilli(),
	})
}

// HandleEvent appends an immutable device event (Zigbee plane). The reserved
// claim-confirm type also promotes the device as an onboarding side effect.
func (s *Synchronizer) HandleEvent(ctx context.Context, dev *store.Device, payload []byte) {
	var evt struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
		TS   int64          `json:"ts"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil || evt.Type == "" {
		slog.Warn("event payload unparseable", "device", dev.DeviceID)
		return
	}
	row := &store.DeviceEvent{DeviceID: dev.ID, Type: evt.Type}
	if evt.Data != nil {
		if b, err := json.Marshal(evt.Data); err == nil {
			row.Data = datatypes.JSON(b)
		}
	}
	if evt.TS > 0 {
		at := time.UnixMilli(evt.TS).UTC()
		row.SourceAt = &at
	}
	if err := s.repo.AppendDeviceEvent(ctx, row); err != nil {
		slog.Error("device event append failed", "device", dev.DeviceID, "error", err)
		return
	}

	if evt.Type == EventClaimConfirm {
		s.notifier.Notify(dev.HomeID, "device_claimed", map[string]any{"deviceId": dev.DeviceID})
	}

	s.promote(ctx, dev)
	s.notifier.Notify(dev.HomeID, "device_event", map[string]any{
		"deviceId": dev.DeviceID, "type": evt.Type, "data": evt.Data,
	})
}

// Lookup resolves a device-plane address.
func (s *Synchronizer) Lookup(ctx context.Context, homeID uint, deviceID string) (*store.Device, error) {
	return s.repo.GetDeviceByExternalID(ctx, homeID, deviceID)
}

// ResolveIEEE maps an ieee to exactly one device. Zero or multiple matches
// are a data integrity smell: logged and dropped, never guessed.
func (s *Synchronizer) ResolveIEEE(ctx context.Context, ieee string) *store.Device {
	rows, err := s.repo.DevicesByIEEE(ctx, ieee)
	if err != nil {
		slog.Error("ieee lookup failed", "ieee", ieee, "error", err)
		return nil
	}
	if len(rows) != 1 {
		slog.Warn("ieee does not resolve to exactly one device", "ieee", ieee, "matches", len(rows))
		return nil
	}
	return &rows[0]
}

// ResolveLegacy maps a legacy topic base (exact string match) to one device.
func (s *Synchronizer) ResolveLegacy(ctx context.Context, base string) *store.Device {
	rows, err := s.repo.DevicesByLegacyBase(ctx, base)
	if err != nil {
		slog.Error("legacy base lookup failed", "base", base, "error", err)
		return nil
	}
	if len(rows) != 1 {
		if len(rows) > 1 {
			slog.Warn("legacy base matches multiple devices", "base", base, "matches", len(rows))
		}
		return nil
	}
	return &rows[0]
}

// lastKnown reads the previous serialized state + online flag, preferring the
// cache and falling back to the current-state table.
func (s *Synchronizer) lastKnown(ctx context.Context, deviceID uint) (string, bool, bool) {
	cur, err := s.repo.GetStateCurrent(ctx, deviceID)
	if err != nil {
		slog.Error("state current read failed", "device_id", deviceID, "error", err)
		return "", false, false
	}
	if cur == nil {
		return "", false, false
	}
	if cached, err := s.cache.Get(ctx, deviceID); err == nil && len(cached) > 0 {
		return string(cached), cur.Online, true
	}
	return string(cur.State), cur.Online, true
}

// ratchet loads (or initializes) the current row with first-seen/ever-online
// set, assuming the caller is about to mark the device online.
func (s *Synchronizer) ratchet(ctx context.Context, deviceID uint, now time.Time) *store.DeviceStateCurrent {
	return s.ratchetIf(ctx, deviceID, now, true)
}

func (s *Synchronizer) ratchetIf(ctx context.Context, deviceID uint, now time.Time, online bool) *store.DeviceStateCurrent {
	cur, err := s.repo.GetStateCurrent(ctx, deviceID)
	if err != nil || cur == nil {
		cur = &store.DeviceStateCurrent{DeviceID: deviceID}
	}
	if online && !cur.EverOnline {
		cur.EverOnline = true
		at := now
		cur.FirstSeenAt = &at
	}
	return cur
}

// promote is best-effort: a failure here must not block the state write.
func (s *Synchronizer) promote(ctx context.Context, dev *store.Device) {
	promoted, err := s.repo.PromoteLifecycle(ctx, dev.ID)
	if err != nil {
		slog.Warn("lifecycle promote failed", "device", dev.DeviceID, "error", err)
		return
	}
	if promoted {
		dev.LifecycleStatus = store.LifecycleActive
		s.notifier.Notify(dev.HomeID, "device_activated", map[string]any{"deviceId": dev.DeviceID})
	}
}

// ExtractStateDoc pulls the state document out of the three accepted payload
// shapes.
func ExtractStateDoc(payload []byte) (map[string]any, bool) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, false
	}
	if st, ok := raw["state"].(map[string]any); ok {
		return st, true
	}
	if rep, ok := raw["reported"].(map[string]any); ok {
		return rep, true
	}
	delete(raw, "ts")
	return raw, true
}

// ParseOnline accepts the heartbeat forms firmwares actually send.
func ParseOnline(payload []byte) (bool, bool) {
	var b bool
	if err := json.Unmarshal(payload, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return parseOnlineString(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		switch v := obj["online"].(type) {
		case bool:
			return v, true
		case string:
			return parseOnlineString(v)
		}
		if v, ok := obj["status"].(string); ok {
			return parseOnlineString(v)
		}
	}
	return parseOnlineString(strings.TrimSpace(string(payload)))
}

func parseOnlineString(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "1", "true":
		return true, true
	case "offline", "0", "false":
		return false, true
	}
	return false, false
}
