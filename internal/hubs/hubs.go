// Package hubs tracks hub runtime presence. Heartbeats are upserted whether
// or not the hub is bound to a home; binding is a separate, external step.
package hubs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"home-control/internal/notify"
	"home-control/internal/store"
)

type Service struct {
	repo     *store.Repo
	notifier notify.Notifier
}

func New(repo *store.Repo, notifier notify.Notifier) *Service {
	return &Service{repo: repo, notifier: notifier}
}

// HandleStatus ingests a retained hub heartbeat.
func (s *Service) HandleStatus(ctx context.Context, hubID string, payload []byte) {
	var hb struct {
		Online    *bool  `json:"online"`
		FwVersion string `json:"fwVersion"`
		MAC       string `json:"mac"`
		IP        string `json:"ip"`
		RSSI      int    `json:"rssi"`
	}
	if err := json.Unmarshal(payload, &hb); err != nil || hb.Online == nil {
		slog.Warn("hub status unparseable", "hub", hubID, "payload", string(payload))
		return
	}
	row, err := s.repo.UpsertHubRuntime(ctx, hubID, store.HubHeartbeat{
		Online:    *hb.Online,
		MAC:       hb.MAC,
		IP:        hb.IP,
		RSSI:      hb.RSSI,
		FwVersion: hb.FwVersion,
		At:        time.Now().UTC(),
	})
	if err != nil {
		slog.Error("hub runtime upsert failed", "hub", hubID, "error", err)
		return
	}
	binding, err := s.repo.BindingForHub(ctx, hubID)
	if err != nil || binding == nil {
		return
	}
	s.notifier.Notify(binding.HomeID, "hub_status", map[string]any{
		"hubId": hubID, "online": row.Online, "fwVersion": row.FwVersion, "rssi": row.RSSI,
	})
}

// HandleZigbeeVersion records the coordinator stack version a hub reports.
func (s *Service) HandleZigbeeVersion(ctx context.Context, hubID string, payload []byte) {
	var msg struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Version == "" {
		slog.Warn("hub zigbee version unparseable", "hub", hubID)
		return
	}
	if err := s.repo.SetHubZigbeeVersion(ctx, hubID, msg.Version); err != nil {
		slog.Error("hub zigbee version update failed", "hub", hubID, "error", err)
	}
}
