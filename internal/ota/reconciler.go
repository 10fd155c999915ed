// Package ota advances firmware rollouts: a periodic tick pushes the release
// to online target hubs under a concurrency cap and retries failures up to an
// attempt budget; hub-reported results close individual pushes.
package ota

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/store"
	"home-control/internal/topics"
)

// rolloutBatch bounds how many RUNNING rollouts one tick examines.
const rolloutBatch = 50

type Reconciler struct {
	repo     *store.Repo
	client   mqtt.ClientAPI
	notifier notify.Notifier

	maxAttempts    int
	concurrency    int
	attemptTimeout time.Duration

	tickInFlight atomic.Bool
}

func New(repo *store.Repo, client mqtt.ClientAPI, notifier notify.Notifier, maxAttempts, concurrency int, attemptTimeout time.Duration) *Reconciler {
	return &Reconciler{
		repo:           repo,
		client:         client,
		notifier:       notifier,
		maxAttempts:    maxAttempts,
		concurrency:    concurrency,
		attemptTimeout: attemptTimeout,
	}
}

// Tick advances every RUNNING rollout once. Reentrancy-guarded; an
// overlapping tick is skipped.
func (r *Reconciler) Tick(ctx context.Context) {
	if !r.tickInFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.tickInFlight.Store(false)

	rollouts, err := r.repo.ListRunningRollouts(ctx, rolloutBatch)
	if err != nil {
		slog.Error("ota tick: list rollouts failed", "error", err)
		return
	}
	for i := range rollouts {
		r.advance(ctx, &rollouts[i])
	}
}

func (r *Reconciler) advance(ctx context.Context, rollout *store.FirmwareRollout) {
	now := time.Now().UTC()

	stuck, err := r.repo.FailStuckProgress(ctx, rollout.ID, now.Add(-r.attemptTimeout))
	if err != nil {
		slog.Error("ota tick: fail stuck progress", "rollout", rollout.ID, "error", err)
		return
	}
	if stuck > 0 {
		slog.Warn("ota attempts timed out", "rollout", rollout.ID, "count", stuck)
	}

	rows, err := r.repo.ProgressForRollout(ctx, rollout.ID)
	if err != nil {
		slog.Error("ota tick: read progress", "rollout", rollout.ID, "error", err)
		return
	}

	inFlight := 0
	for _, p := range rows {
		if p.State == store.OTADownloading || p.State == store.OTAApplying {
			inFlight++
		}
	}

	release, err := r.releaseFor(ctx, rollout)
	if err != nil || release == nil {
		slog.Error("ota tick: release missing", "rollout", rollout.ID, "error", err)
		return
	}

	for i := range rows {
		if inFlight >= r.concurrency {
			break
		}
		p := &rows[i]
		if !r.eligible(p) {
			continue
		}
		online, err := r.repo.HubOnline(ctx, p.HubID)
		if err != nil || !online {
			continue
		}
		cmdID := uuid.NewString()
		claimed, err := r.repo.ClaimProgressForPush(ctx, p.ID, p.State, cmdID, now)
		if err != nil {
			slog.Error("ota claim failed", "rollout", rollout.ID, "hub", p.HubID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		inFlight++
		body, _ := json.Marshal(map[string]any{
			"cmdId":   cmdID,
			"version": release.Version,
			"url":     release.URL,
			"sha256":  release.SHA256,
			"size":    release.Size,
		})
		if err := r.client.Publish(topics.HubOTACommand(p.HubID), body); err != nil {
			slog.Warn("ota push publish failed, attempt will time out", "hub", p.HubID, "cmd_id", cmdID)
		}
		r.notifyProgress(ctx, p.HubID, rollout.ID, store.OTADownloading, p.Attempt+1, "")
	}

	r.finishIfTerminal(ctx, rollout)
}

func (r *Reconciler) eligible(p *store.FirmwareRolloutProgress) bool {
	switch p.State {
	case store.OTAPending:
		return p.Attempt < r.maxAttempts
	case store.OTAFailed:
		return p.Attempt < r.maxAttempts
	default:
		return false
	}
}

// finishIfTerminal marks the rollout DONE iff every progress row is SUCCESS
// or FAILED with the attempt budget exhausted.
func (r *Reconciler) finishIfTerminal(ctx context.Context, rollout *store.FirmwareRollout) {
	rows, err := r.repo.ProgressForRollout(ctx, rollout.ID)
	if err != nil || len(rows) == 0 {
		return
	}
	for _, p := range rows {
		switch p.State {
		case store.OTASuccess:
		case store.OTAFailed:
			if p.Attempt < r.maxAttempts {
				return
			}
		default:
			return
		}
	}
	done, err := r.repo.MarkRolloutDone(ctx, rollout.ID)
	if err != nil {
		slog.Error("ota rollout done transition failed", "rollout", rollout.ID, "error", err)
		return
	}
	if done {
		slog.Info("ota rollout finished", "rollout", rollout.ID)
	}
}

// HandleResult reconciles a hub-reported ota/cmd_result. Matching is by
// (hub, cmdId) restricted to in-flight states, so a stale or duplicated
// result cannot reopen a finished push.
func (r *Reconciler) HandleResult(ctx context.Context, hubID string, payload []byte) {
	var res struct {
		CmdID   string `json:"cmdId"`
		OK      *bool  `json:"ok"`
		Status  string `json:"status"`
		Version string `json:"version"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &res); err != nil || res.CmdID == "" {
		slog.Warn("ota result unparseable", "hub", hubID, "payload", string(payload))
		return
	}
	if res.Status == "applying" {
		if _, err := r.repo.MarkProgressApplying(ctx, hubID, res.CmdID); err != nil {
			slog.Error("ota applying transition failed", "hub", hubID, "cmd_id", res.CmdID, "error", err)
		}
		return
	}
	ok := res.OK != nil && *res.OK
	row, moved, err := r.repo.ResolveProgressByCmd(ctx, hubID, res.CmdID, ok, res.Message, time.Now().UTC())
	if err != nil {
		slog.Error("ota result transition failed", "hub", hubID, "cmd_id", res.CmdID, "error", err)
		return
	}
	if !moved || row == nil {
		return
	}
	r.notifyProgress(ctx, hubID, row.RolloutID, row.State, row.Attempt, res.Message)
	if rollout, err := r.repo.GetRollout(ctx, row.RolloutID); err == nil && rollout != nil && rollout.Status == store.RolloutRunning {
		r.finishIfTerminal(ctx, rollout)
	}
}

func (r *Reconciler) releaseFor(ctx context.Context, rollout *store.FirmwareRollout) (*store.FirmwareRelease, error) {
	return r.repo.GetFirmwareRelease(ctx, rollout.ReleaseID)
}

func (r *Reconciler) notifyProgress(ctx context.Context, hubID string, rolloutID uint, state string, attempt int, msg string) {
	binding, err := r.repo.BindingForHub(ctx, hubID)
	if err != nil || binding == nil {
		return
	}
	e := map[string]any{"hubId": hubID, "rolloutId": rolloutID, "state": state, "attempt": attempt}
	if msg != "" {
		e["message"] = msg
	}
	r.notifier.Notify(binding.HomeID, "ota_progress", e)
}
