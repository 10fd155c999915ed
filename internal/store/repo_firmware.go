package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) GetFirmwareRelease(ctx context.Context, id uint) (*FirmwareRelease, error) {
	var row FirmwareRelease
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListRunningRollouts(ctx context.Context, limit int) ([]FirmwareRollout, error) {
	var rows []FirmwareRollout
	err := r.db.WithContext(ctx).Where("status = ?", RolloutRunning).
		Order("id asc").Limit(limit).Find(&rows).Error
	return rows, err
}

// StartRollout moves DRAFT (or PAUSED) to RUNNING and seeds a progress row
// per target. Idempotent on the progress rows.
func (r *Repo) StartRollout(ctx context.Context, rolloutID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&FirmwareRollout{}).
			Where("id = ? AND status IN ?", rolloutID, []string{RolloutDraft, RolloutPaused}).
			Update("status", RolloutRunning)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("rollout %d not startable", rolloutID)
		}
		var targets []FirmwareRolloutTarget
		if err := tx.Where("rollout_id = ?", rolloutID).Find(&targets).Error; err != nil {
			return err
		}
		for _, t := range targets {
			row := FirmwareRolloutProgress{RolloutID: rolloutID, HubID: t.HubID, State: OTAPending}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "rollout_id"}, {Name: "hub_id"}},
				DoNothing: true,
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) PauseRollout(ctx context.Context, rolloutID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRollout{}).
		Where("id = ? AND status = ?", rolloutID, RolloutRunning).
		Update("status", RolloutPaused)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) ProgressForRollout(ctx context.Context, rolloutID uint) ([]FirmwareRolloutProgress, error) {
	var rows []FirmwareRolloutProgress
	err := r.db.WithContext(ctx).Where("rollout_id = ?", rolloutID).Order("hub_id asc").Find(&rows).Error
	return rows, err
}

// FailStuckProgress forces rows stuck mid-push past the attempt timeout to
// FAILED so the next tick can retry them (attempt budget permitting).
func (r *Repo) FailStuckProgress(ctx context.Context, rolloutID uint, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRolloutProgress{}).
		Where("rollout_id = ? AND state IN ? AND sent_at < ?", rolloutID, []string{OTADownloading, OTAApplying}, cutoff).
		Updates(map[string]any{"state": OTAFailed, "error": "attempt timeout"})
	return res.RowsAffected, res.Error
}

// ClaimProgressForPush optimistically takes one progress row for a push
// attempt. The state guard means two overlapping ticks cannot double-send.
func (r *Repo) ClaimProgressForPush(ctx context.Context, progressID uint, fromState, cmdID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRolloutProgress{}).
		Where("id = ? AND state = ?", progressID, fromState).
		Updates(map[string]any{
			"state":   OTADownloading,
			"attempt": gorm.Expr("attempt + 1"),
			"cmd_id":  cmdID,
			"sent_at": at,
			"error":   "",
		})
	return res.RowsAffected > 0, res.Error
}

// ResolveProgressByCmd matches a hub-reported OTA result to the in-flight
// attempt. Restricted to DOWNLOADING/APPLYING so stale results are ignored.
func (r *Repo) ResolveProgressByCmd(ctx context.Context, hubID, cmdID string, ok bool, msg string, at time.Time) (*FirmwareRolloutProgress, bool, error) {
	state := OTASuccess
	if !ok {
		state = OTAFailed
	}
	res := r.db.WithContext(ctx).Model(&FirmwareRolloutProgress{}).
		Where("hub_id = ? AND cmd_id = ? AND state IN ?", hubID, cmdID, []string{OTADownloading, OTAApplying}).
		Updates(map[string]any{"state": state, "acked_at": at, "error": msg})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var row FirmwareRolloutProgress
	if err := r.db.WithContext(ctx).Where("hub_id = ? AND cmd_id = ?", hubID, cmdID).First(&row).Error; err != nil {
		return nil, true, err
	}
	return &row, true, nil
}

// MarkProgressApplying records a hub moving from download to apply.
func (r *Repo) MarkProgressApplying(ctx context.Context, hubID, cmdID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRolloutProgress{}).
		Where("hub_id = ? AND cmd_id = ? AND state = ?", hubID, cmdID, OTADownloading).
		Update("state", OTAApplying)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) MarkRolloutDone(ctx context.Context, rolloutID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&FirmwareRollout{}).
		Where("id = ? AND status = ?", rolloutID, RolloutRunning).
		Update("status", RolloutDone)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) GetRollout(ctx context.Context, id uint) (*FirmwareRollout, error) {
	var row FirmwareRollout
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
