package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) CreateCommand(ctx context.Context, cmd *Command) error {
	return r.db.WithContext(ctx).Create(cmd).Error
}

func (r *Repo) GetCommandByCmdID(ctx context.Context, cmdID string) (*Command, error) {
	var row Command
	err := r.db.WithContext(ctx).Where("cmd_id = ?", cmdID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ResolveCommand flips a PENDING command to ACKED or FAILED. The status guard
// makes a late ACK after TIMEOUT, or a duplicate ACK, a no-op: the returned
// bool reports whether this call performed the transition.
func (r *Repo) ResolveCommand(ctx context.Context, cmdID string, ok bool, errMsg string, at time.Time) (*Command, bool, error) {
	status := StatusAcked
	if !ok {
		status = StatusFailed
	}
	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("cmd_id = ? AND status = ?", cmdID, StatusPending).
		Updates(map[string]any{"status": status, "acked_at": at, "error": errMsg})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	cmd, err := r.GetCommandByCmdID(ctx, cmdID)
	return cmd, true, err
}

// TimeoutStaleCommands conditionally flips PENDING commands sent before the
// cutoff to TIMEOUT, at most limit per call, and returns the rows it flipped.
func (r *Repo) TimeoutStaleCommands(ctx context.Context, cutoff time.Time, limit int) ([]Command, error) {
	var stale []Command
	err := r.db.WithContext(ctx).
		Where("status = ? AND sent_at < ?", StatusPending, cutoff).
		Order("sent_at asc").Limit(limit).Find(&stale).Error
	if err != nil {
		return nil, err
	}
	var flipped []Command
	for i := range stale {
		res := r.db.WithContext(ctx).Model(&Command{}).
			Where("id = ? AND status = ?", stale[i].ID, StatusPending).
			Update("status", StatusTimeout)
		if res.Error != nil {
			return flipped, res.Error
		}
		if res.RowsAffected > 0 {
			stale[i].Status = StatusTimeout
			flipped = append(flipped, stale[i])
		}
	}
	return flipped, nil
}

func (r *Repo) CreateResetRequest(ctx context.Context, req *ResetRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

// MarkResetSent is the publish-confirmation step: PENDING -> SENT.
func (r *Repo) MarkResetSent(ctx context.Context, cmdID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ResetRequest{}).
		Where("cmd_id = ? AND status = ?", cmdID, StatusPending).
		Updates(map[string]any{"status": StatusSent, "sent_at": at})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) ResolveResetRequest(ctx context.Context, cmdID string, ok bool, errMsg string, at time.Time) (*ResetRequest, bool, error) {
	status := StatusAcked
	if !ok {
		status = StatusFailed
	}
	res := r.db.WithContext(ctx).Model(&ResetRequest{}).
		Where("cmd_id = ? AND status IN ?", cmdID, []string{StatusPending, StatusSent}).
		Updates(map[string]any{"status": status, "acked_at": at, "error": errMsg})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var row ResetRequest
	if err := r.db.WithContext(ctx).Where("cmd_id = ?", cmdID).First(&row).Error; err != nil {
		return nil, true, err
	}
	return &row, true, nil
}

func (r *Repo) TimeoutStaleResetRequests(ctx context.Context, cutoff time.Time, limit int) ([]ResetRequest, error) {
	var stale []ResetRequest
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{StatusPending, StatusSent}, cutoff).
		Order("created_at asc").Limit(limit).Find(&stale).Error
	if err != nil {
		return nil, err
	}
	var flipped []ResetRequest
	for i := range stale {
		res := r.db.WithContext(ctx).Model(&ResetRequest{}).
			Where("id = ? AND status IN ?", stale[i].ID, []string{StatusPending, StatusSent}).
			Update("status", StatusTimeout)
		if res.Error != nil {
			return flipped, res.Error
		}
		if res.RowsAffected > 0 {
			stale[i].Status = StatusTimeout
			flipped = append(flipped, stale[i])
		}
	}
	return flipped, nil
}

// ApplyCredentialChange runs the lock-ACK side effect in one transaction:
// bump the device's credential sync version, upsert or revoke the slot, and
// append an audit event. Only the hash ever reaches storage.
func (r *Repo) ApplyCredentialChange(ctx context.Context, deviceID uint, credType string, slot int, secretHash string, revoke bool) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Device{}).Where("id = ?", deviceID).
			Update("credential_version", gorm.Expr("credential_version + 1")).Error; err != nil {
			return err
		}
		cred := DeviceCredential{
			DeviceID:   deviceID,
			Type:       credType,
			Slot:       slot,
			SecretHash: secretHash,
			Revoked:    revoke,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "type"}, {Name: "slot"}},
			DoUpdates: clause.AssignmentColumns([]string{"secret_hash", "revoked", "updated_at"}),
		}).Create(&cred).Error; err != nil {
			return err
		}
		evt := DeviceEvent{DeviceID: deviceID, Type: "credential_changed", CreatedAt: time.Now().UTC()}
		return tx.Create(&evt).Error
	})
}
