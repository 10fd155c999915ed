package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) CreatePairingSession(ctx context.Context, s *ZigbeePairingSession) error {
	return r.db.WithContext(ctx).Create(s).Error
}

// SessionByToken performs the lazy-expiry lookup: an expired session is
// deleted on sight and reported as absent.
func (r *Repo) SessionByToken(ctx context.Context, token string, now time.Time) (*ZigbeePairingSession, error) {
	var row ZigbeePairingSession
	err := r.db.WithContext(ctx).Where("token = ?", token).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !now.Before(row.ExpiresAt) {
		_ = r.db.WithContext(ctx).Delete(&ZigbeePairingSession{}, row.ID).Error
		return nil, nil
	}
	return &row, nil
}

func (r *Repo) ActiveSessionForHub(ctx context.Context, hubID string, now time.Time) (*ZigbeePairingSession, error) {
	var row ZigbeePairingSession
	err := r.db.WithContext(ctx).
		Where("hub_id = ? AND expires_at > ?", hubID, now).
		Order("created_at desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) DeletePairingSession(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Where("token = ?", token).Delete(&ZigbeePairingSession{}).Error
}

// UpsertDiscoveredDevice refreshes the fingerprint for a (hub, ieee) pair and
// re-arms it to PENDING unless a previous discovery was already CONFIRMED:
// confirmation bound a real device row, so it stays decided.
func (r *Repo) UpsertDiscoveredDevice(ctx context.Context, d *ZigbeeDiscoveredDevice) (*ZigbeeDiscoveredDevice, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ZigbeeDiscoveredDevice
		err := tx.Where("hub_id = ? AND ieee = ?", d.HubID, d.IEEE).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "hub_id"}, {Name: "ieee"}},
				UpdateAll: true,
			}).Create(d).Error
		}
		if err != nil {
			return err
		}
		d.ID = existing.ID
		if existing.Status == DiscoveryConfirmed {
			d.Status = DiscoveryConfirmed
		} else {
			d.Status = DiscoveryPending
		}
		return tx.Save(d).Error
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *Repo) DiscoveredDevice(ctx context.Context, hubID, ieee string) (*ZigbeeDiscoveredDevice, error) {
	var row ZigbeeDiscoveredDevice
	err := r.db.WithContext(ctx).Where("hub_id = ? AND ieee = ?", hubID, ieee).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) ListDiscoveredForToken(ctx context.Context, token string) ([]ZigbeeDiscoveredDevice, error) {
	var rows []ZigbeeDiscoveredDevice
	err := r.db.WithContext(ctx).Where("pairing_token = ?", token).Order("ieee asc").Find(&rows).Error
	return rows, err
}

func (r *Repo) SetDiscoveredStatus(ctx context.Context, hubID, ieee, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ZigbeeDiscoveredDevice{}).
		Where("hub_id = ? AND ieee = ? AND status = ?", hubID, ieee, from).
		Update("status", to)
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) ListCatalogModels(ctx context.Context) ([]CatalogModel, error) {
	var rows []CatalogModel
	err := r.db.WithContext(ctx).Order("model_id asc").Find(&rows).Error
	return rows, err
}
