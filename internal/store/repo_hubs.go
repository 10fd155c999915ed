package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// HubHeartbeat is what a retained hub status message carries.
type HubHeartbeat struct {
	Online    bool
	MAC       string
	IP        string
	RSSI      int
	FwVersion string
	At        time.Time
}

// UpsertHubRuntime merges a heartbeat into the runtime row. First-seen and
// ever-online ratchet on the first online=true and are never unset.
func (r *Repo) UpsertHubRuntime(ctx context.Context, hubID string, hb HubHeartbeat) (*HubRuntime, error) {
	var row HubRuntime
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("hub_id = ?", hubID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = HubRuntime{HubID: hubID}
		} else if err != nil {
			return err
		}
		row.Online = hb.Online
		row.LastSeenAt = hb.At
		if hb.MAC != "" {
			row.MAC = hb.MAC
		}
		if hb.IP != "" {
			row.IP = hb.IP
		}
		if hb.RSSI != 0 {
			row.RSSI = hb.RSSI
		}
		if hb.FwVersion != "" {
			row.FwVersion = hb.FwVersion
		}
		if hb.Online && !row.EverOnline {
			row.EverOnline = true
			at := hb.At
			row.FirstSeenAt = &at
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) SetHubZigbeeVersion(ctx context.Context, hubID, version string) error {
	return r.db.WithContext(ctx).Model(&HubRuntime{}).
		Where("hub_id = ?", hubID).Update("zb_version", version).Error
}

func (r *Repo) GetHubRuntime(ctx context.Context, hubID string) (*HubRuntime, error) {
	var row HubRuntime
	err := r.db.WithContext(ctx).Where("hub_id = ?", hubID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) BindingForHub(ctx context.Context, hubID string) (*HubBinding, error) {
	var row HubBinding
	err := r.db.WithContext(ctx).Where("hub_id = ?", hubID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) BindingsForHome(ctx context.Context, homeID uint) ([]HubBinding, error) {
	var rows []HubBinding
	if err := r.db.WithContext(ctx).Where("home_id = ?", homeID).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) HubOnline(ctx context.Context, hubID string) (bool, error) {
	hub, err := r.GetHubRuntime(ctx, hubID)
	if err != nil || hub == nil {
		return false, err
	}
	return hub.Online, nil
}
