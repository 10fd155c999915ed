package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var row Device
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *Repo) GetDeviceByExternalID(ctx context.Context, homeID uint, deviceID string) (*Device, error) {
	var row Device
	err := r.db.WithContext(ctx).Where("home_id = ? AND device_id = ?", homeID, deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DevicesByIEEE returns every device carrying the ieee. Callers treat any
// count other than one as a data integrity signal and drop the message.
func (r *Repo) DevicesByIEEE(ctx context.Context, ieee string) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Where("zigbee_ieee = ?", ieee).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DevicesByLegacyBase(ctx context.Context, base string) ([]Device, error) {
	var rows []Device
	if err := r.db.WithContext(ctx).Where("legacy_topic_base = ?", base).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) DeviceBySerialForHome(ctx context.Context, homeID uint, serial string) (*Device, error) {
	var row Device
	err := r.db.WithContext(ctx).Where("home_id = ? AND inventory_serial = ?", homeID, serial).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *Repo) SaveDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

// PromoteLifecycle ratchets a device to ACTIVE. One-way: ACTIVE and RETIRED
// rows are left alone.
func (r *Repo) PromoteLifecycle(ctx context.Context, deviceID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND lifecycle_status NOT IN ?", deviceID, []string{LifecycleActive, LifecycleRetired}).
		Update("lifecycle_status", LifecycleActive)
	return res.RowsAffected > 0, res.Error
}

// BindIEEE attaches a newly learned ieee to a pre-provisioned device row.
// Conditional on the row not already carrying a different address.
func (r *Repo) BindIEEE(ctx context.Context, deviceID uint, ieee, hubID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Device{}).
		Where("id = ? AND (zigbee_ieee IS NULL OR zigbee_ieee = ?)", deviceID, ieee).
		Updates(map[string]any{"zigbee_ieee": ieee, "hub_id": hubID, "protocol": ProtocolZigbee})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) GetStateCurrent(ctx context.Context, deviceID uint) (*DeviceStateCurrent, error) {
	var row DeviceStateCurrent
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *Repo) SaveStateCurrent(ctx context.Context, cur *DeviceStateCurrent) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(cur).Error
}

func (r *Repo) AppendStateHistory(ctx context.Context, row *DeviceStateHistory) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *Repo) AppendDeviceEvent(ctx context.Context, evt *DeviceEvent) error {
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(evt).Error
}
