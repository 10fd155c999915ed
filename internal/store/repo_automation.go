package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repo) RulesForHome(ctx context.Context, homeID uint) ([]AutomationRule, error) {
	var rows []AutomationRule
	err := r.db.WithContext(ctx).Where("home_id = ?", homeID).Order("id asc").Find(&rows).Error
	return rows, err
}

// NextAutomationVersion derives the home's next monotonic version from the
// maximum seen anywhere: rule stamps, desired and applied deployment versions.
// A hub that lost a deployment row can therefore never be handed a reused number.
func (r *Repo) NextAutomationVersion(ctx context.Context, homeID uint) (int64, error) {
	var maxRule, maxDesired, maxApplied int64
	if err := r.db.WithContext(ctx).Model(&AutomationRule{}).
		Where("home_id = ?", homeID).
		Select("COALESCE(MAX(version), 0)").Scan(&maxRule).Error; err != nil {
		return 0, err
	}
	if err := r.db.WithContext(ctx).Model(&AutomationDeployment{}).
		Where("home_id = ?", homeID).
		Select("COALESCE(MAX(desired_version), 0)").Scan(&maxDesired).Error; err != nil {
		return 0, err
	}
	if err := r.db.WithContext(ctx).Model(&AutomationDeployment{}).
		Where("home_id = ?", homeID).
		Select("COALESCE(MAX(applied_version), 0)").Scan(&maxApplied).Error; err != nil {
		return 0, err
	}
	v := maxRule
	if maxDesired > v {
		v = maxDesired
	}
	if maxApplied > v {
		v = maxApplied
	}
	return v + 1, nil
}

// StampHomeVersion stamps every rule in the home with the new version and
// marks every bound hub's deployment SYNCING at that desired version, in one
// transaction so a crash cannot leave rules and deployments disagreeing.
func (r *Repo) StampHomeVersion(ctx context.Context, homeID uint, version int64, hubIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&AutomationRule{}).
			Where("home_id = ?", homeID).Update("version", version).Error; err != nil {
			return err
		}
		for _, hubID := range hubIDs {
			dep := AutomationDeployment{
				HubID:          hubID,
				HomeID:         homeID,
				DesiredVersion: version,
				Status:         DeploySyncing,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "hub_id"}, {Name: "home_id"}},
				DoUpdates: clause.Assignments(map[string]any{"desired_version": version, "status": DeploySyncing, "error": ""}),
			}).Create(&dep).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repo) RecordDeploymentPush(ctx context.Context, hubID string, homeID uint, cmdID string, publishErr string) error {
	updates := map[string]any{"cmd_id": cmdID}
	if publishErr != "" {
		updates["status"] = DeployFailed
		updates["error"] = publishErr
	}
	return r.db.WithContext(ctx).Model(&AutomationDeployment{}).
		Where("hub_id = ? AND home_id = ?", hubID, homeID).Updates(updates).Error
}

// ApplyDeploymentResult reconciles a hub-reported sync result. AppliedVersion
// is monotonic: a reordered stale result can never lower it.
func (r *Repo) ApplyDeploymentResult(ctx context.Context, hubID, cmdID string, ok bool, appliedVersion int64, msg string, at time.Time) (*AutomationDeployment, bool, error) {
	var res *gorm.DB
	if ok {
		res = r.db.WithContext(ctx).Model(&AutomationDeployment{}).
			Where("hub_id = ? AND cmd_id = ? AND applied_version < ?", hubID, cmdID, appliedVersion).
			Updates(map[string]any{"status": DeployApplied, "applied_version": appliedVersion, "error": ""})
	} else {
		res = r.db.WithContext(ctx).Model(&AutomationDeployment{}).
			Where("hub_id = ? AND cmd_id = ? AND status = ?", hubID, cmdID, DeploySyncing).
			Updates(map[string]any{"status": DeployFailed, "error": msg})
	}
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	var row AutomationDeployment
	err := r.db.WithContext(ctx).Where("hub_id = ? AND cmd_id = ?", hubID, cmdID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, true, nil
	}
	return &row, true, err
}

func (r *Repo) DeploymentFor(ctx context.Context, hubID string, homeID uint) (*AutomationDeployment, error) {
	var row AutomationDeployment
	err := r.db.WithContext(ctx).Where("hub_id = ? AND home_id = ?", hubID, homeID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
