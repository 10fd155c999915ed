// Package automation compiles stored rules into the hub-portable form (only
// transport addresses, never internal ids) and keeps hub-side rule engines in
// sync via monotonic home-wide versions.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/store"
	"home-control/internal/topics"
)

// Compiled forms. A hub receives only ieee / external device ids; a rule that
// still references an unresolvable device is excluded and reported, never
// shipped with stale references.

type CompiledTrigger struct {
	Source    string         `json:"source"`
	IEEE      string         `json:"ieee,omitempty"`
	DeviceID  string         `json:"deviceId,omitempty"`
	EventType string         `json:"eventType,omitempty"`
	DataMatch map[string]any `json:"dataMatch,omitempty"`
}

type CompiledAction struct {
	Kind     string         `json:"kind"`
	IEEE     string         `json:"ieee,omitempty"`
	DeviceID string         `json:"deviceId,omitempty"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
}

type CompiledRule struct {
	ID          uint             `json:"id"`
	Name        string           `json:"name"`
	Enabled     bool             `json:"enabled"`
	TriggerType string           `json:"triggerType"`
	Trigger     CompiledTrigger  `json:"trigger"`
	Actions     []CompiledAction `json:"actions"`
}

type CompileError struct {
	RuleID uint   `json:"ruleId"`
	Reason string `json:"reason"`
}

type storedTrigger struct {
	DeviceID  uint           `json:"deviceId"`
	EventType string         `json:"eventType"`
	DataMatch map[string]any `json:"dataMatch"`
}

type storedAction struct {
	DeviceID uint           `json:"deviceId"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params"`
}

type Syncer struct {
	repo     *store.Repo
	client   mqtt.ClientAPI
	notifier notify.Notifier
}

func New(repo *store.Repo, client mqtt.ClientAPI, notifier notify.Notifier) *Syncer {
	return &Syncer{repo: repo, client: client, notifier: notifier}
}

// Compile resolves every rule of the home into hub-portable form. Rules whose
// device references cannot be resolved are excluded and reported.
func (s *Syncer) Compile(ctx context.Context, homeID uint) ([]CompiledRule, []CompileError, error) {
	rules, err := s.repo.RulesForHome(ctx, homeID)
	if err != nil {
		return nil, nil, fmt.Errorf("load rules: %w", err)
	}
	var compiled []CompiledRule
	var errs []CompileError
	for _, rule := range rules {
		cr, reason := s.compileRule(ctx, homeID, &rule)
		if reason != "" {
			errs = append(errs, CompileError{RuleID: rule.ID, Reason: reason})
			continue
		}
		compiled = append(compiled, *cr)
	}
	return compiled, errs, nil
}

func (s *Syncer) compileRule(ctx context.Context, homeID uint, rule *store.AutomationRule) (*CompiledRule, string) {
	var trig storedTrigger
	if err := json.Unmarshal(rule.Trigger, &trig); err != nil {
		return nil, "trigger unparseable"
	}
	ct, reason := s.resolveTrigger(ctx, homeID, &trig)
	if reason != "" {
		return nil, reason
	}
	var acts []storedAction
	if err := json.Unmarshal(rule.Actions, &acts); err != nil {
		return nil, "actions unparseable"
	}
	if len(acts) == 0 {
		return nil, "rule has no actions"
	}
	var cas []CompiledAction
	for _, a := range acts {
		ca, reason := s.resolveAction(ctx, homeID, &a)
		if reason != "" {
			return nil, reason
		}
		cas = append(cas, *ca)
	}
	return &CompiledRule{
		ID:          rule.ID,
		Name:        rule.Name,
		Enabled:     rule.Enabled,
		TriggerType: rule.TriggerType,
		Trigger:     *ct,
		Actions:     cas,
	}, ""
}

func (s *Syncer) resolveTrigger(ctx context.Context, homeID uint, trig *storedTrigger) (*CompiledTrigger, string) {
	dev, reason := s.resolveDevice(ctx, homeID, trig.DeviceID)
	if reason != "" {
		return nil, reason
	}
	ct := &CompiledTrigger{EventType: trig.EventType, DataMatch: trig.DataMatch}
	if dev.Protocol == store.ProtocolZigbee {
		ct.Source = "zigbee"
		ct.IEEE = *dev.ZigbeeIEEE
	} else {
		ct.Source = "mqtt"
		ct.DeviceID = dev.DeviceID
	}
	return ct, ""
}

func (s *Syncer) resolveAction(ctx context.Context, homeID uint, act *storedAction) (*CompiledAction, string) {
	dev, reason := s.resolveDevice(ctx, homeID, act.DeviceID)
	if reason != "" {
		return nil, reason
	}
	ca := &CompiledAction{Action: act.Action, Params: act.Params}
	if dev.Protocol == store.ProtocolZigbee {
		ca.Kind = "zigbee"
		ca.IEEE = *dev.ZigbeeIEEE
	} else {
		ca.Kind = "mqtt"
		ca.DeviceID = dev.DeviceID
	}
	return ca, ""
}

func (s *Syncer) resolveDevice(ctx context.Context, homeID, id uint) (*store.Device, string) {
	dev, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, fmt.Sprintf("device %d lookup failed", id)
	}
	if dev == nil {
		return nil, fmt.Sprintf("device %d not found", id)
	}
	if dev.HomeID != homeID {
		return nil, fmt.Sprintf("device %d belongs to another home", id)
	}
	if dev.Protocol == store.ProtocolZigbee && (dev.ZigbeeIEEE == nil || *dev.ZigbeeIEEE == "") {
		return nil, fmt.Sprintf("zigbee device %d has no ieee", id)
	}
	return dev, ""
}

// SyncHome bumps the home's automation version, stamps rules and deployments,
// and pushes the compiled rule set to every bound hub. Hubs discard any sync
// with a version below their last-applied one, so out-of-order delivery is
// safe by construction.
func (s *Syncer) SyncHome(ctx context.Context, homeID uint) (int64, []CompileError, error) {
	version, err := s.repo.NextAutomationVersion(ctx, homeID)
	if err != nil {
		return 0, nil, fmt.Errorf("derive version: %w", err)
	}
	bindings, err := s.repo.BindingsForHome(ctx, homeID)
	if err != nil {
		return 0, nil, fmt.Errorf("load hub bindings: %w", err)
	}
	hubIDs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		hubIDs = append(hubIDs, b.HubID)
	}
	if err := s.repo.StampHomeVersion(ctx, homeID, version, hubIDs); err != nil {
		return 0, nil, fmt.Errorf("stamp version %d: %w", version, err)
	}

	compiled, compileErrs, err := s.Compile(ctx, homeID)
	if err != nil {
		return version, compileErrs, err
	}
	if len(compileErrs) > 0 {
		slog.Warn("automation compile excluded rules", "home", homeID, "excluded", len(compileErrs))
	}

	for _, hubID := range hubIDs {
		cmdID := uuid.NewString()
		body, _ := json.Marshal(map[string]any{
			"cmdId":   cmdID,
			"homeId":  homeID,
			"version": version,
			"rules":   compiled,
		})
		pubErr := ""
		if err := s.client.Publish(topics.HubAutomationSync(hubID), body); err != nil {
			pubErr = err.Error()
		}
		if err := s.repo.RecordDeploymentPush(ctx, hubID, homeID, cmdID, pubErr); err != nil {
			slog.Error("deployment push record failed", "hub", hubID, "home", homeID, "error", err)
		}
		s.notifier.Notify(homeID, "automation_sync", map[string]any{
			"hubId": hubID, "version": version, "status": pushStatus(pubErr),
		})
	}
	return version, compileErrs, nil
}

func pushStatus(pubErr string) string {
	if pubErr != "" {
		return store.DeployFailed
	}
	return store.DeploySyncing
}

// HandleSyncResult reconciles a hub-reported automation apply-result.
func (s *Syncer) HandleSyncResult(ctx context.Context, hubID string, payload []byte) {
	var res struct {
		CmdID          string `json:"cmdId"`
		OK             *bool  `json:"ok"`
		AppliedVersion int64  `json:"appliedVersion"`
		Version        int64  `json:"version"`
		Message        string `json:"message"`
	}
	if err := json.Unmarshal(payload, &res); err != nil || res.CmdID == "" {
		slog.Warn("automation sync result unparseable", "hub", hubID, "payload", string(payload))
		return
	}
	applied := res.AppliedVersion
	if applied == 0 {
		applied = res.Version
	}
	ok := res.OK != nil && *res.OK
	dep, moved, err := s.repo.ApplyDeploymentResult(ctx, hubID, res.CmdID, ok, applied, res.Message, time.Now().UTC())
	if err != nil {
		slog.Error("automation apply-result transition failed", "hub", hubID, "cmd_id", res.CmdID, "error", err)
		return
	}
	if !moved || dep == nil {
		return
	}
	s.notifier.Notify(dep.HomeID, "automation_sync", map[string]any{
		"hubId": hubID, "version": dep.AppliedVersion, "status": dep.Status, "message": res.Message,
	})
}
