package command

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"home-control/internal/mqtt"
	"home-control/internal/notify"
	"home-control/internal/store"
)

type fakeClient struct {
	published []publishedMsg
	failAll   bool
}

type publishedMsg struct {
	topic   string
	payload []byte
}

func (f *fakeClient) Route(string, mqtt.Handler) {}

func (f *fakeClient) Publish(topic string, payload []byte) error {
	if f.failAll {
		return fmt.Errorf("broker down")
	}
	f.published = append(f.published, publishedMsg{topic, payload})
	return nil
}

func (f *fakeClient) PublishRetained(topic string, payload []byte) error {
	return f.Publish(topic, payload)
}

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	return repo
}

func seedMQTTDevice(t *testing.T, repo *store.Repo) *store.Device {
	t.Helper()
	dev := &store.Device{DeviceID: "dev-1", HomeID: 7, Protocol: store.ProtocolMQTT, LifecycleStatus: store.LifecycleActive}
	if err := repo.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	return dev
}

func seedLockDevice(t *testing.T, repo *store.Repo) *store.Device {
	t.Helper()
	ieee := "00124b0012345678"
	dev := &store.Device{DeviceID: "lock-1", HomeID: 7, Protocol: store.ProtocolZigbee, ZigbeeIEEE: &ieee, LifecycleStatus: store.LifecycleActive}
	if err := repo.CreateDevice(context.Background(), dev); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	return dev
}

func ackPayload(cmdID string, ok bool) []byte {
	b, _ := json.Marshal(map[string]any{"cmdId": cmdID, "ok": ok})
	return b
}

func TestIssuePublishesAndNotifiesPending(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	rec := &notify.Recorder{}
	tr := New(repo, client, rec, 10*time.Second, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	cmd, err := tr.Issue(context.Background(), dev, "relay.on", map[string]any{"channel": float64(1)})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if cmd.Status != store.StatusPending {
		t.Fatalf("status = %q, want PENDING", cmd.Status)
	}
	if len(client.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.published))
	}
	wantTopic := "home/7/device/dev-1/cmd"
	if client.published[0].topic != wantTopic {
		t.Fatalf("topic = %q, want %q", client.published[0].topic, wantTopic)
	}
	var env map[string]any
	if err := json.Unmarshal(client.published[0].payload, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env["cmdId"] != cmd.CmdID || env["action"] != "relay.on" {
		t.Fatalf("bad envelope: %v", env)
	}
	if env["args"] == nil || env["params"] == nil {
		t.Fatal("args/params not duplicated for firmware compatibility")
	}
	if len(rec.Events) != 1 || rec.Events[0].Event != "command_update" {
		t.Fatalf("expected a pending notification, got %+v", rec.Events)
	}
}

func TestZigbeeCommandUsesSharedSetTopic(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	tr := New(repo, client, notify.Nop{}, 10*time.Second, 12*time.Second)
	dev := seedLockDevice(t, repo)

	if _, err := tr.Issue(context.Background(), dev, "lock.unlock", nil); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if got := client.published[0].topic; got != "home/zb/00124b0012345678/set" {
		t.Fatalf("topic = %q", got)
	}
}

func TestIdempotentAck(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	rec := &notify.Recorder{}
	tr := New(repo, client, rec, 10*time.Second, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	cmd, _ := tr.Issue(context.Background(), dev, "relay.on", nil)
	rec.Events = nil

	tr.HandleAck(context.Background(), ackPayload(cmd.CmdID, true))
	tr.HandleAck(context.Background(), ackPayload(cmd.CmdID, true))

	got, _ := repo.GetCommandByCmdID(context.Background(), cmd.CmdID)
	if got.Status != store.StatusAcked {
		t.Fatalf("status = %q, want ACKED", got.Status)
	}
	terminal := 0
	for _, e := range rec.Events {
		if e.Event == "command_update" {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly 1 terminal notification, got %d", terminal)
	}
}

func TestLateAckCannotResurrectTimeout(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	tr := New(repo, client, notify.Nop{}, 10*time.Millisecond, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	cmd, _ := tr.Issue(context.Background(), dev, "relay.on", nil)

	// backdate so the sweep sees it as stale
	repo.DB().Model(&store.Command{}).Where("id = ?", cmd.ID).
		Update("sent_at", time.Now().UTC().Add(-time.Minute))
	tr.SweepCommands(context.Background())

	got, _ := repo.GetCommandByCmdID(context.Background(), cmd.CmdID)
	if got.Status != store.StatusTimeout {
		t.Fatalf("status = %q, want TIMEOUT", got.Status)
	}

	tr.HandleAck(context.Background(), ackPayload(cmd.CmdID, true))
	got, _ = repo.GetCommandByCmdID(context.Background(), cmd.CmdID)
	if got.Status != store.StatusTimeout {
		t.Fatalf("late ack resurrected command: %q", got.Status)
	}
}

func TestSweepFlipsOnce(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	rec := &notify.Recorder{}
	tr := New(repo, client, rec, 10*time.Millisecond, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	cmd, _ := tr.Issue(context.Background(), dev, "relay.on", nil)
	repo.DB().Model(&store.Command{}).Where("id = ?", cmd.ID).
		Update("sent_at", time.Now().UTC().Add(-time.Minute))
	rec.Events = nil

	tr.SweepCommands(context.Background())
	tr.SweepCommands(context.Background())

	if len(rec.Events) != 1 {
		t.Fatalf("expected 1 timeout notification, got %d", len(rec.Events))
	}
}

func TestResetRequestSentFlow(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	tr := New(repo, client, notify.Nop{}, 10*time.Second, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	req, err := tr.IssueReset(context.Background(), dev, store.ResetReconnect)
	if err != nil {
		t.Fatalf("issue reset: %v", err)
	}
	if req.Status != store.StatusSent {
		t.Fatalf("status = %q, want SENT after publish", req.Status)
	}

	tr.HandleAck(context.Background(), ackPayload(req.CmdID, true))
	var got store.ResetRequest
	repo.DB().Where("cmd_id = ?", req.CmdID).First(&got)
	if got.Status != store.StatusAcked {
		t.Fatalf("status = %q, want ACKED", got.Status)
	}
}

func TestResetStaysPendingWhenPublishFails(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{failAll: true}
	tr := New(repo, client, notify.Nop{}, 10*time.Second, 12*time.Second)
	dev := seedMQTTDevice(t, repo)

	req, err := tr.IssueReset(context.Background(), dev, store.ResetFactoryReset)
	if err != nil {
		t.Fatalf("issue reset: %v", err)
	}
	if req.Status != store.StatusPending {
		t.Fatalf("status = %q, want PENDING when publish failed", req.Status)
	}
}

func TestLockAckAppliesCredentialSideEffect(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	tr := New(repo, client, notify.Nop{}, 10*time.Second, 12*time.Second)
	dev := seedLockDevice(t, repo)
	ctx := context.Background()

	cmd, _ := tr.Issue(ctx, dev, "lock.add_code", map[string]any{
		"type": "pin", "slot": float64(2), "hash": "deadbeef",
	})
	tr.HandleAck(ctx, ackPayload(cmd.CmdID, true))

	got, _ := repo.GetDevice(ctx, dev.ID)
	if got.CredentialVersion != 1 {
		t.Fatalf("credential version = %d, want 1", got.CredentialVersion)
	}
	var cred store.DeviceCredential
	if err := repo.DB().Where("device_id = ? AND type = ? AND slot = ?", dev.ID, "pin", 2).First(&cred).Error; err != nil {
		t.Fatalf("credential row: %v", err)
	}
	if cred.SecretHash != "deadbeef" || cred.Revoked {
		t.Fatalf("unexpected credential: %+v", cred)
	}
	var evtCount int64
	repo.DB().Model(&store.DeviceEvent{}).Where("device_id = ? AND type = ?", dev.ID, "credential_changed").Count(&evtCount)
	if evtCount != 1 {
		t.Fatalf("expected 1 audit event, got %d", evtCount)
	}
}

func TestCredentialCommandNotRetryable(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	tr := New(repo, client, notify.Nop{}, 10*time.Second, 12*time.Second)
	dev := seedLockDevice(t, repo)
	ctx := context.Background()

	cmd, _ := tr.Issue(ctx, dev, "lock.add_code", map[string]any{"hash": "deadbeef"})
	if _, err := tr.Reissue(ctx, cmd.CmdID); err != ErrSecretNotRetryable {
		t.Fatalf("expected ErrSecretNotRetryable, got %v", err)
	}

	plain, _ := tr.Issue(ctx, dev, "lock_ui.beep", nil)
	if _, err := tr.Reissue(ctx, plain.CmdID); err != nil {
		t.Fatalf("plain command reissue: %v", err)
	}
}
