package pairing

import (
	"context"
	"encoding/json"
	"errors"
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
	published map[string][][]byte
}

func (f *fakeClient) Route(string, mqtt.Handler) {}

func (f *fakeClient) Publish(topic string, payload []byte) error {
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[topic] = append(f.published[topic], payload)
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

func seedCatalog(t *testing.T, repo *store.Repo, models ...store.CatalogModel) {
	t.Helper()
	for i := range models {
		if err := repo.DB().Create(&models[i]).Error; err != nil {
			t.Fatalf("seed catalog: %v", err)
		}
	}
}

func discoverReport(ieee, manufacturer, model string) []byte {
	b, _ := json.Marshal(map[string]any{"ieee": ieee, "manufacturer": manufacturer, "model": model})
	return b
}

func TestRankMatchPrefersExactThenModel(t *testing.T) {
	candidates := []store.CatalogModel{
		{ModelID: "bulb-any", ZigbeeModel: "LCT015"},
		{ModelID: "bulb-philips", ZigbeeManufacturer: "Philips", ZigbeeModel: "LCT015"},
		{ModelID: "philips-generic", ZigbeeManufacturer: "Philips"},
	}
	best := RankMatch(candidates, "Philips", "LCT015")
	if best == nil || best.ModelID != "bulb-philips" {
		t.Fatalf("best = %+v, want bulb-philips", best)
	}

	best = RankMatch(candidates, "IKEA", "LCT015")
	if best == nil || best.ModelID != "bulb-any" {
		t.Fatalf("model-only best = %+v, want bulb-any", best)
	}

	best = RankMatch(candidates, "philips", "unknown")
	if best == nil || best.ModelID != "philips-generic" {
		t.Fatalf("manufacturer-only best = %+v, want philips-generic", best)
	}

	if best := RankMatch(candidates, "IKEA", "unknown"); best != nil {
		t.Fatalf("no-match fingerprint returned %+v", best)
	}
}

func TestRankMatchTieBreaksByModelIDOrder(t *testing.T) {
	// both are exact matches; the first in catalog order wins
	candidates := []store.CatalogModel{
		{ModelID: "plug-a", ZigbeeManufacturer: "Acme", ZigbeeModel: "P1"},
		{ModelID: "plug-b", ZigbeeManufacturer: "Acme", ZigbeeModel: "P1"},
	}
	best := RankMatch(candidates, "Acme", "P1")
	if best == nil || best.ModelID != "plug-a" {
		t.Fatalf("best = %+v, want plug-a", best)
	}
}

func TestDiscoveryRequiresActiveSession(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	m.HandleDiscovered(ctx, "hub-a", discoverReport("0x00124B0001020304", "Acme", "P1"))

	disc, err := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if disc != nil {
		t.Fatalf("discovery outside a session was persisted: %+v", disc)
	}
}

func TestDiscoveryIngestionAndSuggestion(t *testing.T) {
	repo := newTestRepo(t)
	client := &fakeClient{}
	rec := &notify.Recorder{}
	m := New(repo, client, rec, time.Minute)
	ctx := context.Background()

	seedCatalog(t, repo, store.CatalogModel{ModelID: "plug-acme", DeviceType: "plug", ZigbeeManufacturer: "Acme", ZigbeeModel: "P1"})

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(client.published["home/hub/hub-a/zigbee/permit_join"]) != 1 {
		t.Fatal("permit_join was not opened")
	}

	m.HandleDiscovered(ctx, "hub-a", discoverReport("0x00124B0001020304", "Acme", "P1"))

	disc, err := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if err != nil || disc == nil {
		t.Fatalf("discovered row: %v %v", disc, err)
	}
	if disc.Status != store.DiscoveryPending || disc.PairingToken != sess.Token {
		t.Fatalf("row = %+v", disc)
	}
	if disc.SuggestedModelID != "plug-acme" || disc.SuggestedType != "plug" {
		t.Fatalf("suggestion = %q/%q", disc.SuggestedModelID, disc.SuggestedType)
	}
}

func TestRediscoveryKeepsConfirmedDecision(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	if _, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy}); err != nil {
		t.Fatalf("open: %v", err)
	}
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "P1"))
	if _, err := repo.SetDiscoveredStatus(ctx, "hub-a", "00124b0001020304", store.DiscoveryPending, store.DiscoveryConfirmed); err != nil {
		t.Fatalf("confirm flag: %v", err)
	}

	// the device re-announces; a confirmed decision must survive
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "P1"))
	disc, _ := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if disc.Status != store.DiscoveryConfirmed {
		t.Fatalf("re-discovery reset status to %q", disc.Status)
	}

	// a rejected one re-arms to PENDING
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001aabbcc", "Acme", "P1"))
	if _, err := repo.SetDiscoveredStatus(ctx, "hub-a", "00124b0001aabbcc", store.DiscoveryPending, store.DiscoveryRejected); err != nil {
		t.Fatalf("reject flag: %v", err)
	}
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001aabbcc", "Acme", "P1"))
	disc, _ = repo.DiscoveredDevice(ctx, "hub-a", "00124b0001aabbcc")
	if disc.Status != store.DiscoveryPending {
		t.Fatalf("rejected row did not re-arm: %q", disc.Status)
	}
}

func TestConfirmLegacyCreatesDevice(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "P1"))

	dev, err := m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "0x00124B0001020304", ModelID: "plug-acme"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if dev.Protocol != store.ProtocolZigbee || dev.ZigbeeIEEE == nil || *dev.ZigbeeIEEE != "00124b0001020304" {
		t.Fatalf("device = %+v", dev)
	}
	if dev.HomeID != 7 || dev.HubID != "hub-a" || dev.ModelID != "plug-acme" {
		t.Fatalf("device = %+v", dev)
	}
	if dev.LifecycleStatus != store.LifecycleClaimed {
		t.Fatalf("lifecycle = %q", dev.LifecycleStatus)
	}
	disc, _ := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if disc.Status != store.DiscoveryConfirmed {
		t.Fatalf("discovery status = %q", disc.Status)
	}
}

func TestConfirmRefusesUndiscoveredIEEE(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "00124b0009999999", ModelID: "plug-acme"})
	if !errors.Is(err, ErrNotDiscovered) {
		t.Fatalf("err = %v, want ErrNotDiscovered", err)
	}
}

func TestSerialFirstBindsExistingDevice(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	serial := "SN-1234"
	pre := store.Device{
		DeviceID: "lock-1", HomeID: 7, Protocol: store.ProtocolZigbee,
		InventorySerial: &serial, LifecycleStatus: store.LifecycleClaimed,
	}
	if err := repo.DB().Create(&pre).Error; err != nil {
		t.Fatalf("seed device: %v", err)
	}

	// the mode refuses to open without a claimed device row
	if _, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairSerialFirst, ClaimedSerial: "SN-unknown"}); !errors.Is(err, ErrSerialNotFound) {
		t.Fatalf("err = %v, want ErrSerialNotFound", err)
	}

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairSerialFirst, ClaimedSerial: serial})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "L1"))
	got, _ := repo.GetDevice(ctx, pre.ID)
	if got.LifecycleStatus != store.LifecycleClaiming {
		t.Fatalf("lifecycle after discovery = %q, want CLAIMING", got.LifecycleStatus)
	}

	dev, err := m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "00124b0001020304"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if dev.ID != pre.ID {
		t.Fatalf("confirm created a new device, want binding of %d, got %d", pre.ID, dev.ID)
	}
	if dev.ZigbeeIEEE == nil || *dev.ZigbeeIEEE != "00124b0001020304" || dev.HubID != "hub-a" {
		t.Fatalf("binding = %+v", dev)
	}
}

func TestTypeFirstRefusesFingerprintMismatch(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	seedCatalog(t, repo, store.CatalogModel{ModelID: "sensor-acme", DeviceType: "sensor", ZigbeeManufacturer: "Acme", ZigbeeModel: "S1"})

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairTypeFirst, ExpectedModelID: "plug-other"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "S1"))

	_, err = m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "00124b0001020304"})
	if !errors.Is(err, ErrModelMismatch) {
		t.Fatalf("err = %v, want ErrModelMismatch", err)
	}

	// an explicit operator override wins over the fingerprint
	dev, err := m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "00124b0001020304", ModelID: "plug-other"})
	if err != nil {
		t.Fatalf("explicit confirm: %v", err)
	}
	if dev.ModelID != "plug-other" {
		t.Fatalf("model = %q, want plug-other", dev.ModelID)
	}
}

func TestSessionExpiryIsLazy(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, -time.Second)
	ctx := context.Background()

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// expired before anyone used it: lookup reports absent and deletes the row
	if _, err := m.Confirm(ctx, ConfirmParams{Token: sess.Token, IEEE: "00124b0001020304"}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
	var count int64
	repo.DB().Model(&store.ZigbeePairingSession{}).Where("token = ?", sess.Token).Count(&count)
	if count != 0 {
		t.Fatal("expired session row was not removed")
	}

	// and discoveries no longer land anywhere
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "P1"))
	disc, _ := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if disc != nil {
		t.Fatalf("discovery after expiry was persisted: %+v", disc)
	}
}

func TestRejectMovesOnlyPendingRows(t *testing.T) {
	repo := newTestRepo(t)
	m := New(repo, &fakeClient{}, notify.Nop{}, time.Minute)
	ctx := context.Background()

	sess, err := m.Open(ctx, OpenParams{HubID: "hub-a", HomeID: 7, Mode: store.PairLegacy})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	m.HandleDiscovered(ctx, "hub-a", discoverReport("00124b0001020304", "Acme", "P1"))

	if err := m.Reject(ctx, sess.Token, "00124b0001020304"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	disc, _ := repo.DiscoveredDevice(ctx, "hub-a", "00124b0001020304")
	if disc.Status != store.DiscoveryRejected {
		t.Fatalf("status = %q", disc.Status)
	}

	// second reject has nothing PENDING to move
	if err := m.Reject(ctx, sess.Token, "00124b0001020304"); !errors.Is(err, ErrNotDiscovered) {
		t.Fatalf("err = %v, want ErrNotDiscovered", err)
	}
}
