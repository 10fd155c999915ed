package hubs

import (
	"context"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"home-control/internal/notify"
	"home-control/internal/store"
)

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

func TestHeartbeatRatchetsEverOnline(t *testing.T) {
	repo := newTestRepo(t)
	s := New(repo, notify.Nop{})
	ctx := context.Background()

	s.HandleStatus(ctx, "hub-a", []byte(`{"online":true,"fwVersion":"2.1.0","mac":"aa:bb","rssi":-42}`))
	row, err := repo.GetHubRuntime(ctx, "hub-a")
	if err != nil || row == nil {
		t.Fatalf("runtime: %v %v", row, err)
	}
	if !row.Online || !row.EverOnline || row.FirstSeenAt == nil {
		t.Fatalf("first heartbeat: %+v", row)
	}
	firstSeen := *row.FirstSeenAt

	// going offline never unsets the ratchet or first-seen
	s.HandleStatus(ctx, "hub-a", []byte(`{"online":false}`))
	row, _ = repo.GetHubRuntime(ctx, "hub-a")
	if row.Online || !row.EverOnline || row.FirstSeenAt == nil || !row.FirstSeenAt.Equal(firstSeen) {
		t.Fatalf("after offline: %+v", row)
	}
	// identity fields persist through a sparse heartbeat
	if row.FwVersion != "2.1.0" || row.MAC != "aa:bb" {
		t.Fatalf("identity lost: %+v", row)
	}

	s.HandleStatus(ctx, "hub-a", []byte(`{"online":true}`))
	row, _ = repo.GetHubRuntime(ctx, "hub-a")
	if !row.FirstSeenAt.Equal(firstSeen) {
		t.Fatal("first-seen moved on a later heartbeat")
	}
}

func TestHeartbeatWithoutOnlineFieldDropped(t *testing.T) {
	repo := newTestRepo(t)
	s := New(repo, notify.Nop{})
	ctx := context.Background()

	s.HandleStatus(ctx, "hub-a", []byte(`{"fwVersion":"2.1.0"}`))
	s.HandleStatus(ctx, "hub-a", []byte(`not json`))
	row, err := repo.GetHubRuntime(ctx, "hub-a")
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if row != nil {
		t.Fatalf("malformed heartbeat created a row: %+v", row)
	}
}

func TestStatusNotifiesBoundHomeOnly(t *testing.T) {
	repo := newTestRepo(t)
	rec := &notify.Recorder{}
	s := New(repo, rec)
	ctx := context.Background()

	s.HandleStatus(ctx, "hub-unbound", []byte(`{"online":true}`))
	if len(rec.Events) != 0 {
		t.Fatalf("unbound hub produced notifications: %+v", rec.Events)
	}

	if err := repo.DB().Create(&store.HubBinding{HubID: "hub-a", HomeID: 7}).Error; err != nil {
		t.Fatalf("bind: %v", err)
	}
	s.HandleStatus(ctx, "hub-a", []byte(`{"online":true}`))
	if len(rec.Events) != 1 || rec.Events[0].HomeID != 7 || rec.Events[0].Event != "hub_status" {
		t.Fatalf("events = %+v", rec.Events)
	}

	s.HandleZigbeeVersion(ctx, "hub-a", []byte(`{"version":"zStack 3.x"}`))
	row, _ := repo.GetHubRuntime(ctx, "hub-a")
	if row.ZBVersion != "zStack 3.x" {
		t.Fatalf("zb version = %q", row.ZBVersion)
	}
}
