package cover

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/mappedcover/internal/infrastructure/database"
	_ "github.com/nerrad567/mappedcover/migrations"
)

func newTestRegistry(t *testing.T) (*Registry, *Repository, *fakeTransport) {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "covers.db"),
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	transport := newFakeTransport()
	bus := NewBus(transport, 1, testLogger())
	if err := bus.Start(); err != nil {
		t.Fatalf("bus Start() error = %v", err)
	}

	repo := NewRepository(db)
	registry := NewRegistry(repo, bus, testLogger())
	t.Cleanup(registry.Stop)
	return registry, repo, transport
}

func registryCover(name, address string) *Cover {
	return &Cover{
		Name:           name,
		SourceProtocol: "knx",
		SourceAddress:  address,
		MaxPosition:    100,
		MaxTilt:        100,
		TiltDuringMove: true,
	}
}

func TestRegistry_StartLoadsPersistedCovers(t *testing.T) {
	registry, repo, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, c := range []*Cover{
		registryCover("Office Blind", "blind-office"),
		registryCover("Kitchen Blind", "blind-kitchen"),
	} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if n := len(registry.List()); n != 2 {
		t.Errorf("List() returned %d engines, want 2", n)
	}
}

func TestRegistry_AddGetRemove(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	mc, err := registry.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if mc.Config().Name != "Office Blind" {
		t.Errorf("engine config = %+v", mc.Config())
	}

	if err := registry.Remove(ctx, c.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := registry.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after remove error = %v, want ErrNotFound", err)
	}
	if err := registry.Remove(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_UpdateRestartsEngine(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	before, err := registry.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	c.MinPosition = 10
	c.MaxPosition = 90
	if err := registry.Update(ctx, c); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	after, err := registry.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() after update error = %v", err)
	}
	if after == before {
		t.Error("Update() should replace the running engine")
	}
	if after.Config().MinPosition != 10 || after.Config().MaxPosition != 90 {
		t.Errorf("restarted engine config = %+v", after.Config())
	}
}

func TestRegistry_RoutesMappedCommands(t *testing.T) {
	registry, _, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Seed source state so the engine has a current reading.
	err := transport.deliver(t, "graylogic/state/+/+",
		"graylogic/state/knx/blind-office", []byte(`{"position": 10, "motion": "idle"}`))
	if err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	err = transport.deliver(t, "graylogic/mapped/+/command",
		"graylogic/mapped/"+c.ID+"/command",
		[]byte(`{"command": "set_position", "position": 75}`))
	if err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	mc, err := registry.Get(c.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		pos, _ := mc.pendingTargets()
		return pos != nil && *pos == 75
	}, "command not routed to the engine")
}

func TestRegistry_RoutesStopCommand(t *testing.T) {
	registry, _, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	err := transport.deliver(t, "graylogic/mapped/+/command",
		"graylogic/mapped/"+c.ID+"/command", []byte(`{"command": "stop"}`))
	if err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		for _, pub := range transport.allPublished() {
			if pub.topic == "graylogic/command/knx/blind-office" {
				return true
			}
		}
		return false
	}, "stop not dispatched to the source")
}

func TestRegistry_HandleCommand_DropsBadInput(t *testing.T) {
	registry, _, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Unknown cover, unknown command, and set commands with no value are
	// all dropped without panicking.
	registry.handleCommand("cover-missing", MappedCommand{Command: "stop"})
	registry.handleCommand(c.ID, MappedCommand{Command: "self_destruct"})
	registry.handleCommand(c.ID, MappedCommand{Command: "set_position"})
	registry.handleCommand(c.ID, MappedCommand{Command: "set_tilt"})

	time.Sleep(50 * time.Millisecond)
	for _, pub := range transport.allPublished() {
		if pub.topic == "graylogic/command/knx/blind-office" {
			t.Errorf("bad input reached the source: %s", pub.payload)
		}
	}
}

func TestRegistry_SourceUpdateRepublishesMappedState(t *testing.T) {
	registry, _, transport := newTestRegistry(t)
	ctx := context.Background()

	if err := registry.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	c := registryCover("Office Blind", "blind-office")
	if err := registry.Add(ctx, c); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	err := transport.deliver(t, "graylogic/state/+/+",
		"graylogic/state/knx/blind-office", []byte(`{"position": 40}`))
	if err != nil {
		t.Fatalf("deliver error = %v", err)
	}

	stateTopic := "graylogic/mapped/" + c.ID + "/state"
	found := false
	for _, pub := range transport.allPublished() {
		if pub.topic == stateTopic && pub.retained {
			found = true
		}
	}
	if !found {
		t.Errorf("no retained mapped state published on %s", stateTopic)
	}
}

func (f *fakeTransport) allPublished() []publishRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishRecord, len(f.published))
	copy(out, f.published)
	return out
}
