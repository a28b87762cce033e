package sync

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestBootstrapper(t *testing.T, db *gorm.DB) *Bootstrapper {
	t.Helper()

	bootstrapper, err := NewBootstrapper(BootstrapperConfig{
		Database:       db,
		ChangeAgent:    newTestChangeAgent(t, db),
		ExecuteAgent:   newTestExecuteAgent(t, db),
		InstanceNumber: testInstanceNumber,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct bootstrapper: %v", err)
	}
	return bootstrapper
}

func TestEnsureInitializedCreatesInstance(t *testing.T) {
	db := newTestDB(t)
	bootstrapper := newTestBootstrapper(t, db)

	if err := bootstrapper.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var instance Instance
	if err := db.Where("number = ?", testInstanceNumber).Take(&instance).Error; err != nil {
		t.Fatalf("expected instance row: %v", err)
	}
	if !instance.Initialized {
		t.Fatal("expected initialized flag set")
	}
	if got := countRows(t, db, &QueueToExecute{}); got != 0 {
		t.Fatalf("bootstrap change must be executed, got %d queued rows", got)
	}
	// The bootstrap change is client-originated and still ships to the server.
	if got := countRows(t, db, &QueueToUpload{}); got != 1 {
		t.Fatalf("expected bootstrap change in upload queue, got %d rows", got)
	}
}

func TestEnsureInitializedIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	bootstrapper := newTestBootstrapper(t, db)

	if err := bootstrapper.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := bootstrapper.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error on second call: %v", err)
	}
	if got := countRows(t, db, &ChangeLog{}); got != 1 {
		t.Fatalf("expected single bootstrap change, got %d", got)
	}
}

func TestEnsureInitializedResumesAfterPartialBootstrap(t *testing.T) {
	db := newTestDB(t)
	bootstrapper := newTestBootstrapper(t, db)
	changeAgent := newTestChangeAgent(t, db)

	// Simulate a crash after the bootstrap change was appended but before the
	// execute pass ran: the deterministic change ID makes the retry replayable.
	if _, err := changeAgent.ChangeFromClient(context.Background(), ChangeRequest{
		ChangeID: "bootstrap-" + testInstanceNumber,
		Type:     ChangeInstanceInsert,
		Number:   testInstanceNumber,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := bootstrapper.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var instance Instance
	if err := db.Where("number = ?", testInstanceNumber).Take(&instance).Error; err != nil {
		t.Fatalf("expected instance row: %v", err)
	}
	if !instance.Initialized {
		t.Fatal("expected initialized flag set after resume")
	}
	if got := countRows(t, db, &ChangeLog{}); got != 1 {
		t.Fatalf("expected duplicate bootstrap change absorbed, got %d rows", got)
	}
}
