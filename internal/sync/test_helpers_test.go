package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testInstanceNumber = "+15550001234"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:dialtone_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&Instance{},
		&ChangeLog{},
		&QueueToExecute{},
		&QueueToUpload{},
		&Contact{},
		&ContactNumber{},
		&TrustedNumber{},
		&Organization{},
		&MiscellaneousNumber{},
		&CallEvent{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestChangeAgent(t *testing.T, db *gorm.DB) *ChangeAgent {
	t.Helper()

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	agent, err := NewChangeAgent(ChangeAgentConfig{Database: db, Clock: clock, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to construct change agent: %v", err)
	}
	return agent
}

func newTestExecuteAgent(t *testing.T, db *gorm.DB) *ExecuteAgent {
	t.Helper()

	agent, err := NewExecuteAgent(ExecuteAgentConfig{
		Database:       db,
		InstanceNumber: testInstanceNumber,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct execute agent: %v", err)
	}
	return agent
}

func seedInitializedInstance(t *testing.T, db *gorm.DB) {
	t.Helper()

	instance := Instance{Number: testInstanceNumber, Initialized: true}
	if err := db.Create(&instance).Error; err != nil {
		t.Fatalf("failed to seed instance: %v", err)
	}
}

func instancePtr() *string {
	number := testInstanceNumber
	return &number
}

func drainExecuteQueue(t *testing.T, agent *ExecuteAgent) {
	t.Helper()

	for attempt := 0; attempt < 10; attempt++ {
		result, err := agent.RunExecutePass(context.Background())
		if err != nil {
			t.Fatalf("execute pass failed: %v", err)
		}
		if result.Failed > 0 {
			t.Fatalf("execute pass reported %d failed entries", result.Failed)
		}
		if !result.HasMoreWork() {
			return
		}
	}
	t.Fatalf("execute queue did not drain")
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()

	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}
