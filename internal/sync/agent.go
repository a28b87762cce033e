package sync

import (
	"context"
	"errors"
	"time"

	"github.com/perchlabs/dialtone/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opChangeAgentNew   = "sync.change_agent.new"
	opChangeFromClient = "sync.change_from_client"
	opChangeFromServer = "sync.change_from_server"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ChangeAgentConfig bundles the dependencies for constructing a ChangeAgent.
type ChangeAgentConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// ChangeAgent is the only writer of the change log. It appends an intent and
// atomically enqueues it for execution (and, for client-originated changes,
// for upload) in one transaction.
type ChangeAgent struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewChangeAgent constructs a ChangeAgent from validated configuration.
func NewChangeAgent(cfg ChangeAgentConfig) (*ChangeAgent, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opChangeAgentNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ChangeAgent{db: cfg.Database, clock: clock, logger: logger}, nil
}

// ChangeRequest describes one mutation intent to append.
type ChangeRequest struct {
	// ChangeID is generated when empty; callers replaying a known change
	// (the server download path) supply it so duplicates are ignored.
	ChangeID       string
	InstanceNumber *string
	Type           ChangeType
	CID            string
	Name           string
	OldNumber      string
	Number         string
	ParentNumber   string
	Trustability   Trustability
	CounterValue   int64
	ServerChangeID *int64
}

// ChangeOutcome reports what the append did.
type ChangeOutcome struct {
	Change    ChangeLog
	Duplicate bool
}

// ChangeFromClient appends a client-originated change and enqueues it on
// both the execution and upload queues. Replaying the same ChangeID is a
// no-op.
func (a *ChangeAgent) ChangeFromClient(ctx context.Context, request ChangeRequest) (ChangeOutcome, error) {
	return a.append(ctx, opChangeFromClient, request, true)
}

// ChangeFromServer appends a server-originated change and enqueues it on the
// execution queue only, so it is never echoed back to the server. Replaying
// the same ChangeID is a no-op.
func (a *ChangeAgent) ChangeFromServer(ctx context.Context, request ChangeRequest) (ChangeOutcome, error) {
	return a.append(ctx, opChangeFromServer, request, false)
}

func (a *ChangeAgent) append(ctx context.Context, operation string, request ChangeRequest, enqueueUpload bool) (ChangeOutcome, error) {
	if !ValidChangeType(request.Type) {
		a.logError(operation, "invalid_change_type", ErrInvalidChangeType, zap.String("change_type", string(request.Type)))
		return ChangeOutcome{}, newServiceError(operation, "invalid_change_type", ErrInvalidChangeType)
	}
	if request.InstanceNumber == nil && request.Type != ChangeInstanceInsert {
		a.logError(operation, "missing_instance_number", ErrMissingInstanceNumber, zap.String("change_type", string(request.Type)))
		return ChangeOutcome{}, newServiceError(operation, "missing_instance_number", ErrMissingInstanceNumber)
	}

	changeID := request.ChangeID
	if changeID == "" {
		changeID = identity.NewChangeID()
	}
	changeTime := a.clock().UTC().UnixMilli()

	record := ChangeLog{
		ChangeID:         changeID,
		InstanceNumber:   request.InstanceNumber,
		ChangeTimeMillis: changeTime,
		Type:             request.Type,
		CID:              request.CID,
		Name:             request.Name,
		OldNumber:        request.OldNumber,
		Number:           request.Number,
		ParentNumber:     request.ParentNumber,
		Trustability:     request.Trustability,
		CounterValue:     request.CounterValue,
		ServerChangeID:   request.ServerChangeID,
	}

	duplicate := false
	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		createResult := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if createResult.Error != nil {
			return newServiceError(operation, "change_insert_failed", createResult.Error)
		}
		if createResult.RowsAffected == 0 {
			// Duplicate ChangeID: the earlier append already produced the
			// queue rows, and they may have been legitimately consumed since.
			duplicate = true
			return nil
		}

		executeRow := QueueToExecute{ChangeID: changeID, CreateTimeMillis: changeTime}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&executeRow).Error; err != nil {
			return newServiceError(operation, "execute_enqueue_failed", err)
		}

		if enqueueUpload {
			uploadRow := QueueToUpload{ChangeID: changeID, CreateTimeMillis: changeTime}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&uploadRow).Error; err != nil {
				return newServiceError(operation, "upload_enqueue_failed", err)
			}
		}
		return nil
	})
	if txErr != nil {
		a.logError(operation, "transaction_failed", txErr, zap.String("change_id", changeID))
		return ChangeOutcome{}, txErr
	}

	if duplicate {
		a.logger.Debug("duplicate change ignored",
			zap.String("operation", operation),
			zap.String("change_id", changeID))
	}
	return ChangeOutcome{Change: record, Duplicate: duplicate}, nil
}

func (a *ChangeAgent) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.loggerOrDefault().Error("change agent error", attrs...)
}

func (a *ChangeAgent) loggerOrDefault() *zap.Logger {
	if a == nil || a.logger == nil {
		return noOpLogger
	}
	return a.logger
}
