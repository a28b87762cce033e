package sync

import (
	"context"
	"errors"

	"github.com/perchlabs/dialtone/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opCallLogNew  = "sync.call_log.new"
	opCallLogPass = "sync.call_log_pass"
)

var errMissingCallLog = errors.New("call log snapshot is required")

// CallEventRow is one entry from the provider's call-event cursor.
type CallEventRow struct {
	RawNumber       string
	Type            string
	EpochDateMillis int64
	DurationSeconds int64
	Location        string
}

// CallLogSnapshot exposes the provider's call log for ingestion.
type CallLogSnapshot interface {
	CallRows(ctx context.Context) ([]CallEventRow, error)
}

// CallLogIngesterConfig bundles dependencies for the call-log ingester.
type CallLogIngesterConfig struct {
	Database *gorm.DB
	Provider CallLogSnapshot
	Logger   *zap.Logger
}

// CallLogIngester records provider call events as normalized rows. The
// (number, epoch date) key makes re-reading the cursor insert-ignored, so
// repeated passes converge. Call events never feed contact drift detection.
type CallLogIngester struct {
	db       *gorm.DB
	provider CallLogSnapshot
	logger   *zap.Logger
}

// NewCallLogIngester constructs a CallLogIngester from validated configuration.
func NewCallLogIngester(cfg CallLogIngesterConfig) (*CallLogIngester, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCallLogNew, "missing_database", errMissingDatabase)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opCallLogNew, "missing_provider", errMissingCallLog)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &CallLogIngester{db: cfg.Database, provider: cfg.Provider, logger: logger}, nil
}

// RunCallLogPass reads the call cursor and inserts any events not yet recorded.
func (i *CallLogIngester) RunCallLogPass(ctx context.Context) (PassResult, error) {
	rows, err := i.provider.CallRows(ctx)
	if err != nil {
		return PassResult{}, newServiceError(opCallLogPass, "provider_read_failed", err)
	}

	result := PassResult{}
	for _, row := range rows {
		number, err := identity.NormalizeNumber(row.RawNumber)
		if err != nil {
			i.logger.Warn("call event with unusable number skipped",
				zap.String("operation", opCallLogPass),
				zap.Error(err))
			continue
		}
		event := CallEvent{
			Number:          number.String(),
			EpochDateMillis: row.EpochDateMillis,
			Type:            row.Type,
			DurationSeconds: row.DurationSeconds,
			Location:        row.Location,
		}
		created := i.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&event)
		if created.Error != nil {
			result.Failed++
			i.logger.Error("call event insert failed",
				zap.String("operation", opCallLogPass),
				zap.String("number", event.Number),
				zap.Error(created.Error))
			continue
		}
		if created.RowsAffected > 0 {
			result.Processed++
		}
	}
	return result, nil
}

// RecentCalls lists the most recent recorded call events, newest first.
func (i *CallLogIngester) RecentCalls(ctx context.Context, limit int) ([]CallEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []CallEvent
	if err := i.db.WithContext(ctx).
		Order("epoch_date_ms DESC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, newServiceError(opCallLogPass, "query_failed", err)
	}
	return events, nil
}
