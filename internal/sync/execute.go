package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opExecuteAgentNew = "sync.execute_agent.new"
	opExecutePass     = "sync.execute_pass"

	executeBatchLimit = 64
)

var errMissingInstanceConfig = errors.New("instance number is required")

// ExecuteAgentConfig bundles dependencies for constructing an ExecuteAgent.
type ExecuteAgentConfig struct {
	Database       *gorm.DB
	InstanceNumber string
	Logger         *zap.Logger
}

// ExecuteAgent drains the execution queue in creation order and applies each
// pending change-log entry to the aggregate tables.
type ExecuteAgent struct {
	db             *gorm.DB
	instanceNumber string
	logger         *zap.Logger
}

// NewExecuteAgent constructs an ExecuteAgent from validated configuration.
func NewExecuteAgent(cfg ExecuteAgentConfig) (*ExecuteAgent, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opExecuteAgentNew, "missing_database", errMissingDatabase)
	}
	if cfg.InstanceNumber == "" {
		return nil, newServiceError(opExecuteAgentNew, "missing_instance_number", errMissingInstanceConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ExecuteAgent{db: cfg.Database, instanceNumber: cfg.InstanceNumber, logger: logger}, nil
}

// RunExecutePass applies pending entries oldest-first. Each entry runs in
// its own transaction; on failure the entry's error counters are bumped and
// the pass stops so creation order is preserved for the next drain.
func (a *ExecuteAgent) RunExecutePass(ctx context.Context) (PassResult, error) {
	initialized, err := a.instanceInitialized(ctx)
	if err != nil {
		return PassResult{}, newServiceError(opExecutePass, "instance_lookup_failed", err)
	}

	result := PassResult{}
	for {
		var pending []QueueToExecute
		query := a.db.WithContext(ctx).Model(&QueueToExecute{}).
			Select("queue_to_execute.*").
			Order("queue_to_execute.create_time_ms ASC, queue_to_execute.rowid ASC").
			Limit(executeBatchLimit)
		if !initialized {
			// Until the bootstrap instance row lands, only instance inserts run.
			query = query.Joins("JOIN change_log ON change_log.change_id = queue_to_execute.change_id").
				Where("change_log.change_type = ?", ChangeInstanceInsert)
		}
		if err := query.Find(&pending).Error; err != nil {
			return result, newServiceError(opExecutePass, "queue_query_failed", err)
		}
		if len(pending) == 0 {
			break
		}

		for _, entry := range pending {
			if err := a.executeEntry(ctx, entry); err != nil {
				a.logError(opExecutePass, "entry_failed", err, zap.String("change_id", entry.ChangeID))
				result.Failed++
				if countErr := a.markEntryFailed(ctx, entry.ChangeID); countErr != nil {
					a.logError(opExecutePass, "error_counter_update_failed", countErr, zap.String("change_id", entry.ChangeID))
				}
				remaining, remErr := a.pendingCount(ctx)
				if remErr != nil {
					return result, newServiceError(opExecutePass, "queue_count_failed", remErr)
				}
				result.Remaining = remaining
				return result, nil
			}
			result.Processed++
		}
	}

	remaining, err := a.pendingCount(ctx)
	if err != nil {
		return result, newServiceError(opExecutePass, "queue_count_failed", err)
	}
	result.Remaining = remaining
	return result, nil
}

func (a *ExecuteAgent) instanceInitialized(ctx context.Context) (bool, error) {
	var instance Instance
	err := a.db.WithContext(ctx).Where("number = ?", a.instanceNumber).Take(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return instance.Initialized, nil
}

func (a *ExecuteAgent) pendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&QueueToExecute{}).Count(&count).Error
	return count, err
}

func (a *ExecuteAgent) markEntryFailed(ctx context.Context, changeID string) error {
	if err := a.db.WithContext(ctx).Model(&QueueToExecute{}).
		Where("change_id = ?", changeID).
		Update("error_counter", gorm.Expr("error_counter + 1")).Error; err != nil {
		return err
	}
	return a.db.WithContext(ctx).Model(&ChangeLog{}).
		Where("change_id = ?", changeID).
		Update("error_counter", gorm.Expr("error_counter + 1")).Error
}

// executeEntry applies one change and removes its queue row in a single
// transaction. The change log itself is retained for audit and upload.
func (a *ExecuteAgent) executeEntry(ctx context.Context, entry QueueToExecute) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var change ChangeLog
		err := tx.Where("change_id = ?", entry.ChangeID).Take(&change).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Orphaned queue row; the cascade should prevent this, but a
			// missing log entry leaves nothing to apply.
			return tx.Where("change_id = ?", entry.ChangeID).Delete(&QueueToExecute{}).Error
		}
		if err != nil {
			return err
		}

		if err := a.applyChange(tx, change); err != nil {
			return err
		}

		return tx.Where("change_id = ?", entry.ChangeID).Delete(&QueueToExecute{}).Error
	})
}

func (a *ExecuteAgent) applyChange(tx *gorm.DB, change ChangeLog) error {
	switch change.Type {
	case ChangeContactInsert:
		return a.applyContactInsert(tx, change)
	case ChangeContactDelete:
		return a.applyContactDelete(tx, change)
	case ChangeContactNumberInsert:
		return a.applyContactNumberInsert(tx, change)
	case ChangeContactNumberUpdate:
		return a.applyContactNumberUpdate(tx, change)
	case ChangeContactNumberDelete:
		return a.applyContactNumberDelete(tx, change)
	case ChangeInstanceInsert:
		return a.applyInstanceInsert(tx, change)
	case ChangeInstanceDelete:
		return a.applyInstanceDelete(tx, change)
	}
	return fmt.Errorf("%w: %q", ErrInvalidChangeType, change.Type)
}

func (a *ExecuteAgent) applyContactInsert(tx *gorm.DB, change ChangeLog) error {
	parent := change.ParentNumber
	if parent == "" && change.InstanceNumber != nil {
		parent = *change.InstanceNumber
	}
	contact := Contact{CID: change.CID, ParentNumber: parent, Name: change.Name}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&contact).Error
}

func (a *ExecuteAgent) applyContactNumberInsert(tx *gorm.DB, change ChangeLog) error {
	row := ContactNumber{
		CID:           change.CID,
		Number:        change.Number,
		Name:          change.Name,
		VersionNumber: change.CounterValue,
	}
	created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if created.Error != nil {
		return created.Error
	}
	if created.RowsAffected == 0 {
		// Replay or vanished contact: the guard keeps counters untouched.
		return nil
	}
	return incrementClassification(tx, change.Trustability, change.Number)
}

func (a *ExecuteAgent) applyContactNumberUpdate(tx *gorm.DB, change ChangeLog) error {
	oldNumber := change.OldNumber
	if oldNumber == "" {
		oldNumber = change.Number
	}

	deleted := tx.Where("cid = ? AND number = ?", change.CID, oldNumber).Delete(&ContactNumber{})
	if deleted.Error != nil {
		return deleted.Error
	}
	if deleted.RowsAffected > 0 {
		if err := decrementClassification(tx, change.Trustability, oldNumber); err != nil {
			return err
		}
	}

	row := ContactNumber{
		CID:           change.CID,
		Number:        change.Number,
		Name:          change.Name,
		VersionNumber: change.CounterValue,
	}
	created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if created.Error != nil {
		return created.Error
	}
	if created.RowsAffected == 0 {
		return nil
	}
	return incrementClassification(tx, change.Trustability, change.Number)
}

func (a *ExecuteAgent) applyContactNumberDelete(tx *gorm.DB, change ChangeLog) error {
	deleted := tx.Where("cid = ? AND number = ?", change.CID, change.Number).Delete(&ContactNumber{})
	if deleted.Error != nil {
		return deleted.Error
	}
	if deleted.RowsAffected == 0 {
		return nil
	}
	return decrementClassification(tx, change.Trustability, change.Number)
}

func (a *ExecuteAgent) applyContactDelete(tx *gorm.DB, change ChangeLog) error {
	var numbers []ContactNumber
	if err := tx.Where("cid = ?", change.CID).Find(&numbers).Error; err != nil {
		return err
	}
	for _, row := range numbers {
		deleted := tx.Where("cid = ? AND number = ?", row.CID, row.Number).Delete(&ContactNumber{})
		if deleted.Error != nil {
			return deleted.Error
		}
		if deleted.RowsAffected > 0 {
			if err := decrementClassification(tx, change.Trustability, row.Number); err != nil {
				return err
			}
		}
	}
	return tx.Where("cid = ?", change.CID).Delete(&Contact{}).Error
}

func (a *ExecuteAgent) applyInstanceInsert(tx *gorm.DB, change ChangeLog) error {
	number := change.Number
	if number == "" {
		number = change.ParentNumber
	}
	if number == "" {
		return fmt.Errorf("%w: instance insert without number", ErrMissingInstanceNumber)
	}
	instance := Instance{Number: number}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&instance).Error
}

func (a *ExecuteAgent) applyInstanceDelete(tx *gorm.DB, change ChangeLog) error {
	number := change.Number
	if number == "" {
		number = change.ParentNumber
	}

	var contacts []Contact
	if err := tx.Where("parent_number = ?", number).Find(&contacts).Error; err != nil {
		return err
	}
	for _, contact := range contacts {
		removal := change
		removal.CID = contact.CID
		if err := a.applyContactDelete(tx, removal); err != nil {
			return err
		}
	}
	return tx.Where("number = ?", number).Delete(&Instance{}).Error
}

// incrementClassification adds one reference to the bare number's
// classification row, creating it with counter 1 when absent.
func incrementClassification(tx *gorm.DB, value Trustability, number string) error {
	table, err := classificationTableName(value)
	if err != nil {
		return err
	}
	statement := fmt.Sprintf(
		"INSERT INTO %s (number, counter, trustability) VALUES (?, 1, ?) "+
			"ON CONFLICT(number) DO UPDATE SET counter = counter + 1", table)
	return tx.Exec(statement, number, string(value)).Error
}

// decrementClassification removes one reference and deletes the row when the
// count reaches zero, so counter >= 1 holds whenever the row exists.
func decrementClassification(tx *gorm.DB, value Trustability, number string) error {
	table, err := classificationTableName(value)
	if err != nil {
		return err
	}
	update := fmt.Sprintf("UPDATE %s SET counter = counter - 1 WHERE number = ?", table)
	if err := tx.Exec(update, number).Error; err != nil {
		return err
	}
	cleanup := fmt.Sprintf("DELETE FROM %s WHERE number = ? AND counter <= 0", table)
	return tx.Exec(cleanup, number).Error
}

func (a *ExecuteAgent) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("execute agent error", attrs...)
}
