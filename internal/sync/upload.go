package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opUploadAgentNew = "sync.upload_agent.new"
	opUploadPass     = "sync.upload_pass"

	defaultUploadChunkSize = 25
)

var (
	errMissingTransport   = errors.New("upload transport is required")
	errMissingKeyProvider = errors.New("session key provider is required")
	// ErrServerRejected indicates the server answered with a non-ok status.
	ErrServerRejected = errors.New("sync: server rejected request")
	// ErrNotInitialized indicates the local instance has not completed bootstrap.
	ErrNotInitialized = errors.New("sync: instance not initialized")
)

// UploadEntry is one serialized change-log row with its queue sequence
// number, the unit the server acknowledges by cut point.
type UploadEntry struct {
	SeqNo          int64   `json:"seqNo"`
	ChangeID       string  `json:"changeID"`
	InstanceNumber *string `json:"instanceNumber"`
	ChangeTime     int64   `json:"changeTime"`
	Type           string  `json:"type"`
	CID            string  `json:"cid"`
	Name           string  `json:"name,omitempty"`
	OldNumber      string  `json:"oldNumber,omitempty"`
	Number         string  `json:"number,omitempty"`
	ParentNumber   string  `json:"parentNumber,omitempty"`
	Trustability   string  `json:"trustability,omitempty"`
	CounterValue   int64   `json:"counterValue,omitempty"`
}

// UploadRequest is the wire payload shipped to the sync server.
type UploadRequest struct {
	InstanceNumber string        `json:"instanceNumber"`
	Key            string        `json:"key"`
	Changes        []UploadEntry `json:"changes"`
}

// UploadResponse is the server acknowledgement. LastUploadedRowID is the
// highest sequence number durably accepted.
type UploadResponse struct {
	Status            string `json:"status"`
	Error             string `json:"error,omitempty"`
	LastUploadedRowID int64  `json:"lastUploadedRowID"`
}

// UploadTransport ships one batch to the remote server.
type UploadTransport interface {
	UploadChanges(ctx context.Context, request UploadRequest) (UploadResponse, error)
}

// SessionKeyProvider resolves the stored session credential for an instance.
type SessionKeyProvider interface {
	SessionKey(ctx context.Context, instanceNumber string) (string, error)
}

// UploadAgentConfig bundles dependencies for constructing an UploadAgent.
type UploadAgentConfig struct {
	Database       *gorm.DB
	Transport      UploadTransport
	Keys           SessionKeyProvider
	InstanceNumber string
	ChunkSize      int
	Logger         *zap.Logger
}

// UploadAgent drains the upload queue in fixed-size chunks ordered by
// sequence number and deletes the acknowledged prefix.
type UploadAgent struct {
	db             *gorm.DB
	transport      UploadTransport
	keys           SessionKeyProvider
	instanceNumber string
	chunkSize      int
	logger         *zap.Logger
}

// NewUploadAgent constructs an UploadAgent from validated configuration.
func NewUploadAgent(cfg UploadAgentConfig) (*UploadAgent, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opUploadAgentNew, "missing_database", errMissingDatabase)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opUploadAgentNew, "missing_transport", errMissingTransport)
	}
	if cfg.Keys == nil {
		return nil, newServiceError(opUploadAgentNew, "missing_key_provider", errMissingKeyProvider)
	}
	if cfg.InstanceNumber == "" {
		return nil, newServiceError(opUploadAgentNew, "missing_instance_number", errMissingInstanceConfig)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultUploadChunkSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &UploadAgent{
		db:             cfg.Database,
		transport:      cfg.Transport,
		keys:           cfg.Keys,
		instanceNumber: cfg.InstanceNumber,
		chunkSize:      chunkSize,
		logger:         logger,
	}, nil
}

// RunUploadPass ships one chunk. Success deletes every queue row with
// sequence number at or below the acknowledged cut point; failure bumps the
// error counters of the attempted batch and leaves the queue untouched, so
// the identical batch retries. The server deduplicates by ChangeID, which
// makes a verbatim resend safe.
func (a *UploadAgent) RunUploadPass(ctx context.Context) (PassResult, error) {
	var queued []QueueToUpload
	if err := a.db.WithContext(ctx).
		Order("seq_no ASC").
		Limit(a.chunkSize).
		Find(&queued).Error; err != nil {
		return PassResult{}, newServiceError(opUploadPass, "queue_query_failed", err)
	}
	if len(queued) == 0 {
		return PassResult{}, nil
	}

	key, err := a.keys.SessionKey(ctx, a.instanceNumber)
	if err != nil {
		return PassResult{}, newServiceError(opUploadPass, "missing_session_key", err)
	}

	request, err := a.buildRequest(ctx, key, queued)
	if err != nil {
		return PassResult{}, err
	}

	response, err := a.transport.UploadChanges(ctx, request)
	if err != nil || response.Status != "ok" {
		if err == nil {
			err = newServiceError(opUploadPass, "server_rejected",
				newServiceError(opUploadPass, response.Error, ErrServerRejected))
		}
		a.logError(opUploadPass, "batch_failed", err, zap.Int("batch_size", len(queued)))
		if countErr := a.markBatchFailed(ctx, queued); countErr != nil {
			a.logError(opUploadPass, "error_counter_update_failed", countErr)
		}
		remaining, remErr := a.pendingCount(ctx)
		if remErr != nil {
			return PassResult{Failed: len(queued)}, newServiceError(opUploadPass, "queue_count_failed", remErr)
		}
		return PassResult{Failed: len(queued), Remaining: remaining}, nil
	}

	acknowledged := 0
	if response.LastUploadedRowID > 0 {
		deleted := a.db.WithContext(ctx).
			Where("seq_no <= ?", response.LastUploadedRowID).
			Delete(&QueueToUpload{})
		if deleted.Error != nil {
			return PassResult{}, newServiceError(opUploadPass, "acknowledged_delete_failed", deleted.Error)
		}
		acknowledged = int(deleted.RowsAffected)
	}

	remaining, err := a.pendingCount(ctx)
	if err != nil {
		return PassResult{Processed: acknowledged}, newServiceError(opUploadPass, "queue_count_failed", err)
	}
	return PassResult{Processed: acknowledged, Remaining: remaining}, nil
}

// buildRequest serializes the queued rows with their change-log payloads in
// ascending sequence order.
func (a *UploadAgent) buildRequest(ctx context.Context, key string, queued []QueueToUpload) (UploadRequest, error) {
	changeIDs := make([]string, 0, len(queued))
	for _, row := range queued {
		changeIDs = append(changeIDs, row.ChangeID)
	}

	var changes []ChangeLog
	if err := a.db.WithContext(ctx).Where("change_id IN ?", changeIDs).Find(&changes).Error; err != nil {
		return UploadRequest{}, newServiceError(opUploadPass, "change_lookup_failed", err)
	}
	byID := make(map[string]ChangeLog, len(changes))
	for _, change := range changes {
		byID[change.ChangeID] = change
	}

	entries := make([]UploadEntry, 0, len(queued))
	for _, row := range queued {
		change, ok := byID[row.ChangeID]
		if !ok {
			// Cascade should make this impossible; skip rather than abort.
			a.logError(opUploadPass, "orphaned_queue_row", nil, zap.String("change_id", row.ChangeID))
			continue
		}
		entries = append(entries, UploadEntry{
			SeqNo:          row.SeqNo,
			ChangeID:       change.ChangeID,
			InstanceNumber: change.InstanceNumber,
			ChangeTime:     change.ChangeTimeMillis,
			Type:           string(change.Type),
			CID:            change.CID,
			Name:           change.Name,
			OldNumber:      change.OldNumber,
			Number:         change.Number,
			ParentNumber:   change.ParentNumber,
			Trustability:   string(change.Trustability),
			CounterValue:   change.CounterValue,
		})
	}

	return UploadRequest{
		InstanceNumber: a.instanceNumber,
		Key:            key,
		Changes:        entries,
	}, nil
}

func (a *UploadAgent) markBatchFailed(ctx context.Context, queued []QueueToUpload) error {
	changeIDs := make([]string, 0, len(queued))
	for _, row := range queued {
		changeIDs = append(changeIDs, row.ChangeID)
	}
	if err := a.db.WithContext(ctx).Model(&QueueToUpload{}).
		Where("change_id IN ?", changeIDs).
		Update("error_counter", gorm.Expr("error_counter + 1")).Error; err != nil {
		return err
	}
	return a.db.WithContext(ctx).Model(&ChangeLog{}).
		Where("change_id IN ?", changeIDs).
		Update("error_counter", gorm.Expr("error_counter + 1")).Error
}

func (a *UploadAgent) pendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&QueueToUpload{}).Count(&count).Error
	return count, err
}

func (a *UploadAgent) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("upload agent error", attrs...)
}
