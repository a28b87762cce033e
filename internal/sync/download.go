package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opDownloadAgentNew = "sync.download_agent.new"
	opDownloadPass     = "sync.download_pass"

	downloadPageLimit = 50
)

var errMissingChangeAgent = errors.New("change agent is required")

// ServerChange is one server-originated change-log record in the download feed.
type ServerChange struct {
	ServerChangeID int64   `json:"serverChangeID"`
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

// DownloadRequest asks the server for changes after the given row cursor.
type DownloadRequest struct {
	InstanceNumber  string `json:"instanceNumber"`
	Key             string `json:"key"`
	LastServerRowID int64  `json:"lastServerRowID"`
}

// DownloadResponse is one page of the server feed.
type DownloadResponse struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Data   []ServerChange `json:"data"`
}

// DownloadTransport pulls one feed page from the remote server.
type DownloadTransport interface {
	DownloadChanges(ctx context.Context, request DownloadRequest) (DownloadResponse, error)
}

// DownloadAgentConfig bundles dependencies for constructing a DownloadAgent.
type DownloadAgentConfig struct {
	Database       *gorm.DB
	Transport      DownloadTransport
	Keys           SessionKeyProvider
	ChangeAgent    *ChangeAgent
	InstanceNumber string
	Logger         *zap.Logger
}

// DownloadAgent pulls the paginated server feed and replays every record
// through ChangeFromServer, which dedupes on ChangeID.
type DownloadAgent struct {
	db             *gorm.DB
	transport      DownloadTransport
	keys           SessionKeyProvider
	agent          *ChangeAgent
	instanceNumber string
	logger         *zap.Logger
}

// NewDownloadAgent constructs a DownloadAgent from validated configuration.
func NewDownloadAgent(cfg DownloadAgentConfig) (*DownloadAgent, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDownloadAgentNew, "missing_database", errMissingDatabase)
	}
	if cfg.Transport == nil {
		return nil, newServiceError(opDownloadAgentNew, "missing_transport", errMissingTransport)
	}
	if cfg.Keys == nil {
		return nil, newServiceError(opDownloadAgentNew, "missing_key_provider", errMissingKeyProvider)
	}
	if cfg.ChangeAgent == nil {
		return nil, newServiceError(opDownloadAgentNew, "missing_change_agent", errMissingChangeAgent)
	}
	if cfg.InstanceNumber == "" {
		return nil, newServiceError(opDownloadAgentNew, "missing_instance_number", errMissingInstanceConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DownloadAgent{
		db:             cfg.Database,
		transport:      cfg.Transport,
		keys:           cfg.Keys,
		agent:          cfg.ChangeAgent,
		instanceNumber: cfg.InstanceNumber,
		logger:         logger,
	}, nil
}

// RunDownloadPass pulls feed pages starting at the persisted cursor until a
// page comes back empty. The cursor only advances after every record in the
// page has been appended, so a failed pass replays the page; duplicates are
// absorbed by the change agent.
func (a *DownloadAgent) RunDownloadPass(ctx context.Context) (PassResult, error) {
	var instance Instance
	err := a.db.WithContext(ctx).Where("number = ?", a.instanceNumber).Take(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !instance.Initialized) {
		return PassResult{}, newServiceError(opDownloadPass, "not_initialized", ErrNotInitialized)
	}
	if err != nil {
		return PassResult{}, newServiceError(opDownloadPass, "instance_lookup_failed", err)
	}

	key, err := a.keys.SessionKey(ctx, a.instanceNumber)
	if err != nil {
		return PassResult{}, newServiceError(opDownloadPass, "missing_session_key", err)
	}

	result := PassResult{}
	cursor := instance.LastServerRowID
	for {
		response, err := a.transport.DownloadChanges(ctx, DownloadRequest{
			InstanceNumber:  a.instanceNumber,
			Key:             key,
			LastServerRowID: cursor,
		})
		if err != nil {
			a.logError(opDownloadPass, "page_fetch_failed", err, zap.Int64("cursor", cursor))
			result.Failed++
			return result, nil
		}
		if response.Status != "ok" {
			a.logError(opDownloadPass, "server_rejected", ErrServerRejected, zap.String("server_error", response.Error))
			result.Failed++
			return result, nil
		}
		if len(response.Data) == 0 {
			return result, nil
		}

		highest := cursor
		for _, record := range response.Data {
			serverID := record.ServerChangeID
			outcome, err := a.agent.ChangeFromServer(ctx, ChangeRequest{
				ChangeID:       record.ChangeID,
				InstanceNumber: record.InstanceNumber,
				Type:           ChangeType(record.Type),
				CID:            record.CID,
				Name:           record.Name,
				OldNumber:      record.OldNumber,
				Number:         record.Number,
				ParentNumber:   record.ParentNumber,
				Trustability:   Trustability(record.Trustability),
				CounterValue:   record.CounterValue,
				ServerChangeID: &serverID,
			})
			if err != nil {
				a.logError(opDownloadPass, "replay_failed", err, zap.String("change_id", record.ChangeID))
				result.Failed++
				result.Remaining = 1
				return result, nil
			}
			if !outcome.Duplicate {
				result.Processed++
			}
			if serverID > highest {
				highest = serverID
			}
		}

		if highest > cursor {
			if err := a.db.WithContext(ctx).Model(&Instance{}).
				Where("number = ?", a.instanceNumber).
				Update("last_server_row_id", highest).Error; err != nil {
				return result, newServiceError(opDownloadPass, "cursor_update_failed", err)
			}
			cursor = highest
			continue
		}
		return result, nil
	}
}

func (a *DownloadAgent) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("download agent error", attrs...)
}
