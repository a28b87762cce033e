package sync

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opBootstrapperNew = "sync.bootstrapper.new"
	opBootstrap       = "sync.bootstrap"
)

var errMissingExecuteAgent = errors.New("execute agent is required")

// BootstrapperConfig bundles dependencies for instance initialization.
type BootstrapperConfig struct {
	Database       *gorm.DB
	ChangeAgent    *ChangeAgent
	ExecuteAgent   *ExecuteAgent
	InstanceNumber string
	Logger         *zap.Logger
}

// Bootstrapper performs first-run initialization: it appends the bootstrap
// instance-insert change, executes it, and flips the initialized flag that
// gates every other subsystem.
type Bootstrapper struct {
	db             *gorm.DB
	agent          *ChangeAgent
	executor       *ExecuteAgent
	instanceNumber string
	logger         *zap.Logger
}

// NewBootstrapper constructs a Bootstrapper from validated configuration.
func NewBootstrapper(cfg BootstrapperConfig) (*Bootstrapper, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opBootstrapperNew, "missing_database", errMissingDatabase)
	}
	if cfg.ChangeAgent == nil {
		return nil, newServiceError(opBootstrapperNew, "missing_change_agent", errMissingChangeAgent)
	}
	if cfg.ExecuteAgent == nil {
		return nil, newServiceError(opBootstrapperNew, "missing_execute_agent", errMissingExecuteAgent)
	}
	if cfg.InstanceNumber == "" {
		return nil, newServiceError(opBootstrapperNew, "missing_instance_number", errMissingInstanceConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Bootstrapper{
		db:             cfg.Database,
		agent:          cfg.ChangeAgent,
		executor:       cfg.ExecuteAgent,
		instanceNumber: cfg.InstanceNumber,
		logger:         logger,
	}, nil
}

// EnsureInitialized is idempotent: an already-initialized instance returns
// immediately. Otherwise it appends the bootstrap change (the only
// change-log entry with a nil instance number), runs an execute pass so the
// instance row lands, and marks the instance initialized.
func (b *Bootstrapper) EnsureInitialized(ctx context.Context) error {
	var instance Instance
	err := b.db.WithContext(ctx).Where("number = ?", b.instanceNumber).Take(&instance).Error
	if err == nil && instance.Initialized {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opBootstrap, "instance_lookup_failed", err)
	}

	if _, err := b.agent.ChangeFromClient(ctx, ChangeRequest{
		// Deterministic ID keeps a crashed bootstrap replayable.
		ChangeID: "bootstrap-" + b.instanceNumber,
		Type:     ChangeInstanceInsert,
		Number:   b.instanceNumber,
	}); err != nil {
		return newServiceError(opBootstrap, "bootstrap_change_failed", err)
	}

	result, err := b.executor.RunExecutePass(ctx)
	if err != nil {
		return newServiceError(opBootstrap, "bootstrap_execute_failed", err)
	}
	if result.Failed > 0 {
		return newServiceError(opBootstrap, "bootstrap_execute_incomplete", nil)
	}

	if err := b.db.WithContext(ctx).Model(&Instance{}).
		Where("number = ?", b.instanceNumber).
		Update("initialized", true).Error; err != nil {
		return newServiceError(opBootstrap, "initialized_flag_failed", err)
	}

	b.logger.Info("instance initialized", zap.String("instance_number", b.instanceNumber))
	return nil
}
