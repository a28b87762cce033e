package sync

import (
	"context"
	"errors"

	"github.com/perchlabs/dialtone/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opReconcilerNew = "sync.reconciler.new"
	opReconcilePass = "sync.reconcile_pass"
)

var errMissingProvider = errors.New("provider snapshot is required")

// ProviderRow is one (contact, number) tuple from the external provider's
// contact cursor.
type ProviderRow struct {
	NativeID     string
	DisplayName  string
	RawNumber    string
	VersionStamp int64
}

// ProviderSnapshot exposes the external provider's current contact state so
// the reconciler can run against an in-memory fake in tests.
type ProviderSnapshot interface {
	ContactRows(ctx context.Context) ([]ProviderRow, error)
}

// ReconcilerConfig bundles dependencies for constructing a Reconciler.
type ReconcilerConfig struct {
	Database       *gorm.DB
	Provider       ProviderSnapshot
	ChangeAgent    *ChangeAgent
	InstanceNumber string
	Logger         *zap.Logger
}

// Reconciler diffs the local contact-number aggregate against the external
// provider and emits corrective change-log entries through the change
// agent. It never mutates the aggregate tables directly, so every detected
// drift rides the same queue, retry and upload machinery as a user edit.
type Reconciler struct {
	db             *gorm.DB
	provider       ProviderSnapshot
	agent          *ChangeAgent
	instanceNumber string
	logger         *zap.Logger
}

// NewReconciler constructs a Reconciler from validated configuration.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opReconcilerNew, "missing_database", errMissingDatabase)
	}
	if cfg.Provider == nil {
		return nil, newServiceError(opReconcilerNew, "missing_provider", errMissingProvider)
	}
	if cfg.ChangeAgent == nil {
		return nil, newServiceError(opReconcilerNew, "missing_change_agent", errMissingChangeAgent)
	}
	if cfg.InstanceNumber == "" {
		return nil, newServiceError(opReconcilerNew, "missing_instance_number", errMissingInstanceConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Reconciler{
		db:             cfg.Database,
		provider:       cfg.Provider,
		agent:          cfg.ChangeAgent,
		instanceNumber: cfg.InstanceNumber,
		logger:         logger,
	}, nil
}

type seenNumber struct {
	number  string
	name    string
	version int64
}

// pendingIntents indexes not-yet-executed change-log entries so a second
// reconcile pass does not re-emit drift that is already queued.
type pendingIntents struct {
	contactInserts map[string]struct{}
	contactDeletes map[string]struct{}
	numberInserts  map[string]struct{}
	numberDeletes  map[string]struct{}
	numberUpdates  map[string]int64
}

func intentKey(cid, number string) string {
	return cid + "|" + number
}

// RunReconcilePass runs insert detection against the provider cursor, then
// update/delete detection against the local aggregate. Emitted entries are
// reported as remaining work for the execute pass.
func (r *Reconciler) RunReconcilePass(ctx context.Context) (PassResult, error) {
	var instance Instance
	err := r.db.WithContext(ctx).Where("number = ?", r.instanceNumber).Take(&instance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !instance.Initialized) {
		return PassResult{}, newServiceError(opReconcilePass, "not_initialized", ErrNotInitialized)
	}
	if err != nil {
		return PassResult{}, newServiceError(opReconcilePass, "instance_lookup_failed", err)
	}

	rows, err := r.provider.ContactRows(ctx)
	if err != nil {
		return PassResult{}, newServiceError(opReconcilePass, "provider_read_failed", err)
	}

	localContacts, localNumbers, err := r.loadLocalState(ctx)
	if err != nil {
		return PassResult{}, err
	}
	pending, err := r.loadPendingIntents(ctx)
	if err != nil {
		return PassResult{}, err
	}

	result := PassResult{}
	emit := func(request ChangeRequest) error {
		if _, err := r.agent.ChangeFromClient(ctx, request); err != nil {
			return newServiceError(opReconcilePass, "emit_failed", err)
		}
		result.Processed++
		return nil
	}
	owner := r.instanceNumber

	// Phase 1: walk the provider cursor, detect inserts and build the map
	// consumed by phase 2.
	providerState := make(map[string][]seenNumber)
	emittedContacts := make(map[string]struct{})
	for _, row := range rows {
		cid, err := identity.DeriveCID(row.NativeID, r.instanceNumber)
		if err != nil {
			r.logError(opReconcilePass, "cid_derivation_failed", err, zap.String("native_id", row.NativeID))
			continue
		}
		number, err := identity.NormalizeNumber(row.RawNumber)
		if err != nil {
			r.logError(opReconcilePass, "number_invalid", err, zap.String("native_id", row.NativeID))
			continue
		}

		key := cid.String()
		providerState[key] = append(providerState[key], seenNumber{
			number:  number.String(),
			name:    row.DisplayName,
			version: row.VersionStamp,
		})

		if _, local := localContacts[key]; !local {
			_, queued := pending.contactInserts[key]
			_, emitted := emittedContacts[key]
			if !queued && !emitted {
				emittedContacts[key] = struct{}{}
				if err := emit(ChangeRequest{
					InstanceNumber: &owner,
					Type:           ChangeContactInsert,
					CID:            key,
					Name:           row.DisplayName,
					ParentNumber:   owner,
				}); err != nil {
					return result, err
				}
			}
		}

		numberKey := intentKey(key, number.String())
		if _, local := localNumbers[numberKey]; !local {
			if _, queued := pending.numberInserts[numberKey]; !queued {
				pending.numberInserts[numberKey] = struct{}{}
				if err := emit(ChangeRequest{
					InstanceNumber: &owner,
					Type:           ChangeContactNumberInsert,
					CID:            key,
					Name:           row.DisplayName,
					Number:         number.String(),
					Trustability:   TrustabilityTrusted,
					CounterValue:   row.VersionStamp,
				}); err != nil {
					return result, err
				}
			}
		}
	}

	// Phase 2: walk the local aggregate, detect external deletes and updates.
	deletedContacts := make(map[string]struct{})
	for key, local := range localNumbers {
		seen := providerState[local.CID]
		if len(seen) == 0 {
			_, queued := pending.contactDeletes[local.CID]
			_, emitted := deletedContacts[local.CID]
			if !queued && !emitted {
				deletedContacts[local.CID] = struct{}{}
				if err := emit(ChangeRequest{
					InstanceNumber: &owner,
					Type:           ChangeContactDelete,
					CID:            local.CID,
					Trustability:   TrustabilityTrusted,
				}); err != nil {
					return result, err
				}
			}
			continue
		}

		var match *seenNumber
		for index := range seen {
			if seen[index].number == local.Number {
				match = &seen[index]
				break
			}
		}
		if match == nil {
			if _, queued := pending.numberDeletes[key]; !queued {
				if err := emit(ChangeRequest{
					InstanceNumber: &owner,
					Type:           ChangeContactNumberDelete,
					CID:            local.CID,
					Number:         local.Number,
					Trustability:   TrustabilityTrusted,
				}); err != nil {
					return result, err
				}
			}
			continue
		}

		// Unchanged version stamps short-circuit: present on both sides with
		// an equal stamp produces no event.
		if match.version == local.VersionNumber {
			continue
		}
		if queuedVersion, queued := pending.numberUpdates[key]; queued && queuedVersion == match.version {
			continue
		}
		if err := emit(ChangeRequest{
			InstanceNumber: &owner,
			Type:           ChangeContactNumberUpdate,
			CID:            local.CID,
			Name:           match.name,
			OldNumber:      local.Number,
			Number:         match.number,
			Trustability:   TrustabilityTrusted,
			CounterValue:   match.version,
		}); err != nil {
			return result, err
		}
	}

	result.Remaining = int64(result.Processed)
	return result, nil
}

func (r *Reconciler) loadLocalState(ctx context.Context) (map[string]Contact, map[string]ContactNumber, error) {
	var contacts []Contact
	if err := r.db.WithContext(ctx).
		Where("parent_number = ?", r.instanceNumber).
		Find(&contacts).Error; err != nil {
		return nil, nil, newServiceError(opReconcilePass, "contact_query_failed", err)
	}
	contactsByCID := make(map[string]Contact, len(contacts))
	for _, contact := range contacts {
		contactsByCID[contact.CID] = contact
	}

	var numbers []ContactNumber
	if err := r.db.WithContext(ctx).Find(&numbers).Error; err != nil {
		return nil, nil, newServiceError(opReconcilePass, "number_query_failed", err)
	}
	numbersByKey := make(map[string]ContactNumber, len(numbers))
	for _, row := range numbers {
		numbersByKey[intentKey(row.CID, row.Number)] = row
	}
	return contactsByCID, numbersByKey, nil
}

func (r *Reconciler) loadPendingIntents(ctx context.Context) (pendingIntents, error) {
	pending := pendingIntents{
		contactInserts: make(map[string]struct{}),
		contactDeletes: make(map[string]struct{}),
		numberInserts:  make(map[string]struct{}),
		numberDeletes:  make(map[string]struct{}),
		numberUpdates:  make(map[string]int64),
	}

	var queued []ChangeLog
	if err := r.db.WithContext(ctx).Model(&ChangeLog{}).
		Select("change_log.*").
		Joins("JOIN queue_to_execute ON queue_to_execute.change_id = change_log.change_id").
		Find(&queued).Error; err != nil {
		return pending, newServiceError(opReconcilePass, "pending_query_failed", err)
	}

	for _, change := range queued {
		switch change.Type {
		case ChangeContactInsert:
			pending.contactInserts[change.CID] = struct{}{}
		case ChangeContactDelete:
			pending.contactDeletes[change.CID] = struct{}{}
		case ChangeContactNumberInsert:
			pending.numberInserts[intentKey(change.CID, change.Number)] = struct{}{}
		case ChangeContactNumberDelete:
			pending.numberDeletes[intentKey(change.CID, change.Number)] = struct{}{}
		case ChangeContactNumberUpdate:
			pending.numberUpdates[intentKey(change.CID, change.OldNumber)] = change.CounterValue
		}
	}
	return pending, nil
}

func (r *Reconciler) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("reconciler error", attrs...)
}
