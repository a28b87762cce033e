package sync

import (
	"errors"
	"fmt"
)

// ChangeType enumerates supported change-log mutation intents.
type ChangeType string

const (
	// ChangeContactInsert creates a Contact aggregate row.
	ChangeContactInsert ChangeType = "contact_insert"
	// ChangeContactDelete removes a Contact and its numbers.
	ChangeContactDelete ChangeType = "contact_delete"
	// ChangeContactNumberInsert adds a number to a contact.
	ChangeContactNumberInsert ChangeType = "contact_number_insert"
	// ChangeContactNumberUpdate replaces a contact number or its version.
	ChangeContactNumberUpdate ChangeType = "contact_number_update"
	// ChangeContactNumberDelete removes a number from a contact.
	ChangeContactNumberDelete ChangeType = "contact_number_delete"
	// ChangeInstanceInsert registers a device installation.
	ChangeInstanceInsert ChangeType = "instance_insert"
	// ChangeInstanceDelete removes a device installation and its contacts.
	ChangeInstanceDelete ChangeType = "instance_delete"
)

// Trustability classifies a bare number into its reference-counted table.
type Trustability string

const (
	// TrustabilityTrusted maps to the trusted_numbers table.
	TrustabilityTrusted Trustability = "trusted"
	// TrustabilityOrganization maps to the organizations table.
	TrustabilityOrganization Trustability = "organization"
	// TrustabilityMiscellaneous maps to the miscellaneous_numbers table.
	TrustabilityMiscellaneous Trustability = "miscellaneous"
)

var (
	// ErrInvalidChangeType indicates an unsupported change-log type value.
	ErrInvalidChangeType = errors.New("sync: invalid change type")
	// ErrMissingInstanceNumber indicates a non-bootstrap change without an owner.
	ErrMissingInstanceNumber = errors.New("sync: instance number required")
)

// ValidChangeType reports whether the value is a known change type.
func ValidChangeType(value ChangeType) bool {
	switch value {
	case ChangeContactInsert, ChangeContactDelete,
		ChangeContactNumberInsert, ChangeContactNumberUpdate, ChangeContactNumberDelete,
		ChangeInstanceInsert, ChangeInstanceDelete:
		return true
	}
	return false
}

// ChangeLog is the immutable intent record. Every field except ErrorCounter
// and ServerChangeID is frozen at insertion time.
type ChangeLog struct {
	ChangeID         string       `gorm:"column:change_id;primaryKey;size:190;not null"`
	InstanceNumber   *string      `gorm:"column:instance_number;size:32"`
	ChangeTimeMillis int64        `gorm:"column:change_time_ms;not null;index:idx_change_log_time"`
	Type             ChangeType   `gorm:"column:change_type;size:40;not null"`
	CID              string       `gorm:"column:cid;size:190;index:idx_change_log_cid"`
	Name             string       `gorm:"column:contact_name;size:320"`
	OldNumber        string       `gorm:"column:old_number;size:32"`
	Number           string       `gorm:"column:number;size:32"`
	ParentNumber     string       `gorm:"column:parent_number;size:32"`
	Trustability     Trustability `gorm:"column:trustability;size:32"`
	CounterValue     int64        `gorm:"column:counter_value;not null;default:0"`
	ErrorCounter     int64        `gorm:"column:error_counter;not null;default:0"`
	ServerChangeID   *int64       `gorm:"column:server_change_id"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLog) TableName() string {
	return "change_log"
}

// QueueToExecute marks a change-log entry not yet applied to the aggregate
// tables. Row presence means pending; deletion means applied.
type QueueToExecute struct {
	ChangeID         string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	CreateTimeMillis int64     `gorm:"column:create_time_ms;not null;index:idx_queue_execute_time"`
	ErrorCounter     int64     `gorm:"column:error_counter;not null;default:0"`
	ChangeLog        ChangeLog `gorm:"belongsTo:ChangeLog;foreignKey:ChangeID;references:ChangeID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (QueueToExecute) TableName() string {
	return "queue_to_execute"
}

// QueueToUpload marks a change-log entry not yet acknowledged by the server.
// SeqNo is assigned at insertion and defines the upload order and the
// acknowledgement cut point.
type QueueToUpload struct {
	SeqNo            int64     `gorm:"column:seq_no;primaryKey;autoIncrement"`
	ChangeID         string    `gorm:"column:change_id;size:190;not null;uniqueIndex:idx_queue_upload_change"`
	CreateTimeMillis int64     `gorm:"column:create_time_ms;not null"`
	ErrorCounter     int64     `gorm:"column:error_counter;not null;default:0"`
	ChangeLog        ChangeLog `gorm:"belongsTo:ChangeLog;foreignKey:ChangeID;references:ChangeID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (QueueToUpload) TableName() string {
	return "queue_to_upload"
}

// Instance is one device installation, keyed by normalized phone number.
// Nothing else executes until Initialized is true. LastServerRowID is the
// download cursor: the highest server row already replayed locally.
type Instance struct {
	Number          string `gorm:"column:number;primaryKey;size:32;not null"`
	Initialized     bool   `gorm:"column:initialized;not null;default:false"`
	LastServerRowID int64  `gorm:"column:last_server_row_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Instance) TableName() string {
	return "instances"
}

// Contact is the aggregate contact row.
type Contact struct {
	CID          string   `gorm:"column:cid;primaryKey;size:190;not null"`
	ParentNumber string   `gorm:"column:parent_number;size:32;not null;index:idx_contacts_parent"`
	Name         string   `gorm:"column:contact_name;size:320"`
	Instance     Instance `gorm:"foreignKey:ParentNumber;references:Number;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (Contact) TableName() string {
	return "contacts"
}

// ContactNumber is the unit of reconciliation: (CID, Number) joins local
// state against the external provider, VersionNumber is the drift signal.
type ContactNumber struct {
	CID           string  `gorm:"column:cid;primaryKey;size:190;not null"`
	Number        string  `gorm:"column:number;primaryKey;size:32;not null"`
	Name          string  `gorm:"column:contact_name;size:320"`
	VersionNumber int64   `gorm:"column:version_number;not null;default:0"`
	Contact       Contact `gorm:"belongsTo:Contact;foreignKey:CID;references:CID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (ContactNumber) TableName() string {
	return "contact_numbers"
}

// TrustedNumber is a reference-counted classification row. Counter stays at
// least one while the row exists; the last decrement deletes the row.
type TrustedNumber struct {
	Number       string       `gorm:"column:number;primaryKey;size:32;not null"`
	Counter      int64        `gorm:"column:counter;not null;default:1"`
	Trustability Trustability `gorm:"column:trustability;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (TrustedNumber) TableName() string {
	return "trusted_numbers"
}

// Organization is the reference-counted classification for business numbers.
type Organization struct {
	Number       string       `gorm:"column:number;primaryKey;size:32;not null"`
	Counter      int64        `gorm:"column:counter;not null;default:1"`
	Trustability Trustability `gorm:"column:trustability;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// MiscellaneousNumber is the reference-counted classification for numbers
// that fit neither of the other tables.
type MiscellaneousNumber struct {
	Number       string       `gorm:"column:number;primaryKey;size:32;not null"`
	Counter      int64        `gorm:"column:counter;not null;default:1"`
	Trustability Trustability `gorm:"column:trustability;size:32"`
}

// TableName provides the explicit table binding for GORM.
func (MiscellaneousNumber) TableName() string {
	return "miscellaneous_numbers"
}

// CallEvent records one entry from the provider call-log cursor, keyed by
// normalized number and event time so replays are insert-ignored.
type CallEvent struct {
	Number          string `gorm:"column:number;primaryKey;size:32;not null"`
	EpochDateMillis int64  `gorm:"column:epoch_date_ms;primaryKey;not null"`
	Type            string `gorm:"column:call_type;size:32"`
	DurationSeconds int64  `gorm:"column:duration_s;not null;default:0"`
	Location        string `gorm:"column:geocoded_location;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (CallEvent) TableName() string {
	return "call_events"
}

func classificationTableName(value Trustability) (string, error) {
	switch value {
	case TrustabilityOrganization:
		return Organization{}.TableName(), nil
	case TrustabilityMiscellaneous:
		return MiscellaneousNumber{}.TableName(), nil
	case TrustabilityTrusted, "":
		return TrustedNumber{}.TableName(), nil
	}
	return "", fmt.Errorf("sync: unknown trustability %q", value)
}

// PassResult is the typed outcome of one agent pass, threaded back to the
// scheduler instead of process-wide state flags.
type PassResult struct {
	Processed int
	Failed    int
	Remaining int64
}

// HasMoreWork reports whether the pass left unfinished work behind.
func (r PassResult) HasMoreWork() bool {
	return r.Remaining > 0
}
