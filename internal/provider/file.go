package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/perchlabs/dialtone/internal/sync"
)

// ErrMissingPath indicates a snapshot was constructed without a file path.
var ErrMissingPath = errors.New("provider: snapshot path is required")

// FileSnapshot reads the external provider's state from JSON export files
// the host app refreshes. The engine never talks to the device contacts
// database directly; it only consumes snapshots, which is also what makes
// the reconciler testable against a fake.
type FileSnapshot struct {
	contactsPath string
	callsPath    string
}

// NewFileSnapshot constructs a snapshot source. callsPath may be empty when
// call-log ingestion is disabled.
func NewFileSnapshot(contactsPath, callsPath string) (*FileSnapshot, error) {
	if contactsPath == "" {
		return nil, ErrMissingPath
	}
	return &FileSnapshot{contactsPath: contactsPath, callsPath: callsPath}, nil
}

type contactRecord struct {
	NativeID     string `json:"nativeID"`
	DisplayName  string `json:"displayName"`
	Number       string `json:"number"`
	VersionStamp int64  `json:"versionStamp"`
}

type callRecord struct {
	Number          string `json:"number"`
	Type            string `json:"type"`
	EpochDateMillis int64  `json:"epochDate"`
	DurationSeconds int64  `json:"duration"`
	Location        string `json:"location,omitempty"`
}

// ContactRows returns the provider's current contact/number tuples.
func (s *FileSnapshot) ContactRows(_ context.Context) ([]sync.ProviderRow, error) {
	raw, err := os.ReadFile(s.contactsPath)
	if err != nil {
		return nil, fmt.Errorf("provider: read contacts snapshot: %w", err)
	}
	var records []contactRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("provider: decode contacts snapshot: %w", err)
	}
	rows := make([]sync.ProviderRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, sync.ProviderRow{
			NativeID:     record.NativeID,
			DisplayName:  record.DisplayName,
			RawNumber:    record.Number,
			VersionStamp: record.VersionStamp,
		})
	}
	return rows, nil
}

// CallRows returns the provider's call events, empty when no call snapshot
// is configured.
func (s *FileSnapshot) CallRows(_ context.Context) ([]sync.CallEventRow, error) {
	if s.callsPath == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(s.callsPath)
	if err != nil {
		return nil, fmt.Errorf("provider: read calls snapshot: %w", err)
	}
	var records []callRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("provider: decode calls snapshot: %w", err)
	}
	rows := make([]sync.CallEventRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, sync.CallEventRow{
			RawNumber:       record.Number,
			Type:            record.Type,
			EpochDateMillis: record.EpochDateMillis,
			DurationSeconds: record.DurationSeconds,
			Location:        record.Location,
		})
	}
	return rows, nil
}
