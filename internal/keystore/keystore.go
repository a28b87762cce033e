package keystore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrKeyNotFound indicates no session key is stored for the instance.
	ErrKeyNotFound = errors.New("keystore: session key not found")
	// ErrMissingDatabase indicates the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("keystore: database handle is required")
	// ErrInvalidInstance indicates an empty instance number.
	ErrInvalidInstance = errors.New("keystore: instance number is required")
)

// KeyStorage holds per-instance session credentials and the push token.
// Rows are written only through idempotent upserts, never via the change log.
type KeyStorage struct {
	InstanceNumber   string `gorm:"column:instance_number;primaryKey;size:32;not null"`
	SessionKey       string `gorm:"column:session_key;type:text;not null;default:''"`
	PushToken        string `gorm:"column:push_token;type:text;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (KeyStorage) TableName() string {
	return "key_storage"
}

// StoreConfig bundles dependencies for constructing a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store manages session credentials and push tokens.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store from validated configuration.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// SaveSessionKey upserts the session credential for the instance.
func (s *Store) SaveSessionKey(ctx context.Context, instanceNumber, key string) error {
	return s.upsert(ctx, instanceNumber, map[string]interface{}{"session_key": key})
}

// SavePushToken upserts the push token for the instance.
func (s *Store) SavePushToken(ctx context.Context, instanceNumber, token string) error {
	return s.upsert(ctx, instanceNumber, map[string]interface{}{"push_token": token})
}

func (s *Store) upsert(ctx context.Context, instanceNumber string, values map[string]interface{}) error {
	if strings.TrimSpace(instanceNumber) == "" {
		return ErrInvalidInstance
	}
	record := KeyStorage{
		InstanceNumber:   instanceNumber,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if key, ok := values["session_key"].(string); ok {
		record.SessionKey = key
	}
	if token, ok := values["push_token"].(string); ok {
		record.PushToken = token
	}
	values["updated_at_s"] = record.UpdatedAtSeconds

	columns := make([]string, 0, len(values))
	for column := range values {
		columns = append(columns, column)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_number"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&record).Error
}

// SessionKey returns the stored session credential for the instance.
func (s *Store) SessionKey(ctx context.Context, instanceNumber string) (string, error) {
	var record KeyStorage
	err := s.db.WithContext(ctx).Where("instance_number = ?", instanceNumber).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	if record.SessionKey == "" {
		return "", ErrKeyNotFound
	}
	return record.SessionKey, nil
}

// PushToken returns the stored push token for the instance.
func (s *Store) PushToken(ctx context.Context, instanceNumber string) (string, error) {
	var record KeyStorage
	err := s.db.WithContext(ctx).Where("instance_number = ?", instanceNumber).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", err
	}
	return record.PushToken, nil
}

// KeyExpiresWithin reports whether the stored session key is a JWT whose
// expiry claim falls inside the given window. The token is parsed without
// signature verification; the server owns validation, the client only needs
// to know when to re-register. Opaque non-JWT keys report false.
func (s *Store) KeyExpiresWithin(ctx context.Context, instanceNumber string, window time.Duration) (bool, error) {
	key, err := s.SessionKey(ctx, instanceNumber)
	if err != nil {
		return false, err
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(key, claims); err != nil {
		return false, nil
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return false, nil
	}

	deadline := s.clock().UTC().Add(window)
	if expiry.Time.Before(deadline) {
		s.logger.Info("session key nearing expiry",
			zap.String("instance_number", instanceNumber),
			zap.Time("expires_at", expiry.Time))
		return true, nil
	}
	return false, nil
}
