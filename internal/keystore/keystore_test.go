package keystore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const testInstanceNumber = "+15550001234"

var fixedNow = time.Unix(1700000000, 0).UTC()

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:keystore_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&KeyStorage{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func signedToken(t *testing.T, expiry time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": testInstanceNumber,
		"exp": expiry.Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSessionKey(ctx, testInstanceNumber, "key-one"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, err := store.SessionKey(ctx, testInstanceNumber)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "key-one" {
		t.Fatalf("expected key-one, got %q", key)
	}

	// Second save replaces the stored key instead of conflicting.
	if err := store.SaveSessionKey(ctx, testInstanceNumber, "key-two"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key, err = store.SessionKey(ctx, testInstanceNumber)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "key-two" {
		t.Fatalf("expected key-two, got %q", key)
	}
}

func TestSessionKeyMissing(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SessionKey(context.Background(), testInstanceNumber); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestPushTokenSaveDoesNotClearSessionKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSessionKey(ctx, testInstanceNumber, "key-one"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.SavePushToken(ctx, testInstanceNumber, "push-token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, err := store.SessionKey(ctx, testInstanceNumber)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "key-one" {
		t.Fatalf("push token upsert clobbered session key, got %q", key)
	}
	token, err := store.PushToken(ctx, testInstanceNumber)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "push-token" {
		t.Fatalf("expected push-token, got %q", token)
	}
}

func TestSaveRequiresInstanceNumber(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveSessionKey(context.Background(), "  ", "key"); !errors.Is(err, ErrInvalidInstance) {
		t.Fatalf("expected ErrInvalidInstance, got %v", err)
	}
}

func TestKeyExpiresWithinWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expiring := signedToken(t, fixedNow.Add(30*time.Minute))
	if err := store.SaveSessionKey(ctx, testInstanceNumber, expiring); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	soon, err := store.KeyExpiresWithin(ctx, testInstanceNumber, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !soon {
		t.Fatal("expected token inside the window to report expiring")
	}

	fresh := signedToken(t, fixedNow.Add(48*time.Hour))
	if err := store.SaveSessionKey(ctx, testInstanceNumber, fresh); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	soon, err = store.KeyExpiresWithin(ctx, testInstanceNumber, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if soon {
		t.Fatal("expected token outside the window to report fresh")
	}
}

func TestKeyExpiresWithinOpaqueKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveSessionKey(ctx, testInstanceNumber, "opaque-session-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	soon, err := store.KeyExpiresWithin(ctx, testInstanceNumber, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if soon {
		t.Fatal("opaque keys must never report expiring")
	}
}
