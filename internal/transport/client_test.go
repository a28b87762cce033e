package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/perchlabs/dialtone/internal/sync"
)

func TestUploadChangesRoundTrip(t *testing.T) {
	var received sync.UploadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/upload" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method %q", r.Method)
		}
		if contentType := r.Header.Get("Content-Type"); contentType != "application/json" {
			t.Fatalf("unexpected content type %q", contentType)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sync.UploadResponse{Status: "ok", LastUploadedRowID: 7}); err != nil {
			t.Fatalf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	response, err := client.UploadChanges(context.Background(), sync.UploadRequest{
		InstanceNumber: "+15550001234",
		Key:            "session-key",
		Changes: []sync.UploadEntry{
			{SeqNo: 7, ChangeID: "change-7", Type: "contact_insert", CID: "cid-1"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.Status != "ok" || response.LastUploadedRowID != 7 {
		t.Fatalf("unexpected response: %+v", response)
	}
	if received.Key != "session-key" || len(received.Changes) != 1 {
		t.Fatalf("unexpected serialized request: %+v", received)
	}
	if received.Changes[0].SeqNo != 7 {
		t.Fatalf("sequence number lost in transit: %+v", received.Changes[0])
	}
}

func TestDownloadChangesRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/download" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var request sync.DownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if request.LastServerRowID != 42 {
			t.Fatalf("cursor lost in transit: %+v", request)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sync.DownloadResponse{
			Status: "ok",
			Data: []sync.ServerChange{
				{ServerChangeID: 43, ChangeID: "srv-43", Type: "contact_insert", CID: "cid-remote"},
			},
		}); err != nil {
			t.Fatalf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	response, err := client.DownloadChanges(context.Background(), sync.DownloadRequest{
		InstanceNumber:  "+15550001234",
		Key:             "session-key",
		LastServerRowID: 42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(response.Data) != 1 || response.Data[0].ServerChangeID != 43 {
		t.Fatalf("unexpected response: %+v", response)
	}
}

func TestPostRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}

	if _, err := client.UploadChanges(context.Background(), sync.UploadRequest{}); !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected ErrUnexpectedStatus, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "   "}); !errors.Is(err, ErrInvalidBaseURL) {
		t.Fatalf("expected ErrInvalidBaseURL, got %v", err)
	}
}

func TestNewClientTrimsTrailingSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/upload" {
			t.Fatalf("double slash leaked into path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sync.UploadResponse{Status: "ok"}); err != nil {
			t.Fatalf("failed to encode response: %v", err)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if _, err := client.UploadChanges(context.Background(), sync.UploadRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
