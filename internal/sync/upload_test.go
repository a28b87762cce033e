package sync

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type scriptedUploadTransport struct {
	responses []UploadResponse
	errors    []error
	requests  []UploadRequest
}

func (t *scriptedUploadTransport) UploadChanges(_ context.Context, request UploadRequest) (UploadResponse, error) {
	t.requests = append(t.requests, request)
	index := len(t.requests) - 1
	var err error
	if index < len(t.errors) {
		err = t.errors[index]
	}
	var response UploadResponse
	if index < len(t.responses) {
		response = t.responses[index]
	}
	return response, err
}

type staticKeys struct{ key string }

func (k staticKeys) SessionKey(_ context.Context, _ string) (string, error) {
	return k.key, nil
}

func newTestUploadAgent(t *testing.T, db *gorm.DB, transport UploadTransport, chunkSize int) *UploadAgent {
	t.Helper()

	agent, err := NewUploadAgent(UploadAgentConfig{
		Database:       db,
		Transport:      transport,
		Keys:           staticKeys{key: "session-key"},
		InstanceNumber: testInstanceNumber,
		ChunkSize:      chunkSize,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct upload agent: %v", err)
	}
	return agent
}

func enqueueUploadEntries(t *testing.T, db *gorm.DB, changeAgent *ChangeAgent, count int) {
	t.Helper()

	for index := 0; index < count; index++ {
		if _, err := changeAgent.ChangeFromClient(context.Background(), ChangeRequest{
			InstanceNumber: instancePtr(),
			Type:           ChangeContactNumberInsert,
			CID:            "cid-order",
			Number:         "555000" + string(rune('0'+index)),
			Trustability:   TrustabilityTrusted,
			CounterValue:   int64(index + 1),
		}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestUploadPassDeletesAcknowledgedPrefix(t *testing.T) {
	db := newTestDB(t)
	changeAgent := newTestChangeAgent(t, db)
	enqueueUploadEntries(t, db, changeAgent, 5)

	transport := &scriptedUploadTransport{
		responses: []UploadResponse{{Status: "ok", LastUploadedRowID: 3}},
	}
	agent := newTestUploadAgent(t, db, transport, 10)

	result, err := agent.RunUploadPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Processed != 3 {
		t.Fatalf("expected 3 acknowledged entries, got %d", result.Processed)
	}
	if result.Remaining != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", result.Remaining)
	}

	var left []QueueToUpload
	if err := db.Order("seq_no ASC").Find(&left).Error; err != nil {
		t.Fatalf("failed to load queue: %v", err)
	}
	if len(left) != 2 {
		t.Fatalf("expected 2 queue rows, got %d", len(left))
	}
	for _, row := range left {
		if row.SeqNo <= 3 {
			t.Fatalf("row with seq %d should have been deleted", row.SeqNo)
		}
		if row.ErrorCounter != 0 {
			t.Fatalf("unacknowledged rows must keep error counter 0, got %d", row.ErrorCounter)
		}
	}
}

func TestUploadPassFailureKeepsQueueAndBumpsCounters(t *testing.T) {
	db := newTestDB(t)
	changeAgent := newTestChangeAgent(t, db)
	enqueueUploadEntries(t, db, changeAgent, 3)

	transport := &scriptedUploadTransport{
		errors: []error{errors.New("connect timeout")},
	}
	agent := newTestUploadAgent(t, db, transport, 10)

	result, err := agent.RunUploadPass(context.Background())
	if err != nil {
		t.Fatalf("pass must recover from transport failure, got %v", err)
	}
	if result.Failed != 3 {
		t.Fatalf("expected 3 failed entries, got %d", result.Failed)
	}
	if result.Remaining != 3 {
		t.Fatalf("expected batch to stay queued, got %d remaining", result.Remaining)
	}

	var rows []QueueToUpload
	if err := db.Find(&rows).Error; err != nil {
		t.Fatalf("failed to load queue: %v", err)
	}
	for _, row := range rows {
		if row.ErrorCounter != 1 {
			t.Fatalf("expected error counter 1 on %s, got %d", row.ChangeID, row.ErrorCounter)
		}
	}
	var changes []ChangeLog
	if err := db.Find(&changes).Error; err != nil {
		t.Fatalf("failed to load changes: %v", err)
	}
	for _, change := range changes {
		if change.ErrorCounter != 1 {
			t.Fatalf("expected change error counter 1, got %d", change.ErrorCounter)
		}
	}
}

func TestUploadPassServerRejectionTreatedAsFailure(t *testing.T) {
	db := newTestDB(t)
	changeAgent := newTestChangeAgent(t, db)
	enqueueUploadEntries(t, db, changeAgent, 2)

	transport := &scriptedUploadTransport{
		responses: []UploadResponse{{Status: "error", Error: "bad_key"}},
	}
	agent := newTestUploadAgent(t, db, transport, 10)

	result, err := agent.RunUploadPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 2 {
		t.Fatalf("expected 2 failed entries, got %d", result.Failed)
	}
	if got := countRows(t, db, &QueueToUpload{}); got != 2 {
		t.Fatalf("rejected batch must stay queued, got %d rows", got)
	}
}

func TestUploadPassChunksInSequenceOrder(t *testing.T) {
	db := newTestDB(t)
	changeAgent := newTestChangeAgent(t, db)
	enqueueUploadEntries(t, db, changeAgent, 5)

	transport := &scriptedUploadTransport{
		responses: []UploadResponse{{Status: "ok", LastUploadedRowID: 2}},
	}
	agent := newTestUploadAgent(t, db, transport, 2)

	if _, err := agent.RunUploadPass(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(transport.requests) != 1 {
		t.Fatalf("expected a single chunked request, got %d", len(transport.requests))
	}
	request := transport.requests[0]
	if request.InstanceNumber != testInstanceNumber {
		t.Fatalf("unexpected instance number %q", request.InstanceNumber)
	}
	if request.Key != "session-key" {
		t.Fatalf("expected session key on request, got %q", request.Key)
	}
	if len(request.Changes) != 2 {
		t.Fatalf("expected chunk of 2 entries, got %d", len(request.Changes))
	}
	// Same-CID entries ride in creation order because sequence numbers are
	// assigned at insertion and the chunk walks them ascending.
	previous := int64(0)
	for _, entry := range request.Changes {
		if entry.SeqNo <= previous {
			t.Fatalf("sequence numbers must ascend, saw %d after %d", entry.SeqNo, previous)
		}
		previous = entry.SeqNo
	}
	if request.Changes[0].CounterValue != 1 || request.Changes[1].CounterValue != 2 {
		t.Fatalf("per-entity creation order violated: %+v", request.Changes)
	}
}

func TestUploadPassEmptyQueueIsNoOp(t *testing.T) {
	db := newTestDB(t)
	transport := &scriptedUploadTransport{}
	agent := newTestUploadAgent(t, db, transport, 10)

	result, err := agent.RunUploadPass(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.HasMoreWork() || result.Processed != 0 {
		t.Fatalf("expected silent no-op, got %+v", result)
	}
	if len(transport.requests) != 0 {
		t.Fatalf("empty queue must not hit the transport")
	}
}
