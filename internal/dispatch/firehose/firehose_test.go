package firehose

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	session := uuid.New()
	job := uuid.New()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	ch, cancel, err := hub.Subscribe(ctx, session)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	if err := hub.PublishCreated(ctx, session, job); err != nil {
		t.Fatalf("PublishCreated() error = %v", err)
	}

	select {
	case msg := <-ch:
		if msg.Payload.JobUUID != job || msg.Payload.Category != CategorySelf || msg.Payload.Payload != "created" {
			t.Errorf("unexpected event: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_PublishStatus(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	session := uuid.New()
	job := uuid.New()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, session)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	status := types.NewJobStatus(types.StatusRunning, "running", "")
	if err := hub.PublishStatus(ctx, session, job, status); err != nil {
		t.Fatalf("PublishStatus() error = %v", err)
	}

	select {
	case msg := <-ch:
		got, ok := msg.Payload.Payload.(types.JobStatus)
		if !ok || got.Code != status.Code {
			t.Errorf("unexpected status payload: %+v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_PublishWithNoSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	if err := hub.PublishCreated(context.Background(), uuid.New(), uuid.New()); err != nil {
		t.Fatalf("publishing to a session with no subscriber should be a silent no-op, got error: %v", err)
	}
}

func TestSessionFromString_Invalid(t *testing.T) {
	if _, err := SessionFromString("not-a-uuid"); err == nil {
		t.Error("expected an error for a malformed session identifier")
	}
}
