package usage

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"log/slog"

	"github.com/cloudpad/gameserv/internal/domain"
)

type fakeEventRepo struct {
	inserted  []domain.UsageEvent
	insertErr error
	count     int
	countErr  error
	last      *time.Time
}

func (f *fakeEventRepo) InsertUsageEvent(_ context.Context, event *domain.UsageEvent) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *event)
	return nil
}

func (f *fakeEventRepo) CountUsageEventsSince(context.Context, string, time.Time) (int, error) {
	return f.count, f.countErr
}

func (f *fakeEventRepo) LastUsageEventTime(context.Context, string, string) (*time.Time, error) {
	return f.last, nil
}

func newTestService(repo *fakeEventRepo) Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc := New(repo, logger)
	svc.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestRecordPersistsEvent(t *testing.T) {
	repo := &fakeEventRepo{}
	svc := newTestService(repo)

	svc.Record(context.Background(), "user-1", "create")

	if len(repo.inserted) != 1 {
		t.Fatalf("expected one event, got %d", len(repo.inserted))
	}
	event := repo.inserted[0]
	if event.UserID != "user-1" || event.CommandName != "create" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.ID == "" {
		t.Fatal("expected generated event ID")
	}
	if !event.CreatedAt.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", event.CreatedAt)
	}
}

func TestRecordSwallowsStorageError(t *testing.T) {
	repo := &fakeEventRepo{insertErr: errors.New("db down")}
	svc := newTestService(repo)

	// must not panic or surface the error
	svc.Record(context.Background(), "user-1", "create")
}

func TestCountSincePassthrough(t *testing.T) {
	repo := &fakeEventRepo{count: 7}
	svc := newTestService(repo)

	count, err := svc.CountSince(context.Background(), "user-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountSince returned error: %v", err)
	}
	if count != 7 {
		t.Fatalf("expected 7, got %d", count)
	}
}
