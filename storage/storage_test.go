package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

func testBoard() []domain.Section {
	return []domain.Section{
		{ID: "section-1", Title: "Ideas", Cards: []domain.Card{{ID: "a", Content: "hi", UserID: "u1"}}},
		{ID: "section-2", Title: "Discussion", Cards: []domain.Card{}},
		{ID: "section-3", Title: "Adopted", Cards: []domain.Card{}},
	}
}

func newRedisStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc, ttl), mr, rc
}

func TestSaveAndFetchBoard(t *testing.T) {
	s, mr, _ := newRedisStore(t, time.Hour)
	ctx := context.Background()

	if err := s.SaveBoard(ctx, "room-1", testBoard()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.FetchBoard(ctx, "room-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(got, testBoard()) {
		t.Fatalf("round trip mismatch: %#v", got)
	}
	if ttl := mr.TTL(boardKey("room-1")); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected TTL: %v", ttl)
	}
}

func TestFetchBoardDefaultsForNewRoom(t *testing.T) {
	s, _, _ := newRedisStore(t, 0)
	got, err := s.FetchBoard(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(got, domain.DefaultSections()) {
		t.Fatalf("expected default layout, got %#v", got)
	}
}

func TestDeleteBoard(t *testing.T) {
	s, mr, _ := newRedisStore(t, 0)
	ctx := context.Background()
	if err := s.SaveBoard(ctx, "room-1", testBoard()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteBoard(ctx, "room-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(boardKey("room-1")) {
		t.Fatal("board key should be gone")
	}
}

func TestInMemoryFallback(t *testing.T) {
	s := New(nil, 0)
	ctx := context.Background()

	if err := s.SaveBoard(ctx, "room-1", testBoard()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.FetchBoard(ctx, "room-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(got, testBoard()) {
		t.Fatalf("round trip mismatch: %#v", got)
	}

	fresh, err := s.FetchBoard(ctx, "other")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !reflect.DeepEqual(fresh, domain.DefaultSections()) {
		t.Fatalf("expected default layout, got %#v", fresh)
	}
}

func TestSubscribeUpdatesRelaysSnapshots(t *testing.T) {
	s, _, rc := newRedisStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	type relayed struct {
		roomID   string
		sections []domain.Section
	}
	got := make(chan relayed, 1)
	done := make(chan struct{})
	go func() {
		SubscribeUpdates(ctx, log.New(), rc, func(roomID string, sections []domain.Section) {
			select {
			case got <- relayed{roomID, sections}:
			default:
			}
		})
		close(done)
	}()
	// wait for subscription to start
	time.Sleep(50 * time.Millisecond)

	if err := s.SaveBoard(context.Background(), "room-1", testBoard()); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case r := <-got:
		if r.roomID != "room-1" {
			t.Fatalf("expected room-1, got %s", r.roomID)
		}
		if !reflect.DeepEqual(r.sections, testBoard()) {
			t.Fatalf("unexpected sections %#v", r.sections)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no relay received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SubscribeUpdates did not exit")
	}
}
