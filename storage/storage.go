// Package storage persists per-room board snapshots and relays update
// notifications between authority instances over redis pub/sub. Without a
// redis client it degrades to in-process storage for single-instance
// deployments.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

const updatesChannel = "board-updates"

// Store keeps the canonical board snapshot per room.
type Store struct {
	redis *redis.Client
	ttl   time.Duration

	mu     sync.Mutex
	boards map[string][]domain.Section
}

// New creates a store. client may be nil for in-memory mode; ttl bounds how
// long an idle room's snapshot survives in redis (0 means no expiry).
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl < 0 {
		ttl = 0
	}
	return &Store{
		redis:  client,
		ttl:    ttl,
		boards: make(map[string][]domain.Section),
	}
}

// FetchBoard loads the stored snapshot for a room. New rooms get the default
// section layout.
func (s *Store) FetchBoard(ctx context.Context, roomID string) ([]domain.Section, error) {
	if s.redis == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sections, ok := s.boards[roomID]; ok {
			return domain.CloneSections(sections), nil
		}
		return domain.DefaultSections(), nil
	}

	data, err := s.redis.Get(ctx, boardKey(roomID)).Bytes()
	if err == redis.Nil {
		return domain.DefaultSections(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch board %s: %w", roomID, err)
	}
	var sections []domain.Section
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("decode board %s: %w", roomID, err)
	}
	return sections, nil
}

// SaveBoard stores the snapshot and publishes an update notification so
// peer instances can rebroadcast.
func (s *Store) SaveBoard(ctx context.Context, roomID string, sections []domain.Section) error {
	if s.redis == nil {
		s.mu.Lock()
		s.boards[roomID] = domain.CloneSections(sections)
		s.mu.Unlock()
		return nil
	}

	data, err := json.Marshal(sections)
	if err != nil {
		return fmt.Errorf("encode board %s: %w", roomID, err)
	}
	if err := s.redis.Set(ctx, boardKey(roomID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save board %s: %w", roomID, err)
	}

	note, err := json.Marshal(updateNote{RoomID: roomID, Sections: sections})
	if err != nil {
		return fmt.Errorf("encode update note %s: %w", roomID, err)
	}
	if err := s.redis.Publish(ctx, updatesChannel, note).Err(); err != nil {
		return fmt.Errorf("publish update %s: %w", roomID, err)
	}
	return nil
}

// DeleteBoard removes a room's snapshot when the room ends.
func (s *Store) DeleteBoard(ctx context.Context, roomID string) error {
	if s.redis == nil {
		s.mu.Lock()
		delete(s.boards, roomID)
		s.mu.Unlock()
		return nil
	}
	if err := s.redis.Del(ctx, boardKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete board %s: %w", roomID, err)
	}
	return nil
}

type updateNote struct {
	RoomID   string           `json:"roomId"`
	Sections []domain.Section `json:"sections"`
}

func boardKey(roomID string) string {
	return "board:" + roomID
}
