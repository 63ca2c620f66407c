package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// SubscribeUpdates listens on the board updates channel and hands each
// peer-published snapshot to broadcast. It reconnects when the pub/sub
// channel drops and returns once ctx is canceled. A nil client returns
// immediately (in-memory mode has no peers).
func SubscribeUpdates(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	broadcast func(roomID string, sections []domain.Section),
) {
	if rc == nil {
		return
	}
	for {
		sub := rc.Subscribe(ctx, updatesChannel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var note updateNote
				if err := json.Unmarshal([]byte(msg.Payload), &note); err != nil {
					logger.Errorf("unable to parse board update: %v", err)
					continue
				}
				if note.RoomID == "" {
					continue
				}
				broadcast(note.RoomID, note.Sections)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("board updates channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
