package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/protocol"
)

// Mutation errors surfaced to the presentation layer. Permission and
// constraint errors are reported synchronously with no state change and no
// network send.
var (
	// ErrNotHost rejects a move or rename from a guest.
	ErrNotHost = errors.New("only the host may rearrange the board")
	// ErrEmptyContent rejects a card whose content trims to nothing.
	ErrEmptyContent = errors.New("card content is empty")
	// ErrContentTooLong rejects a card exceeding the content length bound.
	ErrContentTooLong = errors.New("card content exceeds the length limit")
	// ErrSectionFull rejects a card when the creation section hit its total
	// ceiling.
	ErrSectionFull = errors.New("the idea section is full")
	// ErrAuthorLimit rejects a card when its author hit the per-author
	// ceiling in the creation section.
	ErrAuthorLimit = errors.New("you have reached your card limit")
)

// MoveCard moves the card at (srcID, srcIdx) to (dstID, dstIdx).
//
// Guests are rejected immediately with ErrNotHost: no apply, no send. For
// the host the move is applied optimistically, sent with the full resulting
// arrangement plus a compact movedCard delta, and held pending until the
// authority acknowledges. A failed or timed-out acknowledgment rolls the
// board back to its pre-mutation snapshot; resubmission is a fresh intent,
// never automatic.
func (s *Session) MoveCard(srcID string, srcIdx int, dstID string, dstIdx int) error {
	result, err := s.submit(func() (*inflight, error) {
		if !s.roster.IsHost() {
			return nil, ErrNotHost
		}
		if srcID == dstID && srcIdx == dstIdx {
			return nil, nil
		}
		movedID := findCard(s.board.Sections(), srcID, srcIdx)
		snap, err := s.board.MoveCard(srcID, srcIdx, dstID, dstIdx)
		if err != nil {
			return nil, err
		}
		s.notify()

		// The store clamps out-of-range destinations; report where the card
		// actually landed.
		sections := s.board.Sections()
		payload := protocol.BoardUpdatePayload{
			RoomID:   s.cfg.RoomID,
			Sections: sections,
			MovedCard: &protocol.MovedCard{
				CardID:    movedID,
				ToSection: dstID,
				ToIndex:   indexOfCard(sections, dstID, movedID),
			},
		}
		return s.send("move", protocol.EventBoardUpdate, payload, snap)
	})
	if err != nil {
		return err
	}
	return s.await(result)
}

// AddCard creates a card with the given content in the creation section.
//
// Content bounds and both creation ceilings are checked before anything is
// sent; each violation short-circuits with its own error and no state
// change. The optimistic card carries a time-based temporary identifier; the
// authority mints the durable one, which arrives with the confirming
// broadcast and replaces the temporary entry wholesale.
func (s *Session) AddCard(content string) error {
	var opErr error
	err := s.do(func() {
		trimmed := strings.TrimSpace(content)
		if trimmed == "" {
			opErr = ErrEmptyContent
			return
		}
		if !s.cfg.Limits.ValidContent(trimmed) {
			opErr = ErrContentTooLong
			return
		}
		creation := s.cfg.Limits.CreationSectionID
		if s.board.SectionCount(creation) >= s.cfg.Limits.SectionMax {
			opErr = ErrSectionFull
			return
		}
		if s.board.AuthorCount(creation, s.cfg.UserID) >= s.cfg.Limits.AuthorMax {
			opErr = ErrAuthorLimit
			return
		}

		card := domain.Card{
			ID:      tempCardID(),
			Content: trimmed,
			UserID:  s.cfg.UserID,
			Profile: s.cfg.Profile,
		}
		snap, err := s.board.AddCard(creation, card)
		if err != nil {
			opErr = err
			return
		}
		s.notify()

		payload := protocol.AddCardPayload{RoomID: s.cfg.RoomID, SectionID: creation, Card: card}
		if err := s.write(protocol.EventAddCard, 0, payload); err != nil {
			s.board.Restore(snap)
			s.notify()
			opErr = err
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// RenameSection replaces a section's display title. A title that trims to
// empty is a silent no-op. Otherwise the rename follows the same optimistic
// apply, acknowledgment, and rollback discipline as MoveCard.
func (s *Session) RenameSection(sectionID, title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return nil
	}
	result, err := s.submit(func() (*inflight, error) {
		if !s.roster.IsHost() {
			return nil, ErrNotHost
		}
		snap, err := s.board.RenameSection(sectionID, trimmed)
		if err != nil {
			return nil, err
		}
		s.notify()

		payload := protocol.BoardUpdatePayload{RoomID: s.cfg.RoomID, Sections: s.board.Sections()}
		return s.send("rename", protocol.EventBoardUpdate, payload, snap)
	})
	if err != nil {
		return err
	}
	return s.await(result)
}

// submit runs the synchronous half of a mutation on the loop: checks,
// optimistic apply, and the network send. The returned inflight, when
// non-nil, resolves once the acknowledgment arrives.
func (s *Session) submit(fn func() (*inflight, error)) (*inflight, error) {
	var (
		fl    *inflight
		opErr error
	)
	if err := s.do(func() { fl, opErr = fn() }); err != nil {
		return nil, err
	}
	return fl, opErr
}

// send transmits a mutation request and registers it as pending. On send
// failure the pre-mutation snapshot is restored before the error returns.
// In fire-and-forget mode the mutation resolves as confirmed at send time
// and loses the rollback guarantee.
func (s *Session) send(kind, event string, payload any, snap board.Snapshot) (*inflight, error) {
	var seq uint64
	if !s.cfg.FireAndForget {
		s.seq++
		seq = s.seq
	}

	if err := s.write(event, seq, payload); err != nil {
		s.board.Restore(snap)
		s.notify()
		return nil, err
	}
	if s.cfg.FireAndForget {
		return nil, nil
	}

	fl := &inflight{
		kind:     kind,
		snapshot: snap,
		result:   make(chan error, 1),
	}
	fl.timer = time.AfterFunc(s.cfg.AckTimeout, func() {
		_ = s.do(func() { s.expire(seq) })
	})
	s.pending[seq] = fl
	return fl, nil
}

// expire handles an acknowledgment that never arrived: the mutation fails
// and the optimistic state rolls back.
func (s *Session) expire(seq uint64) {
	fl, ok := s.pending[seq]
	if !ok {
		return
	}
	delete(s.pending, seq)
	if !fl.superseded {
		s.board.Restore(fl.snapshot)
		s.notify()
	}
	fl.result <- fmt.Errorf("%s: %w", fl.kind, errAckTimeout)
}

var errAckTimeout = errors.New("no acknowledgment from the authority")

// await blocks the calling goroutine (never the loop) until the mutation
// resolves.
func (s *Session) await(fl *inflight) error {
	if fl == nil {
		return nil
	}
	select {
	case err := <-fl.result:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// tempCardID builds the client-side temporary card identifier from a
// monotonic timestamp, the same token shape the authority will supersede.
func tempCardID() string {
	return strconv.FormatInt(nextTimestamp(), 36)
}

func findCard(sections []domain.Section, sectionID string, idx int) string {
	for _, s := range sections {
		if s.ID == sectionID && idx >= 0 && idx < len(s.Cards) {
			return s.Cards[idx].ID
		}
	}
	return ""
}

func indexOfCard(sections []domain.Section, sectionID, cardID string) int {
	for _, s := range sections {
		if s.ID != sectionID {
			continue
		}
		for i, c := range s.Cards {
			if c.ID == cardID {
				return i
			}
		}
	}
	return -1
}
