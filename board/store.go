// Package board holds the client's projection of a room's section and card
// arrangement. The projection has exactly two write paths: optimistic local
// mutations, which return a pre-mutation snapshot for rollback, and
// authoritative replacement from a broadcast, which always wins outright.
package board

import (
	"errors"
	"fmt"

	"boardsync/domain"
)

var (
	// ErrUnknownSection is returned for a mutation naming a section that is
	// not part of the board.
	ErrUnknownSection = errors.New("unknown section")
	// ErrIndexOutOfRange is returned when a card index does not exist in its
	// section.
	ErrIndexOutOfRange = errors.New("card index out of range")
)

// Snapshot is an immutable copy of the board taken before an optimistic
// mutation, kept so the mutation can be rolled back.
type Snapshot struct {
	sections []domain.Section
}

// Sections returns a copy of the snapshot's content.
func (s Snapshot) Sections() []domain.Section {
	return domain.CloneSections(s.sections)
}

// Store is the single mutable board projection. It is not safe for
// concurrent use; callers serialize access through one event loop.
type Store struct {
	sections []domain.Section
}

// New creates a store seeded with the given arrangement.
func New(sections []domain.Section) *Store {
	return &Store{sections: domain.CloneSections(sections)}
}

// Sections returns a copy of the current projection.
func (s *Store) Sections() []domain.Section {
	return domain.CloneSections(s.sections)
}

// Snapshot captures the current projection for later rollback.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{sections: domain.CloneSections(s.sections)}
}

// Restore rolls the projection back to a previously captured snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.sections = domain.CloneSections(snap.sections)
}

// Replace applies an authoritative snapshot, discarding whatever local state
// was projected before. Last authoritative broadcast wins.
func (s *Store) Replace(sections []domain.Section) {
	s.sections = domain.CloneSections(sections)
}

// MoveCard removes the card at (srcID, srcIdx) and inserts it at
// (dstID, dstIdx), shifting subsequent cards. Identical source and
// destination is a no-op. The returned snapshot precedes the mutation; on
// error the projection is untouched.
func (s *Store) MoveCard(srcID string, srcIdx int, dstID string, dstIdx int) (Snapshot, error) {
	snap := s.Snapshot()
	if srcID == dstID && srcIdx == dstIdx {
		return snap, nil
	}

	src := s.find(srcID)
	if src == nil {
		return snap, fmt.Errorf("%w: %s", ErrUnknownSection, srcID)
	}
	dst := s.find(dstID)
	if dst == nil {
		return snap, fmt.Errorf("%w: %s", ErrUnknownSection, dstID)
	}
	if srcIdx < 0 || srcIdx >= len(src.Cards) {
		return snap, fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, srcID, srcIdx)
	}

	moved := src.Cards[srcIdx]
	src.Cards = append(src.Cards[:srcIdx], src.Cards[srcIdx+1:]...)

	if dstIdx < 0 {
		dstIdx = 0
	}
	if dstIdx > len(dst.Cards) {
		dstIdx = len(dst.Cards)
	}
	dst.Cards = append(dst.Cards, domain.Card{})
	copy(dst.Cards[dstIdx+1:], dst.Cards[dstIdx:])
	dst.Cards[dstIdx] = moved

	return snap, nil
}

// AddCard appends a card to the named section.
func (s *Store) AddCard(sectionID string, card domain.Card) (Snapshot, error) {
	snap := s.Snapshot()
	sec := s.find(sectionID)
	if sec == nil {
		return snap, fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}
	sec.Cards = append(sec.Cards, card)
	return snap, nil
}

// RenameSection replaces a section's display title.
func (s *Store) RenameSection(sectionID, title string) (Snapshot, error) {
	snap := s.Snapshot()
	sec := s.find(sectionID)
	if sec == nil {
		return snap, fmt.Errorf("%w: %s", ErrUnknownSection, sectionID)
	}
	sec.Title = title
	return snap, nil
}

// SectionCount returns the number of cards in a section, zero for unknown
// sections.
func (s *Store) SectionCount(sectionID string) int {
	sec := s.find(sectionID)
	if sec == nil {
		return 0
	}
	return len(sec.Cards)
}

// AuthorCount returns how many cards in a section belong to the given
// author.
func (s *Store) AuthorCount(sectionID, userID string) int {
	sec := s.find(sectionID)
	if sec == nil {
		return 0
	}
	n := 0
	for _, c := range sec.Cards {
		if c.UserID == userID {
			n++
		}
	}
	return n
}

func (s *Store) find(sectionID string) *domain.Section {
	for i := range s.sections {
		if s.sections[i].ID == sectionID {
			return &s.sections[i]
		}
	}
	return nil
}
