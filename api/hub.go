package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/protocol"
)

// BoardStorage persists canonical board snapshots between instances.
type BoardStorage interface {
	FetchBoard(ctx context.Context, roomID string) ([]domain.Section, error)
	SaveBoard(ctx context.Context, roomID string, sections []domain.Section) error
}

var (
	errRoomFull   = errors.New("room is full")
	errNotHost    = errors.New("only the host may rearrange the board")
	errSectionCap = errors.New("creation section is full")
	errAuthorCap  = errors.New("author card limit reached")
	errBadContent = errors.New("invalid card content")
)

// sendBuf bounds the per-connection outbound queue. A client that cannot
// keep up gets dropped frames rather than stalling the room.
const sendBuf = 16

type client struct {
	userID string
	send   chan []byte
}

type room struct {
	id      string
	board   *board.Store
	order   []*client
	members map[*client]domain.Member
}

// Hub owns every room on this instance: membership, role assignment, and
// arbitration of board mutations. The first member to join a room becomes
// its host; everyone after is a guest.
type Hub struct {
	store      BoardStorage
	limits     domain.Limits
	maxMembers int
	logger     *log.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub. maxMembers bounds room size; zero means unbounded.
func NewHub(store BoardStorage, limits domain.Limits, maxMembers int, logger *log.Logger) *Hub {
	return &Hub{
		store:      store,
		limits:     limits,
		maxMembers: maxMembers,
		logger:     logger,
		rooms:      make(map[string]*room),
	}
}

// Join registers a member in a room, assigns its role, and sends the joiner
// the room metadata and current board. Every member receives a fresh roster
// snapshot.
func (h *Hub) Join(ctx context.Context, roomID string, member domain.Member) (*client, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()

	if !ok {
		sections, err := h.store.FetchBoard(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("join %s: %w", roomID, err)
		}
		r = &room{
			id:      roomID,
			board:   board.New(sections),
			members: make(map[*client]domain.Member),
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.rooms[roomID]; ok {
		r = existing
	} else {
		h.rooms[roomID] = r
	}

	if h.maxMembers > 0 && len(r.order) >= h.maxMembers {
		return nil, errRoomFull
	}

	if len(r.order) == 0 {
		member.Role = domain.RoleHost
	} else {
		member.Role = domain.RoleGuest
	}

	c := &client{userID: member.UserID, send: make(chan []byte, sendBuf)}
	r.order = append(r.order, c)
	r.members[c] = member

	h.sendEvent(c, protocol.EventRoomInfo, domain.Room{ID: roomID, MaxMember: h.maxMembers})
	h.sendEvent(c, protocol.EventPreviousBoardData, r.board.Sections())
	h.broadcastRoster(r)

	h.logger.WithFields(log.Fields{
		"room": roomID, "user": member.UserID, "role": member.Role, "members": len(r.order),
	}).Info("member joined")
	return c, nil
}

// Leave removes a member. When the host leaves, the longest-connected
// remaining member inherits the role and the change goes out in the next
// roster snapshot.
func (h *Hub) Leave(roomID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}
	member, present := r.members[c]
	if !present {
		return
	}
	delete(r.members, c)
	for i, mc := range r.order {
		if mc == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	close(c.send)

	if len(r.order) == 0 {
		delete(h.rooms, roomID)
		h.logger.WithFields(log.Fields{"room": roomID}).Info("room drained")
		return
	}

	if member.Role == domain.RoleHost {
		next := r.order[0]
		m := r.members[next]
		m.Role = domain.RoleHost
		r.members[next] = m
	}
	h.broadcastRoster(r)
	h.logger.WithFields(log.Fields{"room": roomID, "user": member.UserID}).Info("member left")
}

// HandleBoardUpdate arbitrates a full-arrangement mutation (move or rename)
// from a client. Only the host's requests are accepted; the role check runs
// here regardless of any client-side enforcement.
func (h *Hub) HandleBoardUpdate(ctx context.Context, roomID string, c *client, seq uint64, payload protocol.BoardUpdatePayload) {
	m := newOpMetrics(h.logger, protocol.EventBoardUpdate, roomID)

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok || r.members[c].UserID == "" {
		h.mu.Unlock()
		m.Fail("unknown_room")
		h.ack(c, seq, fmt.Errorf("not joined to room %s", roomID))
		return
	}
	if r.members[c].Role != domain.RoleHost {
		h.mu.Unlock()
		m.Fail("not_host")
		h.ack(c, seq, errNotHost)
		return
	}
	if err := validateArrangement(r.board.Sections(), payload.Sections); err != nil {
		h.mu.Unlock()
		m.Fail("invalid_arrangement")
		h.ack(c, seq, err)
		return
	}
	r.board.Replace(payload.Sections)
	sections := r.board.Sections()
	h.mu.Unlock()

	if err := h.store.SaveBoard(ctx, roomID, sections); err != nil {
		h.logger.WithFields(log.Fields{"room": roomID}).Errorf("save board: %v", err)
	}
	h.broadcastBoard(roomID, sections)
	h.ack(c, seq, nil)
	m.Done()
}

// HandleAddCard arbitrates card creation: content bound and both creation
// ceilings are enforced here, and the durable card ID is minted here.
func (h *Hub) HandleAddCard(ctx context.Context, roomID string, c *client, seq uint64, payload protocol.AddCardPayload) {
	m := newOpMetrics(h.logger, protocol.EventAddCard, roomID)

	if !h.limits.ValidContent(payload.Card.Content) {
		m.Fail("bad_content")
		h.ack(c, seq, errBadContent)
		return
	}
	sectionID := payload.SectionID
	if sectionID == "" {
		sectionID = h.limits.CreationSectionID
	}

	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		m.Fail("unknown_room")
		h.ack(c, seq, fmt.Errorf("not joined to room %s", roomID))
		return
	}
	member := r.members[c]
	if sectionID == h.limits.CreationSectionID {
		if r.board.SectionCount(sectionID) >= h.limits.SectionMax {
			h.mu.Unlock()
			m.Fail("section_cap")
			h.ack(c, seq, errSectionCap)
			return
		}
		if r.board.AuthorCount(sectionID, member.UserID) >= h.limits.AuthorMax {
			h.mu.Unlock()
			m.Fail("author_cap")
			h.ack(c, seq, errAuthorCap)
			return
		}
	}

	card := domain.Card{
		ID:      uuid.NewString(),
		Content: payload.Card.Content,
		UserID:  member.UserID,
		Profile: payload.Card.Profile,
	}
	if _, err := r.board.AddCard(sectionID, card); err != nil {
		h.mu.Unlock()
		m.Fail("unknown_section")
		h.ack(c, seq, err)
		return
	}
	sections := r.board.Sections()
	h.mu.Unlock()

	if err := h.store.SaveBoard(ctx, roomID, sections); err != nil {
		h.logger.WithFields(log.Fields{"room": roomID}).Errorf("save board: %v", err)
	}
	h.broadcastBoard(roomID, sections)
	h.ack(c, seq, nil)
	m.Done()
}

// SendBoard pushes the current board snapshot to one member as a
// previousBoardData frame. Used for resync pulls after a transport gap.
func (h *Hub) SendBoard(roomID string, c *client) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	var sections []domain.Section
	if ok {
		sections = r.board.Sections()
	}
	h.mu.Unlock()
	if ok {
		h.sendEvent(c, protocol.EventPreviousBoardData, sections)
	}
}

// ApplyRemoteBoard installs a snapshot published by a peer instance and
// rebroadcasts it to local members. Used by the storage pub/sub relay.
func (h *Hub) ApplyRemoteBoard(roomID string, sections []domain.Section) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if ok {
		r.board.Replace(sections)
	}
	h.mu.Unlock()
	if ok {
		h.broadcastBoard(roomID, sections)
	}
}

// validateArrangement rejects arrangements that alter the fixed section set
// or duplicate/lose cards relative to the current board.
func validateArrangement(current, proposed []domain.Section) error {
	if len(current) != len(proposed) {
		return errors.New("section count mismatch")
	}
	ids := make(map[string]bool, len(current))
	for _, s := range current {
		ids[s.ID] = true
	}
	have := make(map[string]int)
	for _, s := range current {
		for _, c := range s.Cards {
			have[c.ID]++
		}
	}
	want := make(map[string]int)
	for _, s := range proposed {
		if !ids[s.ID] {
			return fmt.Errorf("unknown section %s", s.ID)
		}
		for _, c := range s.Cards {
			want[c.ID]++
		}
	}
	if len(have) != len(want) {
		return errors.New("card set mismatch")
	}
	for id, n := range have {
		if want[id] != n {
			return fmt.Errorf("card %s duplicated or lost", id)
		}
	}
	return nil
}

func (h *Hub) broadcastRoster(r *room) {
	members := make([]domain.Member, 0, len(r.order))
	for _, c := range r.order {
		members = append(members, r.members[c])
	}
	data, err := protocol.Encode(protocol.EventMemberUpdate, 0, members)
	if err != nil {
		h.logger.Errorf("encode roster: %v", err)
		return
	}
	for _, c := range r.order {
		h.push(c, data)
	}
}

func (h *Hub) broadcastBoard(roomID string, sections []domain.Section) {
	data, err := protocol.Encode(protocol.EventBoardUpdate, 0, protocol.BoardUpdatePayload{Sections: sections})
	if err != nil {
		h.logger.Errorf("encode board: %v", err)
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	targets := append([]*client(nil), r.order...)
	h.mu.Unlock()
	for _, c := range targets {
		h.push(c, data)
	}
}

func (h *Hub) sendEvent(c *client, event string, payload any) {
	data, err := protocol.Encode(event, 0, payload)
	if err != nil {
		h.logger.Errorf("encode %s: %v", event, err)
		return
	}
	h.push(c, data)
}

func (h *Hub) ack(c *client, seq uint64, opErr error) {
	if seq == 0 {
		return
	}
	p := protocol.AckPayload{Seq: seq, Success: opErr == nil}
	if opErr != nil {
		p.Error = opErr.Error()
	}
	data, err := protocol.Encode(protocol.EventAck, seq, p)
	if err != nil {
		h.logger.Errorf("encode ack: %v", err)
		return
	}
	h.push(c, data)
}

func (h *Hub) push(c *client, data []byte) {
	defer func() {
		// Leave may close the send channel while a broadcast is in flight.
		_ = recover()
	}()
	select {
	case c.send <- data:
	default:
		h.logger.WithFields(log.Fields{"user": c.userID}).Warn("slow consumer, dropping frame")
	}
}
