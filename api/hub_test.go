package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"

	"boardsync/domain"
	"boardsync/protocol"
)

type mockStorage struct {
	mu     sync.Mutex
	boards map[string][]domain.Section
	saves  int
	err    error
}

func newMockStorage() *mockStorage {
	return &mockStorage{boards: make(map[string][]domain.Section)}
}

func (m *mockStorage) FetchBoard(ctx context.Context, roomID string) ([]domain.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if sections, ok := m.boards[roomID]; ok {
		return domain.CloneSections(sections), nil
	}
	return domain.DefaultSections(), nil
}

func (m *mockStorage) SaveBoard(ctx context.Context, roomID string, sections []domain.Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.boards[roomID] = domain.CloneSections(sections)
	return nil
}

func (m *mockStorage) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func testHub(t *testing.T, limits domain.Limits, maxMembers int) (*Hub, *mockStorage) {
	t.Helper()
	store := newMockStorage()
	logger := log.New()
	return NewHub(store, limits, maxMembers, logger), store
}

// nextFrame pops one queued outbound frame for the client.
func nextFrame(t *testing.T, c *client) protocol.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return env
	default:
		t.Fatal("no frame queued")
		return protocol.Envelope{}
	}
}

func drain(c *client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decodeMembers(t *testing.T, env protocol.Envelope) []domain.Member {
	t.Helper()
	if env.Event != protocol.EventMemberUpdate {
		t.Fatalf("expected memberUpdate, got %s", env.Event)
	}
	var members []domain.Member
	if err := json.Unmarshal(env.Payload, &members); err != nil {
		t.Fatalf("decode members: %v", err)
	}
	return members
}

func TestJoinAssignsRoles(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()

	host, err := h.Join(ctx, "room-1", domain.Member{UserID: "u1", Nickname: "Ann"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if env := nextFrame(t, host); env.Event != protocol.EventRoomInfo {
		t.Fatalf("expected roomInfo first, got %s", env.Event)
	}
	if env := nextFrame(t, host); env.Event != protocol.EventPreviousBoardData {
		t.Fatalf("expected previousBoardData, got %s", env.Event)
	}
	members := decodeMembers(t, nextFrame(t, host))
	if len(members) != 1 || members[0].Role != domain.RoleHost {
		t.Fatalf("first member should be host: %+v", members)
	}

	guest, err := h.Join(ctx, "room-1", domain.Member{UserID: "u2", Nickname: "Ben"})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	drain(guest)
	members = decodeMembers(t, nextFrame(t, host))
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}
	if members[1].UserID != "u2" || members[1].Role != domain.RoleGuest {
		t.Fatalf("second member should be guest: %+v", members[1])
	}
}

func TestLeavePromotesNextMember(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()

	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	guest, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u2"})
	drain(host)
	drain(guest)

	h.Leave("room-1", host)
	members := decodeMembers(t, nextFrame(t, guest))
	if len(members) != 1 || members[0].UserID != "u2" || members[0].Role != domain.RoleHost {
		t.Fatalf("remaining member should inherit host: %+v", members)
	}
}

func TestRoomFull(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 1)
	ctx := context.Background()
	if _, err := h.Join(ctx, "room-1", domain.Member{UserID: "u1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.Join(ctx, "room-1", domain.Member{UserID: "u2"}); !errors.Is(err, errRoomFull) {
		t.Fatalf("expected errRoomFull, got %v", err)
	}
}

func boardWithCards(cards ...domain.Card) []domain.Section {
	sections := domain.DefaultSections()
	sections[0].Cards = append(sections[0].Cards, cards...)
	return sections
}

func TestGuestBoardUpdateRejected(t *testing.T) {
	h, store := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()

	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	guest, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u2"})
	drain(host)
	drain(guest)

	h.HandleBoardUpdate(ctx, "room-1", guest, 1, protocol.BoardUpdatePayload{
		RoomID:   "room-1",
		Sections: boardWithCards(domain.Card{ID: "sneaky", Content: "hi"}),
	})

	env := nextFrame(t, guest)
	if env.Event != protocol.EventAck {
		t.Fatalf("expected ack, got %s", env.Event)
	}
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Success || !strings.Contains(ack.Error, "host") {
		t.Fatalf("guest mutation must be rejected: %+v", ack)
	}
	if store.saveCount() != 0 {
		t.Fatal("rejected mutation must not be persisted")
	}
	select {
	case <-host.send:
		t.Fatal("rejected mutation must not be broadcast")
	default:
	}
}

func TestHostMoveAppliedAndBroadcast(t *testing.T) {
	h, store := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()

	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	drain(host)

	// Seed a card through the add path, then move it.
	h.HandleAddCard(ctx, "room-1", host, 0, protocol.AddCardPayload{
		RoomID: "room-1",
		Card:   domain.Card{Content: "idea"},
	})
	env := nextFrame(t, host)
	var bu protocol.BoardUpdatePayload
	if err := json.Unmarshal(env.Payload, &bu); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	cardID := bu.Sections[0].Cards[0].ID

	moved := domain.CloneSections(bu.Sections)
	moved[2].Cards = append(moved[2].Cards, moved[0].Cards[0])
	moved[0].Cards = moved[0].Cards[:0]

	h.HandleBoardUpdate(ctx, "room-1", host, 5, protocol.BoardUpdatePayload{
		RoomID:    "room-1",
		Sections:  moved,
		MovedCard: &protocol.MovedCard{CardID: cardID, ToSection: moved[2].ID, ToIndex: 0},
	})

	env = nextFrame(t, host)
	if env.Event != protocol.EventBoardUpdate {
		t.Fatalf("expected boardUpdate broadcast, got %s", env.Event)
	}
	if err := json.Unmarshal(env.Payload, &bu); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if len(bu.Sections[2].Cards) != 1 || bu.Sections[2].Cards[0].ID != cardID {
		t.Fatalf("move not reflected: %+v", bu.Sections)
	}

	env = nextFrame(t, host)
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Success || ack.Seq != 5 {
		t.Fatalf("expected success ack for seq 5: %+v", ack)
	}
	if store.saveCount() != 2 {
		t.Fatalf("expected 2 saves, got %d", store.saveCount())
	}
}

func TestBoardUpdateRejectsCardLoss(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()

	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	drain(host)
	h.HandleAddCard(ctx, "room-1", host, 0, protocol.AddCardPayload{Card: domain.Card{Content: "keep me"}})
	drain(host)

	// Arrangement that silently drops the card.
	h.HandleBoardUpdate(ctx, "room-1", host, 9, protocol.BoardUpdatePayload{
		RoomID:   "room-1",
		Sections: domain.DefaultSections(),
	})
	env := nextFrame(t, host)
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Success {
		t.Fatal("card loss must be rejected")
	}
}

func TestAddCardCeilings(t *testing.T) {
	limits := domain.Limits{ContentMax: 80, AuthorMax: 2, SectionMax: 3, CreationSectionID: domain.SectionCreation}
	h, store := testHub(t, limits, 0)
	ctx := context.Background()

	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	guest, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u2"})
	drain(host)
	drain(guest)

	// Author ceiling: u1 may add two cards, the third is rejected.
	for i := 0; i < 2; i++ {
		h.HandleAddCard(ctx, "room-1", host, 0, protocol.AddCardPayload{Card: domain.Card{Content: "idea"}})
	}
	drain(host)
	drain(guest)
	h.HandleAddCard(ctx, "room-1", host, 11, protocol.AddCardPayload{Card: domain.Card{Content: "one too many"}})
	env := nextFrame(t, host)
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Success || !strings.Contains(ack.Error, "author") {
		t.Fatalf("expected author ceiling rejection: %+v", ack)
	}

	// Section ceiling: u2 fills the last slot, then hits the total cap.
	h.HandleAddCard(ctx, "room-1", guest, 0, protocol.AddCardPayload{Card: domain.Card{Content: "third"}})
	drain(host)
	drain(guest)
	saves := store.saveCount()
	h.HandleAddCard(ctx, "room-1", guest, 12, protocol.AddCardPayload{Card: domain.Card{Content: "fourth"}})
	env = nextFrame(t, guest)
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Success || !strings.Contains(ack.Error, "full") {
		t.Fatalf("expected section ceiling rejection: %+v", ack)
	}
	if store.saveCount() != saves {
		t.Fatal("rejected card must not be persisted")
	}
}

func TestAddCardMintsDurableID(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()
	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1", Profile: "avatar.png"})
	drain(host)

	h.HandleAddCard(ctx, "room-1", host, 0, protocol.AddCardPayload{
		Card: domain.Card{ID: "temp-123", Content: "idea", Profile: "avatar.png"},
	})
	env := nextFrame(t, host)
	var bu protocol.BoardUpdatePayload
	if err := json.Unmarshal(env.Payload, &bu); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	card := bu.Sections[0].Cards[0]
	if card.ID == "temp-123" || card.ID == "" {
		t.Fatalf("authority must mint its own card ID, got %q", card.ID)
	}
	if card.UserID != "u1" {
		t.Fatalf("author should come from the session, got %q", card.UserID)
	}
}

func TestAddCardRejectsBadContent(t *testing.T) {
	limits := domain.Limits{ContentMax: 10, AuthorMax: 3, SectionMax: 20, CreationSectionID: domain.SectionCreation}
	h, _ := testHub(t, limits, 0)
	ctx := context.Background()
	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	drain(host)

	h.HandleAddCard(ctx, "room-1", host, 3, protocol.AddCardPayload{
		Card: domain.Card{Content: "this is far too long for the limit"},
	})
	env := nextFrame(t, host)
	var ack protocol.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Success {
		t.Fatal("over-length content must be rejected")
	}
}

func TestApplyRemoteBoard(t *testing.T) {
	h, _ := testHub(t, domain.DefaultLimits(), 0)
	ctx := context.Background()
	host, _ := h.Join(ctx, "room-1", domain.Member{UserID: "u1"})
	drain(host)

	remote := boardWithCards(domain.Card{ID: "x", Content: "from peer"})
	h.ApplyRemoteBoard("room-1", remote)

	env := nextFrame(t, host)
	if env.Event != protocol.EventBoardUpdate {
		t.Fatalf("expected boardUpdate, got %s", env.Event)
	}
	var bu protocol.BoardUpdatePayload
	if err := json.Unmarshal(env.Payload, &bu); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bu.Sections[0].Cards) != 1 || bu.Sections[0].Cards[0].ID != "x" {
		t.Fatalf("remote snapshot not rebroadcast: %+v", bu.Sections)
	}

	// Unknown rooms are ignored.
	h.ApplyRemoteBoard("ghost", remote)
	select {
	case <-host.send:
		t.Fatal("unexpected frame for unknown room")
	default:
	}
}
