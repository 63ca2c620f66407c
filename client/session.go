// Package client implements the collaborative board session: one websocket
// connection per room membership, a local board and roster projection, and
// optimistic mutations that are confirmed or rolled back by authority
// acknowledgments.
//
// All projection state is owned by a single run loop goroutine. Public
// methods hand work to the loop and wait, so callers never race on the
// board; while a mutation awaits its acknowledgment the loop keeps serving
// broadcasts and further intents.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
	"boardsync/protocol"
	"boardsync/roster"
)

var (
	// ErrClosed is returned by every operation after the session is torn
	// down.
	ErrClosed = errors.New("session closed")
	// ErrNotConnected is returned when a mutation is attempted without a
	// live transport; any optimistic apply is rolled back first.
	ErrNotConnected = errors.New("not connected")
)

const (
	defaultAckTimeout = 5 * time.Second
	writeWait         = 10 * time.Second
	maxBackoff        = 30 * time.Second
)

// Config describes one room membership.
type Config struct {
	// URL is the authority websocket endpoint, e.g. ws://host/ws.
	URL    string
	RoomID string
	UserID string
	// Token is the bearer token identifying the participant.
	Token    string
	Nickname string
	Job      string
	Profile  string
	// Limits are the board ceilings enforced before any send. Zero value
	// means DefaultLimits.
	Limits domain.Limits
	// AckTimeout bounds the wait for a mutation acknowledgment. Zero means
	// defaultAckTimeout.
	AckTimeout time.Duration
	// FireAndForget selects the degraded mode in which mutations resolve at
	// send time, carry no seq, and lose the rollback guarantee.
	FireAndForget bool
	Logger        *log.Logger
}

type inflight struct {
	kind     string
	snapshot board.Snapshot
	result   chan error
	timer    *time.Timer
	// superseded is set when an authoritative snapshot arrives while the
	// mutation is still pending: the broadcast already owns the board, so a
	// later failure reports the error without rolling back past it.
	superseded bool
}

// Session is one live room membership.
type Session struct {
	cfg    Config
	logger *log.Logger

	ops     chan func()
	updates chan struct{}
	errs    chan error
	done    chan struct{}
	once    sync.Once

	// Everything below is owned by the run loop.
	conn      *websocket.Conn
	connected bool
	board     *board.Store
	roster    *roster.Tracker
	room      domain.Room
	seq       uint64
	pending   map[uint64]*inflight
}

// Dial connects to the authority, registers presence in the room, and
// starts the session run loop.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("room and user are required")
	}
	if cfg.Limits.ContentMax == 0 {
		cfg.Limits = domain.DefaultLimits()
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}

	s := &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		ops:     make(chan func()),
		updates: make(chan struct{}, 1),
		errs:    make(chan error, 8),
		done:    make(chan struct{}),
		board:   board.New(domain.DefaultSections()),
		roster:  roster.New(cfg.UserID),
		pending: make(map[uint64]*inflight),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	go s.run()
	var joinErr error
	if err := s.do(func() { joinErr = s.install(conn, false) }); err != nil {
		conn.Close()
		return nil, err
	}
	if joinErr != nil {
		s.Close()
		return nil, joinErr
	}
	return s, nil
}

// Close tears the session down, releasing the connection. Pending
// acknowledgments resolve as failed with ErrClosed; their optimistic state
// stays until the next authoritative snapshot would have replaced it anyway.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// Updates signals whenever the board or roster projection changed; the
// presentation layer re-renders on receipt. Notifications coalesce.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Errors surfaces non-fatal displayable conditions: connection drops,
// reconnect failures, reconcile anomalies.
func (s *Session) Errors() <-chan error { return s.errs }

// Board returns a copy of the current board projection.
func (s *Session) Board() []domain.Section {
	var out []domain.Section
	_ = s.do(func() { out = s.board.Sections() })
	return out
}

// Members returns a copy of the latest roster snapshot.
func (s *Session) Members() []domain.Member {
	var out []domain.Member
	_ = s.do(func() { out = s.roster.Members() })
	return out
}

// IsHost reports the local participant's effective permission.
func (s *Session) IsHost() bool {
	var host bool
	_ = s.do(func() { host = s.roster.IsHost() })
	return host
}

// Room returns the latest room metadata broadcast.
func (s *Session) Room() domain.Room {
	var out domain.Room
	_ = s.do(func() { out = s.room })
	return out
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	q := u.Query()
	q.Set("token", s.cfg.Token)
	if s.cfg.Nickname != "" {
		q.Set("nickname", s.cfg.Nickname)
	}
	if s.cfg.Job != "" {
		q.Set("job", s.cfg.Job)
	}
	if s.cfg.Profile != "" {
		q.Set("profile", s.cfg.Profile)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	return conn, nil
}

// run serializes every state transition. Nothing outside this goroutine
// touches the board, roster, or pending table.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			s.teardown()
			return
		case op := <-s.ops:
			op()
		}
	}
}

func (s *Session) teardown() {
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.conn.Close()
	}
	s.connected = false
	for seq, fl := range s.pending {
		delete(s.pending, seq)
		fl.stop()
		fl.result <- ErrClosed
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// install adopts a freshly dialed connection: emit joinRoom, start reading,
// and on reconnect pull a full resync since broadcasts may have been missed.
func (s *Session) install(conn *websocket.Conn, reconnected bool) error {
	s.conn = conn
	s.connected = true
	go s.readPump(conn)

	join := protocol.JoinPayload{RoomID: s.cfg.RoomID, UserID: s.cfg.UserID}
	if err := s.write(protocol.EventJoinRoom, 0, join); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if reconnected {
		if err := s.write(protocol.EventPreviousBoardData, 0, nil); err != nil {
			s.logger.Errorf("resync request: %v", err)
		}
	}
	return nil
}

// readPump feeds inbound frames to the loop until the transport fails.
func (s *Session) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.ops <- func() { s.handleDisconnect(conn, err) }:
			case <-s.done:
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debugf("dropping malformed frame: %v", err)
			continue
		}
		select {
		case s.ops <- func() { s.handleFrame(env) }:
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	if s.conn != conn {
		// Stale pump from a connection already replaced.
		return
	}
	s.connected = false
	s.conn.Close()
	s.conn = nil
	s.reportError(fmt.Errorf("connection lost: %w", cause))

	// In-flight acknowledgments are unreachable now. Snapshots nest, so the
	// board rolls back to the oldest one still owed a rollback.
	var oldest *inflight
	var oldestSeq uint64
	for seq, fl := range s.pending {
		if !fl.superseded && (oldest == nil || seq < oldestSeq) {
			oldest, oldestSeq = fl, seq
		}
	}
	if oldest != nil {
		s.board.Restore(oldest.snapshot)
	}
	for seq, fl := range s.pending {
		delete(s.pending, seq)
		fl.stop()
		fl.result <- ErrNotConnected
	}
	s.notify()

	go s.reconnect()
}

// reconnect redials with exponential backoff until the session closes. A
// successful redial re-joins the room and requests a full resync; the
// authority is the source of truth after any gap.
func (s *Session) reconnect() {
	backoff := time.Second
	for {
		select {
		case <-s.done:
			return
		case <-time.After(backoff):
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			// A failed re-join surfaces through the read pump's disconnect
			// handling, which schedules the next attempt.
			_ = s.do(func() { _ = s.install(conn, true) })
			return
		}
		s.reportError(fmt.Errorf("reconnect: %w", err))
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (s *Session) handleFrame(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventMemberUpdate:
		if s.roster.Apply(env.Payload) {
			s.notify()
		}
	case protocol.EventRoomInfo:
		var room domain.Room
		if err := protocol.DecodePayload(env, &room); err != nil {
			s.logger.Debugf("roomInfo: %v", err)
			return
		}
		s.room = room
		s.notify()
	case protocol.EventPreviousBoardData:
		var sections []domain.Section
		if err := protocol.DecodePayload(env, &sections); err != nil {
			s.logger.Debugf("previousBoardData: %v", err)
			return
		}
		s.reconcile(sections)
	case protocol.EventBoardUpdate:
		var p protocol.BoardUpdatePayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			s.logger.Debugf("boardUpdate: %v", err)
			return
		}
		s.reconcile(p.Sections)
	case protocol.EventAck:
		var p protocol.AckPayload
		if err := protocol.DecodePayload(env, &p); err != nil {
			s.logger.Debugf("ack: %v", err)
			return
		}
		s.resolve(p)
	default:
		s.logger.Debugf("unknown event %s - ignoring it", env.Event)
	}
}

// reconcile applies an authoritative snapshot. It always wins outright,
// including over local optimistic state still awaiting acknowledgment; any
// pending mutation is superseded so a later failure cannot roll the board
// back past this snapshot.
func (s *Session) reconcile(sections []domain.Section) {
	s.board.Replace(sections)
	for _, fl := range s.pending {
		fl.superseded = true
	}
	s.notify()
}

func (s *Session) resolve(p protocol.AckPayload) {
	fl, ok := s.pending[p.Seq]
	if !ok {
		// Late ack after timeout rollback or teardown.
		return
	}
	delete(s.pending, p.Seq)
	fl.stop()
	if p.Success {
		fl.result <- nil
		return
	}
	if !fl.superseded {
		s.board.Restore(fl.snapshot)
		s.notify()
	}
	fl.result <- fmt.Errorf("%s rejected: %s", fl.kind, p.Error)
}

// write encodes and sends one frame on the loop-owned connection.
func (s *Session) write(event string, seq uint64, payload any) error {
	if !s.connected {
		return ErrNotConnected
	}
	data, err := protocol.Encode(event, seq, payload)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) reportError(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warnf("error channel full, dropping: %v", err)
	}
}

func (fl *inflight) stop() {
	if fl.timer != nil {
		fl.timer.Stop()
	}
}
