// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package rooms coordinates Multi-User Chat membership and message flow for
// one session.
//
// The Manager keeps the set of joined rooms and an ordered registry of
// message handlers. Joining and leaving are synchronized on the room's
// self-presence echo (MUC status code 110) rather than on fixed grace
// delays: Join blocks until the service confirms occupancy or the context
// expires, and Leave clears local bookkeeping immediately and then waits,
// bounded by the context, for the departure echo.
package rooms

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/internal/discover"
)

// Sentinel errors returned by room operations.
var (
	ErrNotConnected = errors.New("rooms: not connected")
	ErrNotJoined    = errors.New("rooms: room not joined")
	ErrNoService    = errors.New("rooms: no conference service discovered")
)

// The number of history stanzas requested on join.
const historyLimit = 20

// Session is the stanza round-trip surface the manager needs.
// *xmpp.Session satisfies it.
type Session interface {
	Send(ctx context.Context, r xml.TokenReader) error
	SendPresenceElement(ctx context.Context, payload xml.TokenReader, p stanza.Presence) (xmlstream.TokenReadCloser, error)
	UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error
}

// Room is an entry in the conference service's room listing.
type Room struct {
	ID   string
	Name string
}

// User is an occupant of a joined room.
type User struct {
	ID   string
	Name string
}

// Deps are the collaborators a Manager is constructed with.
type Deps struct {
	Session Session
	// Service reports the discovered conference service address; the zero
	// JID means discovery has not produced one.
	Service func() jid.JID
	// Nick reports the nickname used when joining rooms.
	Nick func() string
	// Connected reports the session's connection state.
	Connected func() bool
	Logger    log.Interface
}

type pendingOp struct {
	done     chan struct{}
	complete bool
	entered  bool
	err      error
}

// Manager tracks room membership and dispatches groupchat traffic.
type Manager struct {
	session   Session
	service   func() jid.JID
	nick      func() string
	connected func() bool
	logger    log.Interface

	mu       sync.Mutex
	joined   map[string]struct{}
	pending  map[string]*pendingOp
	handlers map[string][]*handlerEntry
}

// NewManager returns a Manager wired to the given collaborators.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = log.Log
	}
	connected := deps.Connected
	if connected == nil {
		connected = func() bool { return true }
	}
	return &Manager{
		session:   deps.Session,
		service:   deps.Service,
		nick:      deps.Nick,
		connected: connected,
		logger:    logger,
		joined:    make(map[string]struct{}),
		pending:   make(map[string]*pendingOp),
		handlers:  make(map[string][]*handlerEntry),
	}
}

// RoomJID resolves a room identifier to a bare room JID. Identifiers may be
// full bare JIDs or plain room names, which are qualified against the
// discovered conference service.
func (m *Manager) RoomJID(room string) (jid.JID, error) {
	if strings.Contains(room, "@") {
		j, err := jid.Parse(room)
		if err != nil {
			return jid.JID{}, fmt.Errorf("rooms: bad room address %q: %w", room, err)
		}
		return j.Bare(), nil
	}
	svc := m.service()
	if svc.Equal(jid.JID{}) {
		return jid.JID{}, ErrNoService
	}
	j, err := jid.New(room, svc.Domainpart(), "")
	if err != nil {
		return jid.JID{}, fmt.Errorf("rooms: bad room name %q: %w", room, err)
	}
	return j, nil
}

// List queries the conference service's room listing. It returns an empty
// slice when the session is offline or no service was discovered.
func (m *Manager) List(ctx context.Context) ([]Room, error) {
	if !m.connected() {
		return nil, nil
	}
	svc := m.service()
	if svc.Equal(jid.JID{}) {
		return nil, nil
	}
	items, err := discover.Items(ctx, m.session, svc, "")
	if err != nil {
		return nil, fmt.Errorf("rooms: listing rooms: %w", err)
	}
	rooms := make([]Room, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.JID.Localpart()
		}
		rooms = append(rooms, Room{ID: it.JID.Bare().String(), Name: name})
	}
	return rooms, nil
}

// Join enters the room and, on success, adds it to the membership set. A
// non-nil handler is registered for the room's messages. Joins of an
// already-joined room only register the handler. A join that races an
// in-flight join for the same room waits for and shares its outcome.
func (m *Manager) Join(ctx context.Context, room string, h Handler) error {
	if !m.connected() {
		return ErrNotConnected
	}
	bare, err := m.RoomJID(room)
	if err != nil {
		return err
	}
	key := bare.String()

	m.mu.Lock()
	if _, ok := m.joined[key]; ok {
		m.mu.Unlock()
		if h != nil {
			m.OnMessage(key, h)
		}
		return nil
	}
	if p, ok := m.pending[key]; ok {
		m.mu.Unlock()
		select {
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if p.err != nil {
			return p.err
		}
		if !p.entered {
			return fmt.Errorf("rooms: join of %s refused", key)
		}
		if h != nil {
			m.OnMessage(key, h)
		}
		return nil
	}
	p := &pendingOp{done: make(chan struct{})}
	m.pending[key] = p
	m.mu.Unlock()

	full, err := bare.WithResource(m.nick())
	if err != nil {
		m.abandon(key, p, err)
		return err
	}

	payload := xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "history"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "maxstanzas"}, Value: strconv.Itoa(historyLimit)}},
		}),
		xml.StartElement{Name: xml.Name{Space: muc.NS, Local: "x"}},
	)

	errChan := make(chan error, 1)
	go m.sendPresence(ctx, stanza.Presence{
		ID: uuid.NewString(),
		To: full,
	}, payload, errChan)

	select {
	case <-p.done:
		if p.err != nil {
			return p.err
		}
		if !p.entered {
			return fmt.Errorf("rooms: join of %s refused", key)
		}
		if h != nil {
			m.OnMessage(key, h)
		}
		return nil
	case err := <-errChan:
		m.abandon(key, p, err)
		return err
	case <-ctx.Done():
		m.abandon(key, p, ctx.Err())
		return ctx.Err()
	}
}

// Leave exits the room. The room is removed from the membership set and its
// handler list is cleared before the departure presence is sent, so Leave
// reports success even when the service's acknowledgement does not arrive
// within the context deadline. Leaving a room that was never joined is not
// an error.
func (m *Manager) Leave(ctx context.Context, room string) error {
	if !m.connected() {
		return ErrNotConnected
	}
	bare, err := m.RoomJID(room)
	if err != nil {
		return err
	}
	key := bare.String()

	m.mu.Lock()
	delete(m.joined, key)
	delete(m.handlers, key)
	// A leave supersedes whatever operation is in flight for the room: the
	// displaced op completes as not-entered so its waiters do not hang.
	if prev, ok := m.pending[key]; ok && !prev.complete {
		prev.complete = true
		close(prev.done)
	}
	p := &pendingOp{done: make(chan struct{})}
	m.pending[key] = p
	m.mu.Unlock()

	full, err := bare.WithResource(m.nick())
	if err != nil {
		m.abandon(key, p, err)
		return err
	}

	errChan := make(chan error, 1)
	go m.sendPresence(ctx, stanza.Presence{
		ID:   uuid.NewString(),
		To:   full,
		Type: stanza.UnavailablePresence,
	}, nil, errChan)

	select {
	case <-p.done:
		return p.err
	case err := <-errChan:
		m.abandon(key, p, err)
		return err
	case <-ctx.Done():
		// Local bookkeeping is already cleared; the echo just never came.
		m.abandon(key, p, nil)
		m.logger.WithField("room", key).Debug("room departure not acknowledged before deadline")
		return nil
	}
}

// Joined returns a snapshot of the membership set as bare room JID strings.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for room := range m.joined {
		out = append(out, room)
	}
	return out
}

// IsJoined reports whether the room is currently in the membership set.
func (m *Manager) IsJoined(room string) bool {
	bare, err := m.RoomJID(room)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.joined[bare.String()]
	return ok
}

// Send serializes payload as the JSON body of a groupchat message to the
// room. It returns the client-generated message ID, which is distinct from
// any ID the service later assigns.
func (m *Manager) Send(ctx context.Context, room string, payload interface{}) (string, error) {
	if !m.connected() {
		return "", ErrNotConnected
	}
	bare, err := m.RoomJID(room)
	if err != nil {
		return "", err
	}
	key := bare.String()
	m.mu.Lock()
	_, ok := m.joined[key]
	m.mu.Unlock()
	if !ok {
		return "", ErrNotJoined
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("rooms: encoding message body: %w", err)
	}
	id := uuid.NewString()
	// Groupchat messages are fire-and-forget: a delivered message gets no
	// reply, so a reply-awaiting send would block until the deadline.
	msg := stanza.Message{
		ID:   id,
		To:   bare,
		Type: stanza.GroupChatMessage,
	}
	err = m.session.Send(ctx, msg.Wrap(xmlstream.Wrap(
		xmlstream.Token(xml.CharData(body)),
		xml.StartElement{Name: xml.Name{Local: "body"}},
	)))
	if err != nil {
		return "", fmt.Errorf("rooms: sending to %s: %w", key, err)
	}
	return id, nil
}

// Members lists the occupants of a joined room. A room outside the
// membership set yields an empty result and a warning log, matching the
// room listing's offline behavior.
func (m *Manager) Members(ctx context.Context, room string) ([]User, error) {
	bare, err := m.RoomJID(room)
	if err != nil {
		return nil, err
	}
	key := bare.String()
	m.mu.Lock()
	_, ok := m.joined[key]
	m.mu.Unlock()
	if !ok {
		m.logger.WithField("room", key).Warn("occupant listing requested for room that is not joined")
		return nil, nil
	}
	items, err := discover.Items(ctx, m.session, bare, "")
	if err != nil {
		return nil, fmt.Errorf("rooms: listing occupants of %s: %w", key, err)
	}
	users := make([]User, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.JID.Resourcepart()
		}
		users = append(users, User{ID: it.JID.String(), Name: name})
	}
	return users, nil
}

// HandleMembership completes any in-flight join or leave for the room and
// keeps the membership set in line with unsolicited transitions (kicks,
// service shutdown). It is normally wired to the presence tracker's
// room-change notifications.
func (m *Manager) HandleMembership(room string, entered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entered {
		m.joined[room] = struct{}{}
	} else {
		delete(m.joined, room)
	}
	p, ok := m.pending[room]
	if !ok || p.complete {
		return
	}
	p.entered = entered
	p.complete = true
	delete(m.pending, room)
	close(p.done)
}

// Reset drops all membership and pending state. Called on disconnect.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joined = make(map[string]struct{})
	for room, p := range m.pending {
		if !p.complete {
			p.complete = true
			p.err = ErrNotConnected
			close(p.done)
		}
		delete(m.pending, room)
	}
}

// sendPresence issues a directed presence and reports only error outcomes on
// errChan: the success signal is the self-presence echo handled elsewhere.
func (m *Manager) sendPresence(ctx context.Context, p stanza.Presence, payload xml.TokenReader, errChan chan<- error) {
	resp, err := m.session.SendPresenceElement(ctx, payload, p)
	if err != nil {
		errChan <- err
		return
	}
	if resp == nil {
		return
	}
	/* #nosec */
	defer resp.Close()
	// Pop the start presence token.
	if _, err = resp.Token(); err != nil {
		errChan <- err
		return
	}
	stanzaError, err := stanza.UnmarshalError(resp)
	if err != nil {
		errChan <- err
		return
	}
	errChan <- stanzaError
}

func (m *Manager) abandon(room string, p *pendingOp, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.complete {
		return
	}
	p.complete = true
	p.err = err
	if m.pending[room] == p {
		delete(m.pending, room)
	}
	close(p.done)
}
