// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package pubsub synchronizes JSON documents through a publish–subscribe
// service.
//
// Documents are stored as items on named nodes. The Manager tracks at most
// one subscription per node for its session and fans change notifications
// out to registered handlers. Because most services do not echo a publish
// back to its author, a successful publish also notifies the local handlers
// directly; a handler may therefore observe the same change twice and must
// be idempotent.
package pubsub

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"sync"

	"github.com/apex/log"
	"golang.org/x/sync/singleflight"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Namespaces used by this package.
const (
	NS      = `http://jabber.org/protocol/pubsub`
	NSOwner = `http://jabber.org/protocol/pubsub#owner`
	NSEvent = `http://jabber.org/protocol/pubsub#event`

	// NSJSON is the JSON container namespace items are wrapped in.
	NSJSON = `urn:xmpp:json:0`
)

// Sentinel errors returned by document operations.
var (
	ErrNotConnected = errors.New("pubsub: not connected")
	ErrNoService    = errors.New("pubsub: no pubsub service discovered")
)

// Session is the IQ round-trip surface the manager needs.
// *xmpp.Session satisfies it.
type Session interface {
	UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error
	LocalAddr() jid.JID
}

// Document is an entry in the service's node listing.
type Document struct {
	Node string
	Name string
}

// Subscription is one server-side subscription of this user.
type Subscription struct {
	Node  string
	JID   string
	SubID string
	State string
}

// NodeConfig is the subset of a node's configuration this application reads.
type NodeConfig struct {
	NodeType    string // "leaf" or "collection"
	AccessModel string // "open" or "authorise"
}

// Change is a document change notification.
type Change struct {
	Node    string
	ItemID  string
	Content json.RawMessage
}

// ChangeHandler receives document change notifications. Handlers registered
// through OnChange observe every node's changes and filter by node
// themselves; handlers registered through Subscribe observe only their
// node's changes.
type ChangeHandler func(Change)

type changeEntry struct {
	node string // empty matches every node
	h    ChangeHandler
}

// Deps are the collaborators a Manager is constructed with.
type Deps struct {
	Session Session
	// Service reports the discovered pubsub service address; the zero JID
	// means discovery has not produced one.
	Service func() jid.JID
	// Connected reports the session's connection state.
	Connected func() bool
	Logger    log.Interface
}

// Manager owns the session's document subscriptions and change fan-out.
type Manager struct {
	session   Session
	service   func() jid.JID
	connected func() bool
	logger    log.Interface

	subscribing singleflight.Group

	mu       sync.Mutex
	subs     map[string]string // node → subid
	handlers []*changeEntry
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
		connected: connected,
		logger:    logger,
		subs:      make(map[string]string),
	}
}

// OnChange registers h for every node's change notifications. The returned
// function removes the registration.
func (m *Manager) OnChange(h ChangeHandler) func() {
	e := &changeEntry{h: h}
	m.mu.Lock()
	m.handlers = append(m.handlers, e)
	m.mu.Unlock()

	return func() { m.removeEntry(e) }
}

// SubscriptionID returns the tracked subscription ID for the node, if any.
func (m *Manager) SubscriptionID(node string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.subs[node]
	return id, ok
}

func (m *Manager) serviceAddr() (jid.JID, error) {
	if !m.connected() {
		return jid.JID{}, ErrNotConnected
	}
	svc := m.service()
	if svc.Equal(jid.JID{}) {
		return jid.JID{}, ErrNoService
	}
	return svc, nil
}

func (m *Manager) notify(c Change) {
	m.mu.Lock()
	entries := append([]*changeEntry(nil), m.handlers...)
	m.mu.Unlock()
	for _, e := range entries {
		if e.node != "" && e.node != c.Node {
			continue
		}
		e.h(c)
	}
}

func (m *Manager) addEntry(e *changeEntry) {
	m.mu.Lock()
	m.handlers = append(m.handlers, e)
	m.mu.Unlock()
}

func (m *Manager) removeEntry(e *changeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cand := range m.handlers {
		if cand == e {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

func (m *Manager) removeNodeEntries(node string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.handlers[:0]
	for _, e := range m.handlers {
		if e.node != node {
			kept = append(kept, e)
		}
	}
	m.handlers = kept
}

// isCondition reports whether err carries the given stanza error condition.
func isCondition(err error, c stanza.Condition) bool {
	var se stanza.Error
	if errors.As(err, &se) {
		return se.Condition == c
	}
	return false
}

// notFound reports whether err is the protocol's item-not-found condition,
// which this layer treats as an ordinary empty result.
func notFound(err error) bool {
	return isCondition(err, stanza.ItemNotFound)
}
