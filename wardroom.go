// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package wardroom is the XMPP session core of the wardroom collaboration
// application.
//
// A Client is constructed once per login and composes the three managers the
// rest of the application talks to: rooms (Multi-User Chat), docs (pubsub
// document synchronization), and presence (availability tracking). Connect
// establishes a WebSocket-framed XMPP stream, authenticates, discovers the
// server's conference and pubsub services, and starts the serve loop that
// feeds incoming traffic to the managers; Disconnect tears the session's
// subscriptions down before severing the stream.
package wardroom

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"

	"github.com/apex/log"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/presence"
	"github.com/wardroomhq/wardroom/pubsub"
	"github.com/wardroomhq/wardroom/rooms"
)

// ErrNotConnected is returned by operations that require a live session.
var ErrNotConnected = errors.New("wardroom: not connected")

// Config describes one login.
type Config struct {
	// URL is the server's WebSocket endpoint, e.g. wss://host:7443/ws.
	URL string
	// Origin is the WebSocket origin sent during the handshake; it defaults
	// to https://<domain>.
	Origin string
	// Domain is the XMPP domain of the server.
	Domain string
	// Username and Password authenticate the session.
	Username string
	Password string
	// Resource labels this login; the server assigns one when empty.
	Resource string
	Logger   log.Interface
}

// Client is the session facade. Its zero value is not usable; construct it
// with NewClient.
type Client struct {
	cfg    Config
	logger log.Interface

	rooms   *rooms.Manager
	docs    *pubsub.Manager
	tracker *presence.Tracker

	mu        sync.Mutex
	connected bool
	closing   bool
	session   *xmpp.Session
	addr      jid.JID
	mucSvc    jid.JID
	pubsubSvc jid.JID
	serveDone chan struct{}
}

// NewClient builds a disconnected Client from the configuration.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Log
	}
	c := &Client{cfg: cfg, logger: logger}

	c.tracker = presence.NewTracker(func() string {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.mucSvc.Domainpart()
	})
	c.rooms = rooms.NewManager(rooms.Deps{
		Session:   sessionProxy{c},
		Service:   c.MUCService,
		Nick:      func() string { return c.cfg.Username },
		Connected: c.Connected,
		Logger:    logger,
	})
	c.docs = pubsub.NewManager(pubsub.Deps{
		Session:   sessionProxy{c},
		Service:   c.PubSubService,
		Connected: c.Connected,
		Logger:    logger,
	})
	// Self-presence transitions complete in-flight joins and leaves.
	c.tracker.OnRoomChange(c.rooms.HandleMembership)
	return c
}

// Rooms returns the Multi-User Chat manager.
func (c *Client) Rooms() *rooms.Manager { return c.rooms }

// Docs returns the pubsub document manager.
func (c *Client) Docs() *pubsub.Manager { return c.docs }

// Presence returns the presence tracker.
func (c *Client) Presence() *presence.Tracker { return c.tracker }

// Connected reports whether the session is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Identity returns the session's full JID, or the empty string if the
// client never connected.
func (c *Client) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr.Equal(jid.JID{}) {
		return ""
	}
	return c.addr.String()
}

// Domain returns the configured XMPP domain.
func (c *Client) Domain() string { return c.cfg.Domain }

// MUCService returns the discovered conference service address; the zero
// JID when none is known.
func (c *Client) MUCService() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mucSvc
}

// PubSubService returns the discovered pubsub service address; the zero JID
// when none is known.
func (c *Client) PubSubService() jid.JID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubsubSvc
}

func (c *Client) liveSession() *xmpp.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.session
}

// sessionProxy adapts the client's current session to the manager-facing
// interfaces; managers hold it across reconnect cycles while the underlying
// *xmpp.Session is replaced.
type sessionProxy struct {
	c *Client
}

func (p sessionProxy) UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error {
	s := p.c.liveSession()
	if s == nil {
		return ErrNotConnected
	}
	return s.UnmarshalIQElement(ctx, payload, iq, v)
}

func (p sessionProxy) Send(ctx context.Context, r xml.TokenReader) error {
	s := p.c.liveSession()
	if s == nil {
		return ErrNotConnected
	}
	return s.Send(ctx, r)
}

func (p sessionProxy) SendPresenceElement(ctx context.Context, payload xml.TokenReader, pres stanza.Presence) (xmlstream.TokenReadCloser, error) {
	s := p.c.liveSession()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s.SendPresenceElement(ctx, payload, pres)
}

func (p sessionProxy) LocalAddr() jid.JID {
	s := p.c.liveSession()
	if s == nil {
		return jid.JID{}
	}
	return s.LocalAddr()
}
