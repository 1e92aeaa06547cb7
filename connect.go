// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wardroom

import (
	"context"
	"fmt"

	"github.com/apex/log"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/websocket"

	"github.com/wardroomhq/wardroom/internal/discover"
	"github.com/wardroomhq/wardroom/pubsub"
)

// Connect dials the server's WebSocket endpoint, negotiates and
// authenticates an XMPP stream, starts the serve loop, discovers the
// conference and pubsub services, and broadcasts initial presence. It is an
// error to call Connect on a connected client.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		current := c.addr
		c.mu.Unlock()
		return fmt.Errorf("wardroom: already connected as %s", current)
	}
	c.mu.Unlock()

	addr, err := jid.New(c.cfg.Username, c.cfg.Domain, c.cfg.Resource)
	if err != nil {
		return fmt.Errorf("wardroom: bad address: %w", err)
	}
	origin := c.cfg.Origin
	if origin == "" {
		origin = "https://" + c.cfg.Domain
	}

	conn, err := websocket.DialDirect(ctx, origin, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("wardroom: dial %s: %w", c.cfg.URL, err)
	}
	session, err := websocket.NewSession(ctx, addr, conn,
		xmpp.BindResource(),
		xmpp.SASL("", c.cfg.Password, sasl.ScramSha1, sasl.Plain),
	)
	if err != nil {
		/* #nosec */
		conn.Close()
		return fmt.Errorf("wardroom: negotiate session: %w", err)
	}

	bound := session.LocalAddr()
	done := make(chan struct{})
	c.mu.Lock()
	c.session = session
	c.addr = bound
	c.connected = true
	c.serveDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		err := session.Serve(xmpp.HandlerFunc(c.handleXMPP))
		if err != nil {
			c.logger.WithError(err).Debug("serve loop ended")
		}
	}()

	c.discoverServices(ctx)

	// Broadcast availability so the roster and joined rooms see us.
	err = session.Send(ctx, stanza.Presence{From: bound}.Wrap(nil))
	if err != nil {
		c.logger.WithError(err).Warn("sending initial presence")
	}

	c.logger.WithField("jid", bound.String()).Info("connected")
	return nil
}

// Disconnect unsubscribes the session's pubsub subscriptions, clears room
// state, and closes the stream. Calling Disconnect on a disconnected client
// is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	session, done, ok := c.beginTeardown()
	if !ok {
		return nil
	}

	// Best effort; the server drops ephemeral subscriptions regardless when
	// the connection goes away.
	c.docs.Shutdown(ctx)
	c.rooms.Reset()

	c.mu.Lock()
	c.connected = false
	c.closing = false
	c.session = nil
	c.mucSvc = jid.JID{}
	c.pubsubSvc = jid.JID{}
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
		/* #nosec */
		session.Conn().Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	c.logger.Info("disconnected")
	return err
}

// beginTeardown claims the right to tear the session down. Exactly one
// caller wins; a Disconnect racing another Disconnect is a no-op. The
// connected flag stays set while the winner runs its best-effort cleanup so
// the managers can still issue their unsubscribe round trips.
func (c *Client) beginTeardown() (*xmpp.Session, chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.closing {
		return nil, nil, false
	}
	c.closing = true
	return c.session, c.serveDone, true
}

// discoverServices walks the server's items looking for the conference and
// pubsub components. Openfire serves them as subdomains; when item
// discovery fails the conventional conference.<domain> address is assumed
// for Multi-User Chat.
func (c *Client) discoverServices(ctx context.Context) {
	c.mu.Lock()
	domain := c.addr.Domain()
	c.mu.Unlock()
	var mucSvc, pubsubSvc jid.JID

	items, err := discover.Items(ctx, sessionProxy{c}, domain, "")
	if err != nil {
		c.logger.WithError(err).Debug("service discovery")
	}
	for _, item := range items {
		addr := item.JID
		info, err := discover.GetInfo(ctx, sessionProxy{c}, addr, "")
		if err != nil {
			c.logger.WithError(err).WithField("jid", addr.String()).Debug("service discovery")
			continue
		}
		switch {
		case info.Identity("conference", "text"):
			mucSvc = addr
		case info.Identity("pubsub", "service") || info.HasFeature(pubsub.NS):
			pubsubSvc = addr
		}
	}
	if mucSvc.Equal(jid.JID{}) {
		mucSvc, err = jid.New("", "conference."+c.cfg.Domain, "")
		if err != nil {
			c.logger.WithError(err).Warn("conference fallback address")
		}
	}
	if pubsubSvc.Equal(jid.JID{}) {
		// Openfire hosts pubsub on the bare domain itself.
		pubsubSvc = domain
	}

	c.mu.Lock()
	c.mucSvc = mucSvc
	c.pubsubSvc = pubsubSvc
	c.mu.Unlock()

	c.logger.WithFields(log.Fields{
		"muc":    mucSvc.String(),
		"pubsub": pubsubSvc.String(),
	}).Debug("discovered services")
}
