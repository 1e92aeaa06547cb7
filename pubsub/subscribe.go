// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/apex/log"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Subscribe establishes this session's subscription to the node and returns
// its subscription ID. A node that is already subscribed returns the tracked
// ID without a network round trip, and concurrent subscribes for one node
// coalesce into a single request. Before subscribing, any stale server-side
// subscriptions left over from earlier sessions are cleared best-effort.
//
// A non-nil handler is registered for the node's change notifications and
// is removed again by Unsubscribe.
func (m *Manager) Subscribe(ctx context.Context, node string, h ChangeHandler) (string, error) {
	if id, ok := m.SubscriptionID(node); ok {
		if h != nil {
			m.addEntry(&changeEntry{node: node, h: h})
		}
		return id, nil
	}

	v, err, _ := m.subscribing.Do(node, func() (interface{}, error) {
		// Re-check: the table may have been filled while queued.
		if id, ok := m.SubscriptionID(node); ok {
			return id, nil
		}
		m.clearStale(ctx, node)
		id, err := m.subscribe(ctx, node)
		if err != nil {
			return "", err
		}
		m.mu.Lock()
		m.subs[node] = id
		m.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	if h != nil {
		m.addEntry(&changeEntry{node: node, h: h})
	}
	return v.(string), nil
}

// Unsubscribe tears down this session's subscription to the node. The
// tracked subscription ID is preferred; an explicitly passed subID is used
// when nothing is tracked; with neither, an unqualified unsubscribe is
// attempted, which some services reject. Handlers registered for the node
// are removed and the table entry is dropped on success.
func (m *Manager) Unsubscribe(ctx context.Context, node, subID string) error {
	svc, err := m.serviceAddr()
	if err != nil {
		return err
	}
	if tracked, ok := m.SubscriptionID(node); ok {
		subID = tracked
	}
	if err := m.unsubscribe(ctx, svc, node, m.session.LocalAddr().Bare().String(), subID); err != nil {
		return fmt.Errorf("pubsub: unsubscribing from %s: %w", node, err)
	}
	m.mu.Lock()
	delete(m.subs, node)
	m.mu.Unlock()
	m.removeNodeEntries(node)
	return nil
}

// Subscriptions lists every server-side subscription this user holds across
// all nodes.
func (m *Manager) Subscriptions(ctx context.Context) ([]Subscription, error) {
	return m.subscriptions(ctx, "")
}

// ClearSubscriptions enumerates all of the user's server-side subscriptions
// and unsubscribes every one, returning the snapshot that was cleared. It is
// used at login to guarantee a clean slate before this session establishes
// its own subscriptions. Individual failures are logged, not propagated.
func (m *Manager) ClearSubscriptions(ctx context.Context) ([]Subscription, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return nil, err
	}
	subs, err := m.subscriptions(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if err := m.unsubscribe(ctx, svc, sub.Node, sub.JID, sub.SubID); err != nil {
			m.logger.WithFields(log.Fields{
				"node":  sub.Node,
				"subid": sub.SubID,
			}).WithError(err).Warn("failed to clear subscription")
		}
	}
	m.mu.Lock()
	m.subs = make(map[string]string)
	m.mu.Unlock()
	return subs, nil
}

// Shutdown best-effort-unsubscribes every tracked subscription. Failures
// are logged, never propagated, so teardown cannot stall on a broken
// service. Called on disconnect.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]string, len(m.subs))
	for node, id := range m.subs {
		snapshot[node] = id
	}
	m.subs = make(map[string]string)
	m.handlers = nil
	m.mu.Unlock()

	svc := m.service()
	if svc.Equal(jid.JID{}) {
		return
	}
	own := m.session.LocalAddr().Bare().String()
	for node, id := range snapshot {
		if err := m.unsubscribe(ctx, svc, node, own, id); err != nil {
			m.logger.WithFields(log.Fields{
				"node":  node,
				"subid": id,
			}).WithError(err).Warn("failed to unsubscribe during teardown")
		}
	}
}

// clearStale drops any server-side subscriptions for the node left over
// from a previous session. Best effort: failures are logged and the fresh
// subscribe proceeds regardless.
func (m *Manager) clearStale(ctx context.Context, node string) {
	svc, err := m.serviceAddr()
	if err != nil {
		return
	}
	subs, err := m.subscriptions(ctx, node)
	if err != nil {
		m.logger.WithField("node", node).WithError(err).Debug("could not list stale subscriptions")
		return
	}
	for _, sub := range subs {
		if err := m.unsubscribe(ctx, svc, node, sub.JID, sub.SubID); err != nil {
			m.logger.WithFields(log.Fields{
				"node":  node,
				"subid": sub.SubID,
			}).WithError(err).Debug("could not clear stale subscription")
		}
	}
}

func (m *Manager) subscribe(ctx context.Context, node string) (string, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return "", err
	}
	var resp struct {
		XMLName      xml.Name `xml:"http://jabber.org/protocol/pubsub pubsub"`
		Subscription struct {
			Node  string `xml:"node,attr"`
			JID   string `xml:"jid,attr"`
			SubID string `xml:"subid,attr"`
			State string `xml:"subscription,attr"`
		} `xml:"subscription"`
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "subscribe"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "node"}, Value: node},
				{Name: xml.Name{Local: "jid"}, Value: m.session.LocalAddr().Bare().String()},
			},
		}),
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.SetIQ, To: svc}, &resp)
	if err != nil {
		return "", fmt.Errorf("pubsub: subscribing to %s: %w", node, err)
	}
	return resp.Subscription.SubID, nil
}

func (m *Manager) unsubscribe(ctx context.Context, svc jid.JID, node, ownJID, subID string) error {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "node"}, Value: node},
		{Name: xml.Name{Local: "jid"}, Value: ownJID},
	}
	if subID != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "subid"}, Value: subID})
	}
	return m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "unsubscribe"}, Attr: attrs}),
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.SetIQ, To: svc}, nil)
}

// subscriptions queries the user's server-side subscriptions, optionally
// scoped to one node.
func (m *Manager) subscriptions(ctx context.Context, node string) ([]Subscription, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return nil, err
	}
	start := xml.StartElement{Name: xml.Name{Local: "subscriptions"}}
	if node != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "node"}, Value: node})
	}
	var resp struct {
		XMLName       xml.Name `xml:"http://jabber.org/protocol/pubsub pubsub"`
		Subscriptions struct {
			Node string `xml:"node,attr"`
			Subs []struct {
				Node  string `xml:"node,attr"`
				JID   string `xml:"jid,attr"`
				SubID string `xml:"subid,attr"`
				State string `xml:"subscription,attr"`
			} `xml:"subscription"`
		} `xml:"subscriptions"`
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, start),
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.GetIQ, To: svc}, &resp)
	if err != nil {
		return nil, fmt.Errorf("pubsub: listing subscriptions: %w", err)
	}
	subs := make([]Subscription, 0, len(resp.Subscriptions.Subs))
	for _, s := range resp.Subscriptions.Subs {
		n := s.Node
		if n == "" {
			n = resp.Subscriptions.Node
		}
		subs = append(subs, Subscription{Node: n, JID: s.JID, SubID: s.SubID, State: s.State})
	}
	return subs, nil
}
