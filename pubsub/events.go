// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"encoding/json"
	"encoding/xml"
)

// Event is the decoded pubsub#event extension of a message stanza.
type Event struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/pubsub#event event"`
	Items   struct {
		Node  string `xml:"node,attr"`
		Items []struct {
			ID   string `xml:"id,attr"`
			JSON string `xml:"urn:xmpp:json:0 json"`
		} `xml:"item"`
	} `xml:"items"`
}

// HandleEvent fans one server-pushed change notification out to the
// registered change handlers. Notifications without a published item (for
// example retractions or configuration notifications) are ignored. It is
// normally called by the session's serve loop.
func (m *Manager) HandleEvent(ev Event) {
	if len(ev.Items.Items) == 0 {
		return
	}
	item := ev.Items.Items[0]
	m.notify(Change{
		Node:    ev.Items.Node,
		ItemID:  item.ID,
		Content: json.RawMessage(item.JSON),
	})
}
