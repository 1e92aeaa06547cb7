// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wardroom

import (
	"encoding/json"
	"encoding/xml"
	"io"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/presence"
	"github.com/wardroomhq/wardroom/pubsub"
	"github.com/wardroomhq/wardroom/rooms"
)

type messageStanza struct {
	stanza.Message
	Body  string        `xml:"body"`
	Event *pubsub.Event `xml:"http://jabber.org/protocol/pubsub#event event"`
}

type presenceStanza struct {
	stanza.Presence
	MUCUser *presence.MUCUser `xml:"http://jabber.org/protocol/muc#user x"`
}

// handleXMPP routes inbound stanzas to the managers. Pubsub event messages
// go to the document manager, groupchat messages with a body to the room
// dispatcher, and presence to the tracker; everything else is left to the
// session's default IQ handling.
func (c *Client) handleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	d := xml.NewTokenDecoder(t)
	switch start.Name.Local {
	case "message":
		var msg messageStanza
		err := d.DecodeElement(&msg, start)
		if err != nil && err != io.EOF {
			return err
		}
		if msg.Event != nil {
			c.docs.HandleEvent(*msg.Event)
			return nil
		}
		if msg.Type == stanza.GroupChatMessage && msg.Body != "" {
			c.rooms.Dispatch(rooms.Message{
				Room: msg.From.Bare().String(),
				From: msg.From.Resourcepart(),
				ID:   msg.ID,
				Body: json.RawMessage(msg.Body),
			})
		}
	case "presence":
		var pres presenceStanza
		err := d.DecodeElement(&pres, start)
		if err != nil && err != io.EOF {
			return err
		}
		c.tracker.HandlePresence(pres.Presence, pres.MUCUser)
	}
	return nil
}
