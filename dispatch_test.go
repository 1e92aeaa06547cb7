// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wardroom

import (
	"context"
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmlstream"

	"github.com/wardroomhq/wardroom/pubsub"
	"github.com/wardroomhq/wardroom/rooms"
)

// readEncoder adapts a token stream to the handler's interface; the encoder
// side is a sink because these handlers never reply in-stream.
type readEncoder struct {
	xml.TokenReader
}

func (readEncoder) EncodeToken(xml.Token) error { return nil }

func (readEncoder) Encode(interface{}) error { return nil }

func (readEncoder) EncodeElement(interface{}, xml.StartElement) error { return nil }

func feed(t *testing.T, c *Client, blob string) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(blob))
	tok, err := d.Token()
	require.NoError(t, err)
	start, ok := tok.(xml.StartElement)
	require.True(t, ok, "blob must open with a start element")
	require.NoError(t, c.handleXMPP(readEncoder{xmlstream.Inner(d)}, &start))
}

func newTestClient() *Client {
	return NewClient(Config{
		URL:      "wss://hq.example.net:7443/ws",
		Domain:   "hq.example.net",
		Username: "alice",
		Password: "secret",
	})
}

func TestDispatchGroupchat(t *testing.T) {
	c := newTestClient()
	var got []rooms.Message
	c.Rooms().OnMessage("", func(msg rooms.Message) { got = append(got, msg) })

	feed(t, c, `<message type="groupchat" id="m1" from="ops@conference.hq.example.net/bob">`+
		`<body>{"grid":27}</body></message>`)

	require.Len(t, got, 1)
	assert.Equal(t, "ops@conference.hq.example.net", got[0].Room)
	assert.Equal(t, "bob", got[0].From)
	assert.Equal(t, "m1", got[0].ID)
	assert.JSONEq(t, `{"grid":27}`, string(got[0].Body))
}

func TestDispatchIgnoresChatMessages(t *testing.T) {
	c := newTestClient()
	calls := 0
	c.Rooms().OnMessage("", func(rooms.Message) { calls++ })

	feed(t, c, `<message type="chat" from="bob@hq.example.net/web"><body>{"grid":27}</body></message>`)
	assert.Zero(t, calls)
}

func TestDispatchPubsubEvent(t *testing.T) {
	c := newTestClient()
	var got []pubsub.Change
	c.Docs().OnChange(func(ch pubsub.Change) { got = append(got, ch) })

	feed(t, c, `<message from="hq.example.net" to="alice@hq.example.net">`+
		`<event xmlns="http://jabber.org/protocol/pubsub#event">`+
		`<items node="mission/plan"><item id="item1">`+
		`<json xmlns="urn:xmpp:json:0">{"turn":4}</json></item></items></event></message>`)

	require.Len(t, got, 1)
	assert.Equal(t, "mission/plan", got[0].Node)
	assert.Equal(t, "item1", got[0].ItemID)
	assert.JSONEq(t, `{"turn":4}`, string(got[0].Content))
}

func TestDispatchSelfPresenceCompletesJoin(t *testing.T) {
	c := newTestClient()

	feed(t, c, `<presence from="ops@conference.hq.example.net/alice">`+
		`<x xmlns="http://jabber.org/protocol/muc#user">`+
		`<item affiliation="member" role="participant"/>`+
		`<status code="110"/></x></presence>`)

	assert.Contains(t, c.Rooms().Joined(), "ops@conference.hq.example.net")
}

func TestDispatchOccupantPresence(t *testing.T) {
	c := newTestClient()
	var gotUser string
	var gotAvailable bool
	c.Presence().Subscribe("ops@conference.hq.example.net", func(user string, available bool) {
		gotUser, gotAvailable = user, available
	})

	feed(t, c, `<presence type="unavailable" from="ops@conference.hq.example.net/bob">`+
		`<x xmlns="http://jabber.org/protocol/muc#user">`+
		`<item affiliation="member" role="none"/></x></presence>`)

	assert.Equal(t, "bob", gotUser)
	assert.False(t, gotAvailable)
}

func TestAccessorsBeforeConnect(t *testing.T) {
	c := newTestClient()
	assert.False(t, c.Connected())
	assert.Empty(t, c.Identity())
	assert.Equal(t, "hq.example.net", c.Domain())

	_, err := c.Features(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Rooms().Join(context.Background(), "ops", nil)
	assert.ErrorIs(t, err, rooms.ErrNotConnected)

	_, err = c.Docs().Subscribe(context.Background(), "mission/plan", nil)
	assert.ErrorIs(t, err, pubsub.ErrNotConnected)
}
