// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package rooms_test

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/internal/sessiontest"
	"github.com/wardroomhq/wardroom/rooms"
)

const (
	confDomain = "conference.hq.example.net"
	roomOps    = "ops@conference.hq.example.net"
)

// newManager returns a manager whose presence round trips are acknowledged
// the way a MUC service acknowledges them: every directed presence is echoed
// back as a membership transition.
func newManager(t *testing.T) (*rooms.Manager, *sessiontest.Fake) {
	t.Helper()
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	m := rooms.NewManager(rooms.Deps{
		Session: fake,
		Service: func() jid.JID { return jid.MustParse(confDomain) },
		Nick:    func() string { return "alice" },
	})
	fake.PresenceSent = func(p sessiontest.SentPresence) {
		entered := p.Presence.Type != stanza.UnavailablePresence
		m.HandleMembership(p.Presence.To.Bare().String(), entered)
	}
	return m, fake
}

func TestRoomJID(t *testing.T) {
	m, _ := newManager(t)
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"ops", roomOps},
		{roomOps, roomOps},
		{"ops@conference.hq.example.net/alice", roomOps},
	} {
		got, err := m.RoomJID(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got.String())
	}
}

func TestRoomJIDNoService(t *testing.T) {
	m := rooms.NewManager(rooms.Deps{
		Session: &sessiontest.Fake{},
		Service: func() jid.JID { return jid.JID{} },
		Nick:    func() string { return "alice" },
	})
	_, err := m.RoomJID("ops")
	assert.ErrorIs(t, err, rooms.ErrNoService)
}

func TestJoin(t *testing.T) {
	m, fake := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []rooms.Message
	err := m.Join(ctx, "ops", func(msg rooms.Message) {
		got = append(got, msg)
	})
	require.NoError(t, err)
	assert.True(t, m.IsJoined("ops"))
	assert.Equal(t, []string{roomOps}, m.Joined())

	// The join presence is directed at room/nick and asks for bounded
	// history.
	presences := fake.Presences()
	require.Len(t, presences, 1)
	assert.Equal(t, roomOps+"/alice", presences[0].Presence.To.String())
	assert.Contains(t, presences[0].Payload, `maxstanzas="20"`)

	m.Dispatch(rooms.Message{Room: roomOps, From: "bob", Body: []byte(`{"n":1}`)})
	require.Len(t, got, 1)
	assert.Equal(t, "bob", got[0].From)
}

func TestJoinAlreadyJoined(t *testing.T) {
	m, fake := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.Join(ctx, "ops", nil))
	require.NoError(t, m.Join(ctx, "ops", func(rooms.Message) {}))
	// The second join registers its handler without another round trip.
	assert.Len(t, fake.Presences(), 1)
}

func TestJoinNotConnected(t *testing.T) {
	m := rooms.NewManager(rooms.Deps{
		Session:   &sessiontest.Fake{},
		Service:   func() jid.JID { return jid.MustParse(confDomain) },
		Nick:      func() string { return "alice" },
		Connected: func() bool { return false },
	})
	err := m.Join(context.Background(), "ops", nil)
	assert.ErrorIs(t, err, rooms.ErrNotConnected)
}

func TestJoinContextExpires(t *testing.T) {
	// No presence echo ever arrives.
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	m := rooms.NewManager(rooms.Deps{
		Session: fake,
		Service: func() jid.JID { return jid.MustParse(confDomain) },
		Nick:    func() string { return "alice" },
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := m.Join(ctx, "ops", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, m.IsJoined("ops"))
}

func TestLeave(t *testing.T) {
	m, fake := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, m.Join(ctx, "ops", func(rooms.Message) {
		t.Error("handler survived leaving the room")
	}))
	require.NoError(t, m.Leave(ctx, "ops"))
	assert.False(t, m.IsJoined("ops"))
	assert.Empty(t, m.Joined())

	presences := fake.Presences()
	require.Len(t, presences, 2)
	assert.Equal(t, stanza.UnavailablePresence, presences[1].Presence.Type)

	// Messages that arrive after the departure go nowhere.
	m.Dispatch(rooms.Message{Room: roomOps, From: "bob", Body: []byte(`{}`)})
}

func TestLeaveNeverJoined(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Leave(ctx, "ops"))
}

func TestLeaveUnacknowledged(t *testing.T) {
	// The departure echo never arrives; Leave still reports success once
	// the deadline passes because local bookkeeping is already clear.
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	m := rooms.NewManager(rooms.Deps{
		Session: fake,
		Service: func() jid.JID { return jid.MustParse(confDomain) },
		Nick:    func() string { return "alice" },
	})
	m.HandleMembership(roomOps, true)
	require.True(t, m.IsJoined("ops"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, m.Leave(ctx, "ops"))
	assert.False(t, m.IsJoined("ops"))
}

func TestLeaveCompletesInFlightJoin(t *testing.T) {
	// The service never acknowledges the join; a leave issued while it is in
	// flight must fail the waiting join rather than leave it hanging.
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	m := rooms.NewManager(rooms.Deps{
		Session: fake,
		Service: func() jid.JID { return jid.MustParse(confDomain) },
		Nick:    func() string { return "alice" },
	})
	fake.PresenceSent = func(p sessiontest.SentPresence) {
		if p.Presence.Type == stanza.UnavailablePresence {
			m.HandleMembership(p.Presence.To.Bare().String(), false)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	joinErr := make(chan error, 1)
	go func() { joinErr <- m.Join(ctx, "ops", nil) }()
	require.Eventually(t, func() bool {
		return len(fake.Presences()) == 1
	}, time.Second, time.Millisecond, "join presence never sent")

	require.NoError(t, m.Leave(ctx, "ops"))
	select {
	case err := <-joinErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("displaced join still blocked after the leave completed")
	}
	assert.False(t, m.IsJoined("ops"))
}

func TestSend(t *testing.T) {
	m, fake := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx, "ops", nil))

	id, err := m.Send(ctx, "ops", map[string]interface{}{"unit": "alpha", "heading": 270})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := fake.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, stanza.GroupChatMessage, msgs[0].Message.Type)
	assert.Equal(t, roomOps, msgs[0].Message.To.String())
	assert.Equal(t, id, msgs[0].Message.ID)

	var body struct {
		XMLName xml.Name `xml:"body"`
		Text    string   `xml:",chardata"`
	}
	require.NoError(t, xml.Unmarshal([]byte(msgs[0].Payload), &body))
	assert.JSONEq(t, `{"unit":"alpha","heading":270}`, body.Text)
}

func TestSendNoReplyNeeded(t *testing.T) {
	// A delivered groupchat message gets no reply stanza; Send must report
	// the generated ID without waiting out the caller's context.
	m, _ := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx, "ops", nil))

	start := time.Now()
	id, err := m.Send(ctx, "ops", map[string]string{"order": "hold"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSendNotJoined(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Send(context.Background(), "ops", map[string]string{"k": "v"})
	assert.ErrorIs(t, err, rooms.ErrNotJoined)
}

func TestList(t *testing.T) {
	m, fake := newManager(t)
	fake.Respond = func(req sessiontest.Request) (string, error) {
		return `<query xmlns="http://jabber.org/protocol/disco#items">` +
			`<item jid="ops@conference.hq.example.net" name="Operations"/>` +
			`<item jid="planning@conference.hq.example.net"/></query>`, nil
	}
	got, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rooms.Room{ID: roomOps, Name: "Operations"}, got[0])
	// A listing without a name falls back to the room's localpart.
	assert.Equal(t, rooms.Room{ID: "planning@conference.hq.example.net", Name: "planning"}, got[1])
}

func TestListOffline(t *testing.T) {
	m := rooms.NewManager(rooms.Deps{
		Session:   &sessiontest.Fake{},
		Service:   func() jid.JID { return jid.MustParse(confDomain) },
		Nick:      func() string { return "alice" },
		Connected: func() bool { return false },
	})
	got, err := m.List(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, got)
}

func TestMembers(t *testing.T) {
	m, fake := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx, "ops", nil))

	fake.Respond = func(req sessiontest.Request) (string, error) {
		return `<query xmlns="http://jabber.org/protocol/disco#items">` +
			`<item jid="ops@conference.hq.example.net/bob"/>` +
			`<item jid="ops@conference.hq.example.net/carol" name="Carol"/></query>`, nil
	}
	got, err := m.Members(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rooms.User{ID: roomOps + "/bob", Name: "bob"}, got[0])
	assert.Equal(t, rooms.User{ID: roomOps + "/carol", Name: "Carol"}, got[1])
}

func TestMembersNotJoined(t *testing.T) {
	m, fake := newManager(t)
	got, err := m.Members(context.Background(), "ops")
	assert.NoError(t, err)
	assert.Empty(t, got)
	assert.Empty(t, fake.Requests())
}

func TestReset(t *testing.T) {
	m, _ := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx, "ops", nil))
	m.Reset()
	assert.Empty(t, m.Joined())
}

func TestUnsolicitedDeparture(t *testing.T) {
	// A kick arrives with no operation in flight.
	m, _ := newManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Join(ctx, "ops", nil))
	m.HandleMembership(roomOps, false)
	assert.False(t, m.IsJoined("ops"))
}
