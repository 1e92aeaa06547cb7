// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package presence routes incoming presence stanzas to per-room availability
// handlers and room membership listeners.
//
// A single Tracker serves the whole session. Each incoming presence is
// classified exactly once: a MUC self-presence (status code 110) describes
// the session's own membership in a room and is routed to room-change
// listeners; a presence from a conference occupant address is routed to the
// handlers of that room; anything else is a direct presence and fans out to
// every registered handler.
package presence

import (
	"encoding/xml"
	"strings"
	"sync"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// The MUC status code carried by presences that describe the receiving
// session's own occupancy.
const selfPresenceCode = 110

// Handler receives the availability of a single user. For room occupants the
// user is the occupant nickname; for direct presence it is the bare localpart
// of the sender.
type Handler func(user string, available bool)

// RoomChangeFunc is notified when this session enters or leaves a room.
type RoomChangeFunc func(room string, entered bool)

// MUCUser is the decoded http://jabber.org/protocol/muc#user extension of a
// presence stanza.
type MUCUser struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/muc#user x"`
	Item    struct {
		Affiliation string `xml:"affiliation,attr"`
		Role        string `xml:"role,attr"`
		JID         string `xml:"jid,attr"`
	} `xml:"item"`
	Status []struct {
		Code int `xml:"code,attr"`
	} `xml:"status"`
}

// HasStatus reports whether the extension carries the given status code.
func (u *MUCUser) HasStatus(code int) bool {
	if u == nil {
		return false
	}
	for _, s := range u.Status {
		if s.Code == code {
			return true
		}
	}
	return false
}

type handlerEntry struct {
	room string
	h    Handler
}

type roomChangeEntry struct {
	l RoomChangeFunc
}

// Tracker classifies incoming presence for one session.
type Tracker struct {
	mucDomain func() string

	mu         sync.Mutex
	handlers   map[string][]*handlerEntry
	roomChange []*roomChangeEntry
}

// NewTracker returns a Tracker. The mucDomain callback reports the domain of
// the discovered conference service and may return the empty string before
// discovery completes; occupant classification then falls back to the
// conventional "conference." prefix.
func NewTracker(mucDomain func() string) *Tracker {
	if mucDomain == nil {
		mucDomain = func() string { return "" }
	}
	return &Tracker{
		mucDomain: mucDomain,
		handlers:  make(map[string][]*handlerEntry),
	}
}

// Subscribe registers h for availability updates in the given room (a bare
// room JID string). The returned function removes exactly this registration;
// the room's list is deleted entirely once empty.
func (t *Tracker) Subscribe(room string, h Handler) func() {
	e := &handlerEntry{room: room, h: h}
	t.mu.Lock()
	t.handlers[room] = append(t.handlers[room], e)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		list := t.handlers[e.room]
		for i, cand := range list {
			if cand == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(t.handlers, e.room)
		} else {
			t.handlers[e.room] = list
		}
	}
}

// OnRoomChange registers a listener for this session's own membership
// transitions. The returned function removes the listener.
func (t *Tracker) OnRoomChange(l RoomChangeFunc) func() {
	e := &roomChangeEntry{l: l}
	t.mu.Lock()
	t.roomChange = append(t.roomChange, e)
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cand := range t.roomChange {
			if cand == e {
				t.roomChange = append(t.roomChange[:i], t.roomChange[i+1:]...)
				return
			}
		}
	}
}

// HandlePresence classifies one incoming presence. It is normally called by
// the session's serve loop; x may be nil when the stanza carried no MUC
// extension.
func (t *Tracker) HandlePresence(p stanza.Presence, x *MUCUser) {
	available := p.Type != stanza.UnavailablePresence

	if x.HasStatus(selfPresenceCode) {
		// Our own occupancy changed: an unavailable self-presence is always
		// a departure, and servers report affiliation "none" on kick/ban.
		entered := available && x.Item.Affiliation != "none"
		room := p.From.Bare().String()
		for _, e := range t.snapshotRoomChange() {
			e.l(room, entered)
		}
		return
	}

	if t.isOccupant(p.From) {
		room := p.From.Bare().String()
		nick := p.From.Resourcepart()
		for _, e := range t.snapshotHandlers(room) {
			e.h(nick, available)
		}
		return
	}

	// Direct presence: every handler in every room observes it.
	user := p.From.Localpart()
	for _, e := range t.snapshotAll() {
		e.h(user, available)
	}
}

func (t *Tracker) isOccupant(from jid.JID) bool {
	domain := from.Domainpart()
	if svc := t.mucDomain(); svc != "" {
		return domain == svc
	}
	return strings.HasPrefix(domain, "conference.")
}

func (t *Tracker) snapshotHandlers(room string) []*handlerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*handlerEntry(nil), t.handlers[room]...)
}

func (t *Tracker) snapshotAll() []*handlerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []*handlerEntry
	for _, list := range t.handlers {
		all = append(all, list...)
	}
	return all
}

func (t *Tracker) snapshotRoomChange() []*roomChangeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*roomChangeEntry(nil), t.roomChange...)
}
