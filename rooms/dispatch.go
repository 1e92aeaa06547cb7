// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package rooms

import "encoding/json"

// The registry key under which handlers for every room are stored.
const allRooms = ""

// Message is an incoming groupchat message.
type Message struct {
	// Room is the bare JID of the room the message arrived in.
	Room string
	// From is the sending occupant's nickname.
	From string
	// ID is the stanza ID as delivered by the service.
	ID string
	// Body is the JSON-encoded message payload.
	Body json.RawMessage
}

// Handler receives incoming room messages.
type Handler func(Message)

type handlerEntry struct {
	room string
	h    Handler
}

// OnMessage registers h for messages arriving in the given room (a plain
// name or bare room JID); the empty string registers it for every room.
// Handlers fire in registration order, room-specific handlers before
// all-rooms handlers. The returned function removes exactly this
// registration.
func (m *Manager) OnMessage(room string, h Handler) func() {
	key := allRooms
	if room != allRooms {
		if bare, err := m.RoomJID(room); err == nil {
			key = bare.String()
		} else {
			key = room
		}
	}
	e := &handlerEntry{room: key, h: h}
	m.mu.Lock()
	m.handlers[key] = append(m.handlers[key], e)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.handlers[e.room]
		for i, cand := range list {
			if cand == e {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(m.handlers, e.room)
		} else {
			m.handlers[e.room] = list
		}
	}
}

// ClearHandlers removes every handler registered for the room.
func (m *Manager) ClearHandlers(room string) {
	key := room
	if bare, err := m.RoomJID(room); err == nil {
		key = bare.String()
	}
	m.mu.Lock()
	delete(m.handlers, key)
	m.mu.Unlock()
}

// Dispatch delivers one incoming message to the room's handlers and then to
// the all-rooms handlers. Messages without a body, or whose body is not
// well-formed JSON, are dropped silently. It is normally called by the
// session's serve loop.
func (m *Manager) Dispatch(msg Message) {
	if len(msg.Body) == 0 || !json.Valid(msg.Body) {
		return
	}
	m.mu.Lock()
	entries := append([]*handlerEntry(nil), m.handlers[msg.Room]...)
	entries = append(entries, m.handlers[allRooms]...)
	m.mu.Unlock()

	for _, e := range entries {
		e.h(msg)
	}
}
