// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub_test

import (
	"context"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardroomhq/wardroom/pubsub"
)

// event builds a decoded change notification as the serve loop would hand it
// to the manager.
func event(node, id, content string) pubsub.Event {
	blob := `<event xmlns="http://jabber.org/protocol/pubsub#event">` +
		`<items node="` + node + `"><item id="` + id + `">` +
		`<json xmlns="urn:xmpp:json:0">` + content + `</json></item></items></event>`
	var ev pubsub.Event
	if err := xml.Unmarshal([]byte(blob), &ev); err != nil {
		panic(err)
	}
	return ev
}

func TestHandleEvent(t *testing.T) {
	m, _ := newManager(t)
	var changes []pubsub.Change
	m.OnChange(func(c pubsub.Change) { changes = append(changes, c) })

	m.HandleEvent(event(testNode, "item3", `{"turn":7}`))
	require.Len(t, changes, 1)
	assert.Equal(t, testNode, changes[0].Node)
	assert.Equal(t, "item3", changes[0].ItemID)
	assert.JSONEq(t, `{"turn":7}`, string(changes[0].Content))
}

func TestHandleEventNodeFilter(t *testing.T) {
	m, _ := newManager(t)
	mine := 0
	_, err := m.Subscribe(context.Background(), testNode, func(pubsub.Change) { mine++ })
	require.NoError(t, err)
	everything := 0
	m.OnChange(func(pubsub.Change) { everything++ })

	m.HandleEvent(event("other/node", "item1", `{}`))
	assert.Zero(t, mine)
	assert.Equal(t, 1, everything)

	m.HandleEvent(event(testNode, "item2", `{}`))
	assert.Equal(t, 1, mine)
	assert.Equal(t, 2, everything)
}

func TestHandleEventWithoutItems(t *testing.T) {
	m, _ := newManager(t)
	calls := 0
	m.OnChange(func(pubsub.Change) { calls++ })

	var ev pubsub.Event
	err := xml.Unmarshal([]byte(
		`<event xmlns="http://jabber.org/protocol/pubsub#event"><items node="`+testNode+`"/></event>`,
	), &ev)
	require.NoError(t, err)
	m.HandleEvent(ev)
	assert.Zero(t, calls)
}

func TestOnChangeCancel(t *testing.T) {
	m, _ := newManager(t)
	calls := 0
	cancel := m.OnChange(func(pubsub.Change) { calls++ })
	cancel()
	m.HandleEvent(event(testNode, "item1", `{}`))
	assert.Zero(t, calls)
}
