// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package discover_test

import (
	"context"
	"strings"
	"testing"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/internal/discover"
	"github.com/wardroomhq/wardroom/internal/sessiontest"
)

func TestItems(t *testing.T) {
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	fake.Respond = func(req sessiontest.Request) (string, error) {
		return `<query xmlns="http://jabber.org/protocol/disco#items">` +
			`<item jid="conference.hq.example.net" name="Public Chatrooms"/>` +
			`<item jid="hq.example.net" node="mission/plan"/></query>`, nil
	}

	items, err := discover.Items(context.Background(), fake, jid.MustParse("hq.example.net"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].JID.String() != "conference.hq.example.net" || items[0].Name != "Public Chatrooms" {
		t.Errorf("wrong first item: %+v", items[0])
	}
	if items[1].Node != "mission/plan" {
		t.Errorf("got node %q, want mission/plan", items[1].Node)
	}

	reqs := fake.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	if reqs[0].IQ.Type != stanza.GetIQ {
		t.Errorf("got IQ type %s, want get", reqs[0].IQ.Type)
	}
	if !strings.Contains(reqs[0].Payload, "disco#items") {
		t.Errorf("query not in the items namespace: %s", reqs[0].Payload)
	}
}

func TestItemsNode(t *testing.T) {
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	_, err := discover.Items(context.Background(), fake, jid.MustParse("hq.example.net"), "mission")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reqs := fake.Requests()
	if !strings.Contains(reqs[0].Payload, `node="mission"`) {
		t.Errorf("node attribute missing from query: %s", reqs[0].Payload)
	}
}

func TestGetInfo(t *testing.T) {
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	fake.Respond = func(req sessiontest.Request) (string, error) {
		return `<query xmlns="http://jabber.org/protocol/disco#info">` +
			`<identity category="conference" type="text" name="Public Chatrooms"/>` +
			`<feature var="http://jabber.org/protocol/muc"/></query>`, nil
	}

	info, err := discover.GetInfo(context.Background(), fake, jid.MustParse("conference.hq.example.net"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.Identity("conference", "text") {
		t.Errorf("conference identity not found: %+v", info.Identities)
	}
	if info.Identity("pubsub", "service") {
		t.Errorf("unexpected pubsub identity")
	}
	if !info.HasFeature("http://jabber.org/protocol/muc") {
		t.Errorf("muc feature not found: %+v", info.Features)
	}
	if info.HasFeature("urn:xmpp:mam:2") {
		t.Errorf("unexpected feature")
	}
}

func TestGetInfoError(t *testing.T) {
	fake := &sessiontest.Fake{Addr: jid.MustParse("alice@hq.example.net/web")}
	fake.Respond = func(req sessiontest.Request) (string, error) {
		return "", stanza.Error{Condition: stanza.ItemNotFound}
	}
	_, err := discover.GetInfo(context.Background(), fake, jid.MustParse("hq.example.net"), "missing")
	if err == nil {
		t.Fatal("expected an error for a missing node")
	}
}
