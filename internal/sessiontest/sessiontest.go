// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package sessiontest provides a scripted stand-in for the stanza round-trip
// API of an XMPP session.
//
// The managers in this module consume a narrow interface implemented by
// *xmpp.Session; Fake implements the same interface and answers each IQ from
// a script so that protocol behavior can be exercised without a live stream.
package sessiontest

import (
	"context"
	"encoding/xml"
	"strings"
	"sync"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Request is a recorded outgoing IQ.
type Request struct {
	IQ      stanza.IQ
	Payload string
}

// SentMessage is a recorded outgoing message stanza.
type SentMessage struct {
	Message stanza.Message
	// Payload is the XML inside the message element.
	Payload string
}

// SentPresence is a recorded outgoing presence stanza.
type SentPresence struct {
	Presence stanza.Presence
	Payload string
}

// Fake is a scripted session.
//
// Respond is consulted for every IQ; it returns the XML of the result payload
// (unmarshaled into the caller's value) or an error. A nil Respond answers
// every IQ with an empty result. PresenceSent, if set, is invoked after each
// outgoing presence and can be used to simulate the server's echo.
type Fake struct {
	Addr    jid.JID
	Respond func(req Request) (string, error)

	PresenceSent func(p SentPresence)

	mu        sync.Mutex
	requests  []Request
	messages  []SentMessage
	presences []SentPresence
}

// Requests returns a snapshot of all IQs issued so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// Messages returns a snapshot of all message stanzas sent so far.
func (f *Fake) Messages() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.messages...)
}

// Presences returns a snapshot of all presence stanzas sent so far.
func (f *Fake) Presences() []SentPresence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentPresence(nil), f.presences...)
}

// LocalAddr returns the fake's configured address.
func (f *Fake) LocalAddr() jid.JID {
	return f.Addr
}

// UnmarshalIQElement records the request, consults the script, and unmarshals
// the scripted result payload into v.
func (f *Fake) UnmarshalIQElement(_ context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error {
	p, err := render(payload)
	if err != nil {
		return err
	}
	req := Request{IQ: iq, Payload: p}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.Respond
	f.mu.Unlock()

	if respond == nil {
		return nil
	}
	resp, err := respond(req)
	if err != nil {
		return err
	}
	if v == nil || resp == "" {
		return nil
	}
	return xml.Unmarshal([]byte(resp), v)
}

// Send records a fire-and-forget outgoing stanza. Message stanzas are
// decoded into the message log.
func (f *Fake) Send(_ context.Context, r xml.TokenReader) error {
	blob, err := render(r)
	if err != nil {
		return err
	}
	var msg struct {
		stanza.Message
		Inner string `xml:",innerxml"`
	}
	if err := xml.Unmarshal([]byte(blob), &msg); err != nil {
		return err
	}
	f.mu.Lock()
	f.messages = append(f.messages, SentMessage{Message: msg.Message, Payload: msg.Inner})
	f.mu.Unlock()
	return nil
}

// SendPresenceElement records the outgoing presence and triggers the
// PresenceSent hook.
func (f *Fake) SendPresenceElement(_ context.Context, payload xml.TokenReader, p stanza.Presence) (xmlstream.TokenReadCloser, error) {
	rendered, err := render(payload)
	if err != nil {
		return nil, err
	}
	sent := SentPresence{Presence: p, Payload: rendered}
	f.mu.Lock()
	f.presences = append(f.presences, sent)
	hook := f.PresenceSent
	f.mu.Unlock()
	if hook != nil {
		hook(sent)
	}
	return nil, nil
}

func render(r xml.TokenReader) (string, error) {
	if r == nil {
		return "", nil
	}
	var buf strings.Builder
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
