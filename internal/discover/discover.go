// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package discover implements the small slice of service discovery used by
// the session core: item listings and info queries against a single entity.
package discover

import (
	"context"
	"encoding/xml"

	"mellium.im/xmpp/disco"
	"mellium.im/xmpp/disco/info"
	"mellium.im/xmpp/disco/items"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Session is the IQ round-trip surface consumed by this package.
// *xmpp.Session satisfies it.
type Session interface {
	UnmarshalIQElement(ctx context.Context, payload xml.TokenReader, iq stanza.IQ, v interface{}) error
}

// Info is a parsed disco#info result.
type Info struct {
	Identities []info.Identity
	Features   []info.Feature
}

// HasFeature reports whether the result advertises the named feature.
func (i Info) HasFeature(name string) bool {
	for _, f := range i.Features {
		if f.Var == name {
			return true
		}
	}
	return false
}

// Identity reports whether the result contains an identity with the given
// category and type.
func (i Info) Identity(category, typ string) bool {
	for _, ident := range i.Identities {
		if ident.Category == category && ident.Type == typ {
			return true
		}
	}
	return false
}

// Items fetches the item listing of the entity (optionally scoped to a node).
func Items(ctx context.Context, s Session, to jid.JID, node string) ([]items.Item, error) {
	query := disco.ItemsQuery{Node: node}
	var resp struct {
		XMLName xml.Name     `xml:"http://jabber.org/protocol/disco#items query"`
		Items   []items.Item `xml:"item"`
	}
	err := s.UnmarshalIQElement(ctx, query.TokenReader(), stanza.IQ{
		Type: stanza.GetIQ,
		To:   to,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// GetInfo fetches the identities and features of the entity (optionally
// scoped to a node).
func GetInfo(ctx context.Context, s Session, to jid.JID, node string) (Info, error) {
	query := disco.InfoQuery{Node: node}
	var resp struct {
		XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
		Identities []info.Identity `xml:"identity"`
		Features   []info.Feature  `xml:"feature"`
	}
	err := s.UnmarshalIQElement(ctx, query.TokenReader(), stanza.IQ{
		Type: stanza.GetIQ,
		To:   to,
	}, &resp)
	if err != nil {
		return Info{}, err
	}
	return Info{Identities: resp.Identities, Features: resp.Features}, nil
}
