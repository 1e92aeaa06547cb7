// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"
)

// Publish stores content as the newest item on the node and returns the item
// ID (the service's, when it assigns one, otherwise the generated one).
//
// After the service acknowledges the publish, every registered change
// handler is invoked once with the new content: the service does not push a
// publisher's own change back to it, so without this the author would be the
// only participant not seeing the update. When the service does echo the
// publish (some do), handlers observe the change twice.
func (m *Manager) Publish(ctx context.Context, node string, content interface{}) (string, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return "", err
	}
	raw, err := marshalContent(content)
	if err != nil {
		return "", err
	}
	itemID := uuid.NewString()

	var resp struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/pubsub pubsub"`
		Publish struct {
			Node string `xml:"node,attr"`
			Item struct {
				ID string `xml:"id,attr"`
			} `xml:"item"`
		} `xml:"publish"`
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Wrap(
				xmlstream.Wrap(
					xmlstream.Token(xml.CharData(raw)),
					xml.StartElement{Name: xml.Name{Space: NSJSON, Local: "json"}},
				),
				xml.StartElement{
					Name: xml.Name{Local: "item"},
					Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: itemID}},
				},
			),
			xml.StartElement{
				Name: xml.Name{Local: "publish"},
				Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}},
			},
		),
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.SetIQ, To: svc}, &resp)
	if err != nil {
		return "", fmt.Errorf("pubsub: publishing to %s: %w", node, err)
	}

	if resp.Publish.Item.ID != "" {
		itemID = resp.Publish.Item.ID
	}
	m.notify(Change{Node: node, ItemID: itemID, Content: raw})
	return itemID, nil
}

// Fetch returns the node's newest document, or nil when the node holds no
// items or does not exist (the two are indistinguishable to callers). When
// the session holds a subscription for the node the fetch is qualified with
// its subscription ID so the result is consistent with the subscription's
// view.
func (m *Manager) Fetch(ctx context.Context, node string) (json.RawMessage, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return nil, err
	}
	attrs := []xml.Attr{
		{Name: xml.Name{Local: "node"}, Value: node},
		{Name: xml.Name{Local: "max_items"}, Value: "1"},
	}
	if subID, ok := m.SubscriptionID(node); ok {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "subid"}, Value: subID})
	}

	var resp struct {
		XMLName xml.Name `xml:"http://jabber.org/protocol/pubsub pubsub"`
		Items   struct {
			Node  string `xml:"node,attr"`
			Items []struct {
				ID   string `xml:"id,attr"`
				JSON string `xml:"urn:xmpp:json:0 json"`
			} `xml:"item"`
		} `xml:"items"`
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: "items"}, Attr: attrs}),
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.GetIQ, To: svc}, &resp)
	switch {
	case notFound(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("pubsub: fetching %s: %w", node, err)
	}
	if len(resp.Items.Items) == 0 {
		return nil, nil
	}
	return json.RawMessage(resp.Items.Items[0].JSON), nil
}
