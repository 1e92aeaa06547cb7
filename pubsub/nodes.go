// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"

	"github.com/wardroomhq/wardroom/internal/discover"
)

const nodeConfigFormType = NS + "#node_config"

// Nodes lists every node on the pubsub service.
func (m *Manager) Nodes(ctx context.Context) ([]Document, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return nil, err
	}
	items, err := discover.Items(ctx, m.session, svc, "")
	if err != nil {
		return nil, fmt.Errorf("pubsub: listing nodes: %w", err)
	}
	docs := make([]Document, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.Node
		}
		docs = append(docs, Document{Node: it.Node, Name: name})
	}
	return docs, nil
}

// Exists reports whether the node exists on the service. The protocol's
// item-not-found condition maps to false; any other error is returned.
func (m *Manager) Exists(ctx context.Context, node string) (bool, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return false, err
	}
	_, err = discover.GetInfo(ctx, m.session, svc, node)
	switch {
	case err == nil:
		return true, nil
	case notFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("pubsub: checking node %s: %w", node, err)
	}
}

// CreateCollection creates a collection node with open access. It is the
// caller's responsibility not to create a collection that already exists.
func (m *Manager) CreateCollection(ctx context.Context, node string) error {
	return m.createNode(ctx, node, [][2]string{
		{"pubsub#node_type", "collection"},
		{"pubsub#access_model", "open"},
	})
}

// PublishLeaf ensures the leaf node exists, creating it (and, when named,
// its parent collection) if necessary, and then publishes content when it is
// non-nil. The existence check and the creation are separate round trips, so
// concurrent calls for the same node can race; the service resolves the
// race by rejecting the second create.
func (m *Manager) PublishLeaf(ctx context.Context, node, parent string, content interface{}) error {
	exists, err := m.Exists(ctx, node)
	if err != nil {
		return err
	}
	if !exists {
		if parent != "" {
			parentExists, err := m.Exists(ctx, parent)
			if err != nil {
				return err
			}
			if !parentExists {
				if err := m.CreateCollection(ctx, parent); err != nil {
					return err
				}
			}
		}
		fields := [][2]string{
			{"pubsub#node_type", "leaf"},
			{"pubsub#access_model", "open"},
			{"pubsub#persist_items", "true"},
		}
		if parent != "" {
			fields = append(fields, [2]string{"pubsub#collection", parent})
		}
		if err := m.createNode(ctx, node, fields); err != nil {
			return err
		}
	}
	if content == nil {
		return nil
	}
	_, err = m.Publish(ctx, node, content)
	return err
}

// Delete removes the node and all of its items.
func (m *Manager) Delete(ctx context.Context, node string) error {
	svc, err := m.serviceAddr()
	if err != nil {
		return err
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "delete"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}},
		}),
		xml.StartElement{Name: xml.Name{Space: NSOwner, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.SetIQ, To: svc}, nil)
	if err != nil {
		return fmt.Errorf("pubsub: deleting node %s: %w", node, err)
	}
	return nil
}

// GetNodeConfig fetches the node's configuration form and returns the node
// type and access model, defaulting to leaf/open when the fields are absent.
func (m *Manager) GetNodeConfig(ctx context.Context, node string) (NodeConfig, error) {
	svc, err := m.serviceAddr()
	if err != nil {
		return NodeConfig{}, err
	}
	var resp struct {
		XMLName   xml.Name `xml:"http://jabber.org/protocol/pubsub#owner pubsub"`
		Configure struct {
			Form struct {
				Fields []struct {
					Var    string   `xml:"var,attr"`
					Values []string `xml:"value"`
				} `xml:"field"`
			} `xml:"jabber:x:data x"`
		} `xml:"configure"`
	}
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "configure"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}},
		}),
		xml.StartElement{Name: xml.Name{Space: NSOwner, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.GetIQ, To: svc}, &resp)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("pubsub: fetching config of %s: %w", node, err)
	}

	cfg := NodeConfig{NodeType: "leaf", AccessModel: "open"}
	for _, f := range resp.Configure.Form.Fields {
		if len(f.Values) == 0 {
			continue
		}
		switch f.Var {
		case "pubsub#node_type":
			cfg.NodeType = f.Values[0]
		case "pubsub#access_model":
			cfg.AccessModel = f.Values[0]
		}
	}
	return cfg, nil
}

func (m *Manager) createNode(ctx context.Context, node string, fields [][2]string) error {
	svc, err := m.serviceAddr()
	if err != nil {
		return err
	}
	payload := xmlstream.MultiReader(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "create"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}},
		}),
		xmlstream.Wrap(
			submitForm(nodeConfigFormType, fields),
			xml.StartElement{Name: xml.Name{Local: "configure"}},
		),
	)
	err = m.session.UnmarshalIQElement(ctx, xmlstream.Wrap(
		payload,
		xml.StartElement{Name: xml.Name{Space: NS, Local: "pubsub"}},
	), stanza.IQ{Type: stanza.SetIQ, To: svc}, nil)
	if err != nil {
		return fmt.Errorf("pubsub: creating node %s: %w", node, err)
	}
	return nil
}

// submitForm builds a submitted data form with the given FORM_TYPE and
// var/value pairs.
func submitForm(formType string, fields [][2]string) xml.TokenReader {
	children := []xml.TokenReader{
		formField("FORM_TYPE", "hidden", formType),
	}
	for _, f := range fields {
		children = append(children, formField(f[0], "", f[1]))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(children...),
		xml.StartElement{
			Name: xml.Name{Space: "jabber:x:data", Local: "x"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "submit"}},
		},
	)
}

func formField(name, typ, value string) xml.TokenReader {
	attrs := []xml.Attr{{Name: xml.Name{Local: "var"}, Value: name}}
	if typ != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "type"}, Value: typ})
	}
	return xmlstream.Wrap(
		xmlstream.Wrap(
			xmlstream.Token(xml.CharData(value)),
			xml.StartElement{Name: xml.Name{Local: "value"}},
		),
		xml.StartElement{Name: xml.Name{Local: "field"}, Attr: attrs},
	)
}

// marshalContent encodes a document payload as JSON, passing through values
// that are already raw JSON.
func marshalContent(content interface{}) (json.RawMessage, error) {
	switch c := content.(type) {
	case json.RawMessage:
		return c, nil
	case []byte:
		return json.RawMessage(c), nil
	default:
		b, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("pubsub: encoding content: %w", err)
		}
		return b, nil
	}
}
