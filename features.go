// Copyright 2024 The Wardroom Authors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package wardroom

import (
	"context"

	"mellium.im/xmpp/muc"

	"github.com/wardroomhq/wardroom/internal/discover"
	"github.com/wardroomhq/wardroom/pubsub"
)

// Features queries the server's advertised feature variables.
func (c *Client) Features(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	connected := c.connected
	domain := c.addr.Domain()
	c.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}
	info, err := discover.GetInfo(ctx, sessionProxy{c}, domain, "")
	if err != nil {
		return nil, err
	}
	features := make([]string, 0, len(info.Features))
	for _, f := range info.Features {
		features = append(features, f.Var)
	}
	return features, nil
}

// SupportsFeature reports whether the server advertises the feature
// variable on its bare domain.
func (c *Client) SupportsFeature(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	connected := c.connected
	domain := c.addr.Domain()
	c.mu.Unlock()
	if !connected {
		return false, ErrNotConnected
	}
	info, err := discover.GetInfo(ctx, sessionProxy{c}, domain, "")
	if err != nil {
		return false, err
	}
	return info.HasFeature(name), nil
}

// SupportsMUC reports whether the server advertises Multi-User Chat.
func (c *Client) SupportsMUC(ctx context.Context) (bool, error) {
	return c.SupportsFeature(ctx, muc.NS)
}

// SupportsPubSub reports whether the server advertises publish-subscribe.
func (c *Client) SupportsPubSub(ctx context.Context) (bool, error) {
	return c.SupportsFeature(ctx, pubsub.NS)
}
