package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	rserrors "github.com/xiaonanln/routesync/util/errors"
)

// Subscription is a server-side long-poll registration.
type Subscription struct {
	ID   string
	Path string
	// Initial is the full payload delivered with the registration, decoded
	// into generic JSON values.
	Initial any
}

type subscribeRequest struct {
	Path string `json:"path"`
}

// CreateSubscription registers a long-poll subscription for a resource path
// glob and returns its id together with the initial full payload.
func (c *Client) CreateSubscription(ctx context.Context, path string) (*Subscription, error) {
	var resp map[string]any
	if err := c.Post(ctx, SubscriptionsPath, subscribeRequest{Path: path}, &resp); err != nil {
		return nil, err
	}

	id := identifier(resp["id"])
	if id == "" {
		id = identifier(resp["subscriptionId"])
	}
	if id == "" {
		return nil, &rserrors.ApiRequestError{
			Path: SubscriptionsPath,
			Err:  errors.New("subscription response carries no id"),
		}
	}

	var initial any = resp
	if data, ok := resp["data"]; ok {
		initial = data
	}

	c.logger.Debugf("Subscribed to %s as %s%s", path, id, episodeTag(ctx))
	return &Subscription{ID: id, Path: path, Initial: initial}, nil
}

// PollSubscription acknowledges the previous delivery and blocks until the
// server has a change or its long-poll window closes. A nil result means no
// change this tick. A poll never outlives the client's poll timeout.
func (c *Client) PollSubscription(ctx context.Context, id string) (any, error) {
	if c.pollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.pollTimeout)
		defer cancel()
	}

	var delta any
	if err := c.do(ctx, http.MethodPost, subscriptionPath(id)+"/ack", nil, &delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// DeleteSubscription unregisters a subscription. Errors are logged and
// ignored; cleanup must never block session teardown.
func (c *Client) DeleteSubscription(ctx context.Context, id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()

	if err := c.do(ctx, http.MethodDelete, subscriptionPath(id), nil, nil); err != nil {
		c.logger.Debugf("Unsubscribe %s ignored error%s: %v", id, episodeTag(ctx), err)
		return
	}
	c.logger.Debugf("Unsubscribed %s%s", id, episodeTag(ctx))
}

func subscriptionPath(id string) string {
	return SubscriptionsPath + "/" + url.PathEscape(id)
}

// identifier renders a JSON id that may arrive as a string or a number.
func identifier(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}
