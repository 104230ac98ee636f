package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xiaonanln/routesync/model"
	rserrors "github.com/xiaonanln/routesync/util/errors"
)

// bookingStrategy is sent with every connect request; the remote system
// treats it as an opaque enumeration.
const bookingStrategy = 2

type requestHeader struct {
	ID int `json:"id"`
}

type schedule struct {
	Type string `json:"type"`
}

type connectEntry struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Schedule schedule `json:"schedule"`
}

type connectRequest struct {
	Header requestHeader `json:"header"`
	Data   struct {
		ConflictStrategy int            `json:"conflictStrategy"`
		BookingStrategy  int            `json:"bookingStrategy"`
		Entries          []connectEntry `json:"entries"`
	} `json:"data"`
}

type disconnectEntry struct {
	ID  string `json:"id"`
	Rev string `json:"rev"`
}

type disconnectRequest struct {
	Header requestHeader `json:"header"`
	Data   struct {
		ConflictStrategy int               `json:"conflictStrategy"`
		Entries          []disconnectEntry `json:"entries"`
	} `json:"data"`
}

// resultCode accepts a code sent either as a JSON number or a numeric string.
type resultCode int

func (c *resultCode) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if v, err := n.Int64(); err == nil {
			*c = resultCode(v)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*c = resultCode(v)
		}
	}
	return nil
}

type resultStatus struct {
	OK      bool       `json:"ok"`
	Code    resultCode `json:"code"`
	Msg     string     `json:"msg"`
	Reasons []any      `json:"reasons"`
}

type routeResponse struct {
	Header resultStatus `json:"header"`
	Data   struct {
		Entries []struct {
			Result resultStatus `json:"result"`
		} `json:"entries"`
	} `json:"data"`
}

// failure inspects the request-level and entry-level flags. The server can
// accept the envelope yet fail an individual entry, so both must be true.
func (r *routeResponse) failure() (code int, message string, failed bool) {
	if !r.Header.OK {
		return int(r.Header.Code), describe(r.Header, "request rejected"), true
	}
	if len(r.Data.Entries) == 0 {
		return 0, "response carries no entry result", true
	}
	for _, entry := range r.Data.Entries {
		if !entry.Result.OK {
			return int(entry.Result.Code), describe(entry.Result, "entry rejected"), true
		}
	}
	return 0, "", false
}

func describe(status resultStatus, fallback string) string {
	parts := make([]string, 0, len(status.Reasons)+1)
	if status.Msg != "" {
		parts = append(parts, status.Msg)
	}
	for _, reason := range status.Reasons {
		if s := reasonText(reason); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return fallback
	}
	return strings.Join(parts, "; ")
}

func reasonText(reason any) string {
	switch r := reason.(type) {
	case string:
		return r
	case map[string]any:
		for _, key := range []string{"msg", "message", "reason", "description"} {
			if s, ok := r[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	case nil:
		return ""
	default:
		return fmt.Sprint(r)
	}
}

// Connect requests a one-shot point-to-point route. Any failure, whether in
// transport or reported by the server, is returned as a ConnectionError.
func (c *Client) Connect(ctx context.Context, from, to string, strategy model.ConflictStrategy) error {
	var req connectRequest
	req.Data.ConflictStrategy = int(strategy)
	req.Data.BookingStrategy = bookingStrategy
	req.Data.Entries = []connectEntry{{
		From:     from,
		To:       to,
		Schedule: schedule{Type: "once"},
	}}

	var resp routeResponse
	if err := c.Post(ctx, ConnectPath, req, &resp); err != nil {
		return &rserrors.ConnectionError{From: from, To: to, Timeout: rserrors.IsTimeout(err), Err: err}
	}
	if code, msg, failed := resp.failure(); failed {
		return &rserrors.ConnectionError{From: from, To: to, Code: code, Message: msg}
	}

	c.logger.Infof("Routed %s -> %s (%s)", from, to, strategy)
	return nil
}

// Disconnect tears down the connection with the given id and revision.
func (c *Client) Disconnect(ctx context.Context, connectionID, rev string, strategy model.ConflictStrategy) error {
	var req disconnectRequest
	req.Data.ConflictStrategy = int(strategy)
	req.Data.Entries = []disconnectEntry{{ID: connectionID, Rev: rev}}

	var resp routeResponse
	if err := c.Post(ctx, DisconnectPath, req, &resp); err != nil {
		return &rserrors.ConnectionError{ConnectionID: connectionID, Timeout: rserrors.IsTimeout(err), Err: err}
	}
	if code, msg, failed := resp.failure(); failed {
		return &rserrors.ConnectionError{ConnectionID: connectionID, Code: code, Message: msg}
	}

	c.logger.Infof("Disconnected %s (rev %s)", connectionID, rev)
	return nil
}
