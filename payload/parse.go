package payload

import (
	"strconv"
	"strings"

	"github.com/xiaonanln/routesync/model"
)

// ParseEndpoints extracts every valid endpoint from a full status payload.
// Entries whose direction is not one of src, dst or both are skipped.
func ParseEndpoints(raw any) model.EndpointMap {
	out := make(model.EndpointMap)
	for _, e := range entries(Resolve(raw, endpointCollectionKeys...)) {
		if ep, ok := endpointFrom(e.key, e.value); ok {
			out[ep.ID] = ep
		}
	}
	return out
}

// ParseConnections extracts every valid connection from a full status
// payload. Entries without both endpoints are skipped.
func ParseConnections(raw any) model.ConnectionMap {
	out := make(model.ConnectionMap)
	for _, e := range entries(Resolve(raw, connectionCollectionKeys...)) {
		if conn, ok := connectionFrom(e.key, e.value); ok {
			out[conn.ID] = conn
		}
	}
	return out
}

func endpointFrom(key string, value any) (model.Endpoint, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return model.Endpoint{}, false
	}
	typ, ok := parseDirection(firstString(obj, "endpointType", "direction", "type"))
	if !ok {
		return model.Endpoint{}, false
	}
	id := firstString(obj, "_id", "id")
	if id == "" {
		id = key
	}
	if id == "" {
		return model.Endpoint{}, false
	}
	label := firstString(obj, "fDescriptor.label", "descriptor.label", "label")
	if label == "" {
		label = key
	}
	return model.Endpoint{
		ID:           id,
		Label:        label,
		Type:         typ,
		SpecificType: firstString(obj, "sType", "specificType", "category"),
	}, true
}

func connectionFrom(key string, value any) (model.Connection, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return model.Connection{}, false
	}
	from := reference(obj, "from")
	to := reference(obj, "to")
	if from == "" || to == "" {
		return model.Connection{}, false
	}
	id := firstString(obj, "_id", "id")
	if id == "" {
		id = key
	}
	if id == "" {
		return model.Connection{}, false
	}
	label := firstString(obj, "label")
	if label == "" {
		label = model.DefaultConnectionLabel(from, to)
	}
	return model.Connection{
		ID:    id,
		Rev:   firstString(obj, "_rev", "rev"),
		From:  from,
		To:    to,
		State: firstString(obj, "state", "status"),
		Label: label,
	}, true
}

// parseDirection accepts the wire vocabulary case-insensitively.
func parseDirection(s string) (model.EndpointType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "src":
		return model.Source, true
	case "dst":
		return model.Destination, true
	case "both":
		return model.Both, true
	default:
		return "", false
	}
}

// reference reads an endpoint reference that is either a plain id or an
// object carrying one.
func reference(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case map[string]any:
		return firstString(v, "id", "_id")
	default:
		return scalarString(v)
	}
}

// scalarString renders strings and JSON numbers; everything else is "".
func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}
