package apiclient

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"
)

// Shape is the response convention an endpoint answers with.
type Shape int

const (
	// ShapeAuto detects the wrapper heuristically.
	ShapeAuto Shape = iota
	// ShapeRoot means the payload is the whole body.
	ShapeRoot
	// ShapeWrapped means the payload is under "data".
	ShapeWrapped
)

var wrapperKeys = map[string]bool{"data": true, "error": true, "status": true, "message": true}

// Endpoint declares a backend function and the shape of its answer.
type Endpoint[T any] struct {
	Name   string
	Method string
	Shape  Shape
}

// Fetch calls ep and decodes its payload into T.
func Fetch[T any](ctx context.Context, c *Client, ep Endpoint[T], body any) (T, error) {
	var zero T
	resp, err := c.Call(ctx, Request{Endpoint: ep.Name, Method: ep.Method, Body: body})
	if err != nil {
		return zero, err
	}
	return Decode[T](ep.Shape, resp.Raw)
}

// Decode unwraps raw according to shape and unmarshals the payload.
func Decode[T any](shape Shape, raw []byte) (T, error) {
	var out T
	var payload []byte

	switch shape {
	case ShapeRoot:
		payload = raw
	case ShapeWrapped:
		var w struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return out, fmt.Errorf("apiclient: decode wrapper: %w", err)
		}
		if w.Data == nil {
			return out, fmt.Errorf("apiclient: response has no data field")
		}
		payload = w.Data
	default:
		payload, _ = normalize(raw)
	}

	if isNullOrEmpty(payload) {
		return out, nil
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("apiclient: decode payload: %w", err)
	}
	return out, nil
}

// normalize unwraps {data: ...} when the body looks like the wrapper
// convention: an object whose keys are all wrapper keys and include data,
// or whose data object carries a "valid" field.
func normalize(raw []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return json.RawMessage(raw), false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return json.RawMessage(raw), false
	}
	data, ok := obj["data"]
	if !ok {
		return json.RawMessage(raw), false
	}

	onlyWrapperKeys := true
	for k := range obj {
		if !wrapperKeys[k] {
			onlyWrapperKeys = false
			break
		}
	}
	if onlyWrapperKeys {
		return data, true
	}

	var inner map[string]json.RawMessage
	if json.Unmarshal(data, &inner) == nil {
		if _, ok := inner["valid"]; ok {
			return data, true
		}
	}
	return json.RawMessage(raw), false
}

func isNullOrEmpty(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
