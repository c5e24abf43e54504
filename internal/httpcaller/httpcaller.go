// Package httpcaller implements the outbound ApiCall effect (spec.md
// §4.7): it serializes the current payload, issues one HTTP request on
// the shared httpkit client, and parses the response into the
// successor payload's Data. Grounded on internal/httpkit's shared
// transport and internal/homeassistant/client.go's request-build /
// response-marshal idiom, generalized from one fixed API surface to an
// arbitrary method/URL/headers per event definition.
package httpcaller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/httpkit"
	"github.com/songokas/hvents/internal/payload"
)

// ContentKind mirrors httplisten.ContentKind; kept as its own type so
// httpcaller has no import-time dependency on the listener package.
type ContentKind string

const (
	ContentJSON  ContentKind = "json"
	ContentText  ContentKind = "text"
	ContentBytes ContentKind = "bytes"
)

// Caller issues outbound ApiCall effects on a shared client.
type Caller struct {
	client *http.Client
}

// New builds a Caller on top of httpkit's shared transport.
func New() *Caller {
	return &Caller{client: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))}
}

// Call serializes current.Data per reqContent, issues method against
// url with headers, and returns the response body decoded per
// respContent. Runs on a dispatch worker: network I/O never touches the
// dispatcher goroutine. A network error or a >=400 status is always an
// EffectError, distinguished only in the wrapped message.
func (c *Caller) Call(ctx context.Context, method, url string, headers map[string]string, reqContent, respContent ContentKind, current payload.Payload) (payload.Data, error) {
	body, contentType, err := encodeBody(reqContent, current.Data)
	if err != nil {
		return payload.Data{}, herrors.NewEffect("httpcaller.Call", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return payload.Data{}, herrors.NewEffect("httpcaller.Call", url, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return payload.Data{}, herrors.NewEffect("httpcaller.Call", url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return payload.Data{}, herrors.NewEffect("httpcaller.Call", url, err)
	}

	if resp.StatusCode >= 400 {
		return payload.Data{}, herrors.NewEffect("httpcaller.Call", url, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	return decodeBody(respContent, respBody)
}

func encodeBody(kind ContentKind, d payload.Data) ([]byte, string, error) {
	switch kind {
	case ContentJSON:
		var v any
		switch d.Kind {
		case payload.KindTree:
			v = d.Tree
		case payload.KindString:
			v = d.Str
		default:
			v = string(d.AsBytes())
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return b, "application/json", nil
	case ContentBytes:
		return d.AsBytes(), "application/octet-stream", nil
	default:
		return d.AsBytes(), "text/plain; charset=utf-8", nil
	}
}

func decodeBody(kind ContentKind, body []byte) (payload.Data, error) {
	switch kind {
	case ContentJSON:
		if len(body) == 0 {
			return payload.Tree(map[string]any{}), nil
		}
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return payload.Data{}, err
		}
		return payload.Tree(v), nil
	case ContentBytes:
		return payload.Bytes(body), nil
	default:
		return payload.String(string(body)), nil
	}
}
