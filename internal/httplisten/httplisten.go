// Package httplisten is the HTTP listener pool described in spec.md
// §4.6/§4.7, generalized from the teacher's internal/api/server.go
// (one fixed http.Server, a hand-registered route list on a Go 1.22
// "METHOD /path" ServeMux) to N named bind addresses with a dynamic,
// mutex-guarded route table that events can add and remove at runtime.
package httplisten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songokas/hvents/internal/config"
	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
	"github.com/songokas/hvents/internal/render"
)

// ContentKind is how a request or response body is encoded.
type ContentKind string

const (
	ContentJSON  ContentKind = "json"
	ContentText  ContentKind = "text"
	ContentBytes ContentKind = "bytes"
)

func contentType(k ContentKind) string {
	switch k {
	case ContentJSON:
		return "application/json"
	case ContentBytes:
		return "application/octet-stream"
	default:
		return "text/plain; charset=utf-8"
	}
}

// route is one registered (poolID, method, path) listener.
type route struct {
	method       string
	path         string
	reqContent   ContentKind
	respContent  ContentKind
	respBodyTmpl *string
	eventName    string
}

// EnqueueFunc delivers a synthesized (name, payload, requestID) into the
// dispatcher. requestID lets the dispatch loop call back into Finish
// when the chain this request started resolves; respContent/respBodyTmpl
// are the route's own response settings, carried along so the dispatcher
// needs no side-table to supply them back to Finish.
type EnqueueFunc func(name string, p payload.Payload, requestID string, respContent ContentKind, respBodyTmpl *string)

// pending is one in-flight request awaiting the dispatcher's verdict.
type pending struct {
	poolID   string
	method   string
	path     string
	url      string
	segments []string
	request  map[string]any
	result   chan result
}

type result struct {
	status int
	body   []byte
	ct     string
}

// Pool manages N named HTTP listeners and their dynamic route tables.
type Pool struct {
	mu      sync.Mutex
	servers map[string]*http.Server
	muxes   map[string]*routeMux
	pending map[string]*pending

	state   *payload.StateMap
	enqueue EnqueueFunc
	logger  *slog.Logger
}

// routeMux is the per-pool route table: a plain map keyed by "METHOD
// path" rather than http.ServeMux, since routes are added and removed
// at runtime (the teacher's mux is built once at startup and never
// mutated).
type routeMux struct {
	mu     sync.RWMutex
	routes map[string]*route
}

func routeKey(method, path string) string { return method + " " + path }

// New creates an empty pool.
func New(state *payload.StateMap, enqueue EnqueueFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		servers: map[string]*http.Server{},
		muxes:   map[string]*routeMux{},
		pending: map[string]*pending{},
		state:   state,
		enqueue: enqueue,
		logger:  logger,
	}
}

// Start begins serving poolID on cfg.Address:cfg.Port in the background.
func (p *Pool) Start(ctx context.Context, poolID string, cfg config.HTTPPool) error {
	rm := &routeMux{routes: map[string]*route{}}

	p.mu.Lock()
	p.muxes[poolID] = rm
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      p.handlerFor(poolID, rm),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	p.servers[poolID] = server
	p.mu.Unlock()

	go func() {
		p.logger.Info("starting http listener", "pool_id", poolID, "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("http listener stopped", "pool_id", poolID, "error", err)
		}
	}()
	return nil
}

// AddRoute registers a listener route. Exactly one route may exist per
// (poolID, method, path) per spec.md §3; a second AddRoute call for the
// same key replaces the first.
func (p *Pool) AddRoute(poolID, method, path string, reqContent, respContent ContentKind, respBodyTmpl *string, eventName string) error {
	p.mu.Lock()
	rm, ok := p.muxes[poolID]
	p.mu.Unlock()
	if !ok {
		return herrors.NewConfig("httplisten.AddRoute", "unknown pool_id "+poolID, nil)
	}

	rm.mu.Lock()
	rm.routes[routeKey(method, path)] = &route{
		method:       method,
		path:         path,
		reqContent:   reqContent,
		respContent:  respContent,
		respBodyTmpl: respBodyTmpl,
		eventName:    eventName,
	}
	rm.mu.Unlock()
	return nil
}

// RemoveRoute deregisters a route. Any request currently held open on it
// is resolved with 404, per spec.md §4.6.
func (p *Pool) RemoveRoute(poolID, method, path string) {
	p.mu.Lock()
	rm, ok := p.muxes[poolID]
	p.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	delete(rm.routes, routeKey(method, path))
	rm.mu.Unlock()

	p.mu.Lock()
	for id, pend := range p.pending {
		if pend.poolID == poolID && pend.method == method && pend.path == path {
			pend.result <- result{status: http.StatusNotFound}
			delete(p.pending, id)
		}
	}
	p.mu.Unlock()
}

func (p *Pool) handlerFor(poolID string, rm *routeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rm.mu.RLock()
		rt, ok := rm.routes[routeKey(r.Method, r.URL.Path)]
		rm.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}

		data, err := decodeBody(rt.reqContent, body)
		if err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		segments := render.Segments(r.URL.Path)
		pl := payload.New(p.state)
		pl.Data = data
		pl.Metadata["url"] = r.URL.Path
		pl.Metadata["method"] = r.Method

		requestMeta := map[string]any{"method": r.Method, "path": r.URL.Path}
		for k, v := range r.URL.Query() {
			if len(v) > 0 {
				requestMeta[k] = v[0]
			}
		}

		requestID := uuid.New().String()
		resultCh := make(chan result, 1)

		p.mu.Lock()
		p.pending[requestID] = &pending{
			poolID:   poolID,
			method:   rt.method,
			path:     rt.path,
			url:      r.URL.Path,
			segments: segments,
			request:  requestMeta,
			result:   resultCh,
		}
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.pending, requestID)
			p.mu.Unlock()
		}()

		p.enqueue(rt.eventName, pl, requestID, rt.respContent, rt.respBodyTmpl)

		select {
		case res := <-resultCh:
			if res.ct != "" {
				w.Header().Set("Content-Type", res.ct)
			}
			status := res.status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			if len(res.body) > 0 {
				w.Write(res.body)
			}
		case <-r.Context().Done():
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
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

// Finish resolves a pending request: final is the chain's terminal
// payload, and respBodyTmpl (the route's response_body, if any) is
// rendered against it; the response is not sent before the chain ends.
// chainErr, if non-nil, produces a 500 response instead.
func (p *Pool) Finish(requestID string, final payload.Payload, respContent ContentKind, respBodyTmpl *string, chainErr error) {
	p.mu.Lock()
	pend, ok := p.pending[requestID]
	p.mu.Unlock()
	if !ok {
		return
	}

	if chainErr != nil {
		pend.result <- result{status: http.StatusInternalServerError}
		return
	}

	var body []byte
	if respBodyTmpl != nil {
		scope := render.Scope{
			Data:     final.Data,
			State:    p.state.Snapshot(),
			Metadata: final.Metadata,
			URL:      pend.url,
			Segments: pend.segments,
			Request:  pend.request,
		}
		rendered, err := render.Render("api_listen.response_body", *respBodyTmpl, scope)
		if err != nil {
			pend.result <- result{status: http.StatusInternalServerError}
			return
		}
		body = []byte(rendered)
	} else {
		body = final.Data.AsBytes()
	}

	pend.result <- result{status: http.StatusOK, body: body, ct: contentType(respContent)}
}

// Shutdown stops every listening server, honoring ctx's deadline.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	servers := make([]*http.Server, 0, len(p.servers))
	for _, s := range p.servers {
		servers = append(servers, s)
	}
	p.mu.Unlock()

	for _, s := range servers {
		_ = s.Shutdown(ctx)
	}
}
