package httplisten

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/songokas/hvents/internal/payload"
)

func newTestPool(t *testing.T) (*Pool, chan string) {
	t.Helper()
	enqueued := make(chan string, 4)
	p := New(payload.NewStateMap(), func(name string, pl payload.Payload, requestID string, respContent ContentKind, respBodyTmpl *string) {
		enqueued <- requestID
	}, nil)
	p.mu.Lock()
	p.muxes["default"] = &routeMux{routes: map[string]*route{}}
	p.mu.Unlock()
	return p, enqueued
}

func TestAddRouteHoldsResponseUntilFinish(t *testing.T) {
	p, enqueued := newTestPool(t)
	p.mu.Lock()
	rm := p.muxes["default"]
	p.mu.Unlock()

	if err := p.AddRoute("default", "POST", "/door", ContentText, ContentText, nil, "door-opened"); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	handler := p.handlerFor("default", rm)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/door", nil)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	var requestID string
	select {
	case requestID = <-enqueued:
	case <-time.After(time.Second):
		t.Fatal("handler never enqueued an event")
	}

	p.Finish(requestID, payload.Payload{Data: payload.String("opened")}, ContentText, nil, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never returned after Finish")
	}

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "opened" {
		t.Fatalf("body = %q, want opened", rec.Body.String())
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	p, _ := newTestPool(t)
	p.mu.Lock()
	rm := p.muxes["default"]
	p.mu.Unlock()

	handler := p.handlerFor("default", rm)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/missing", nil)
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestChainErrorReturns500(t *testing.T) {
	p, enqueued := newTestPool(t)
	p.mu.Lock()
	rm := p.muxes["default"]
	p.mu.Unlock()

	if err := p.AddRoute("default", "GET", "/fail", ContentText, ContentText, nil, "will-fail"); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	handler := p.handlerFor("default", rm)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/fail", nil)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	requestID := <-enqueued
	p.Finish(requestID, payload.Payload{}, ContentText, nil, errResolve)
	<-done

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRemoveRouteWhilePendingReturns404(t *testing.T) {
	p, enqueued := newTestPool(t)
	p.mu.Lock()
	rm := p.muxes["default"]
	p.mu.Unlock()

	if err := p.AddRoute("default", "GET", "/slow", ContentText, ContentText, nil, "slow-event"); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	handler := p.handlerFor("default", rm)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/slow", nil)

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	<-enqueued
	p.RemoveRoute("default", "GET", "/slow")
	<-done

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDecodeBodyVariants(t *testing.T) {
	d, err := decodeBody(ContentJSON, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("decodeBody json: %v", err)
	}
	if d.Kind != payload.KindTree {
		t.Fatalf("expected tree kind, got %v", d.Kind)
	}

	d, err = decodeBody(ContentText, []byte("hello"))
	if err != nil {
		t.Fatalf("decodeBody text: %v", err)
	}
	if d.AsString() != "hello" {
		t.Fatalf("text = %q", d.AsString())
	}

	d, err = decodeBody(ContentBytes, []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("decodeBody bytes: %v", err)
	}
	if d.Kind != payload.KindBytes {
		t.Fatalf("expected bytes kind, got %v", d.Kind)
	}
}

var errResolve = &testError{"resolve error"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
