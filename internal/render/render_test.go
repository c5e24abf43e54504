package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
)

func TestRenderDataState(t *testing.T) {
	scope := Scope{
		Data:  payload.String("front"),
		State: map[string]string{"count": "3"},
	}
	out, err := Render("test", "{{data}} opened, count={{state.count}}", scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "front opened, count=3" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderTreeField(t *testing.T) {
	scope := Scope{Data: payload.Tree(map[string]any{"name": "garage"})}
	out, err := Render("test", "{{data.name}}", scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "garage" {
		t.Fatalf("got %q", out)
	}
}

func TestRenderMalformedTemplateIsRenderError(t *testing.T) {
	_, err := Render("test", "{{#unclosed", Scope{})
	if err == nil {
		t.Fatalf("expected error for unclosed section")
	}
	var renderErr *herrors.RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("got %T, want *herrors.RenderError", err)
	}
}

func TestRenderIfEqGatesOnStateMatch(t *testing.T) {
	scope := Scope{State: map[string]string{"poison": "true"}}
	out, err := Render("test", `{{#if (eq state.poison "true")}}resubscribe{{/if}}`, scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "resubscribe" {
		t.Fatalf("got %q, want %q", out, "resubscribe")
	}
}

func TestRenderIfEqTerminatesSilentlyUntilStateMatches(t *testing.T) {
	scope := Scope{State: map[string]string{}}
	out, err := Render("test", `{{#if (eq state.poison "true")}}resubscribe{{/if}}`, scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "" {
		t.Fatalf("got %q, want empty string before state.poison is set", out)
	}
}

func TestRenderIfEqInvertedForm(t *testing.T) {
	scope := Scope{State: map[string]string{"poison": "false"}}
	out, err := Render("test", `{{^if (eq state.poison "true")}}still-safe{{/if}}`, scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "still-safe" {
		t.Fatalf("got %q, want %q", out, "still-safe")
	}
}

func TestRenderIfEqComparesTwoDataFields(t *testing.T) {
	scope := Scope{Data: payload.Tree(map[string]any{"a": "x", "b": "x"})}
	out, err := Render("test", "{{#if (eq data.a data.b)}}match{{/if}}", scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "match" {
		t.Fatalf("got %q, want %q", out, "match")
	}
}

func TestRenderWithoutIfEqIsUnaffected(t *testing.T) {
	scope := Scope{Data: payload.String("plain")}
	out, err := Render("test", "{{data}}", scope)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out != "plain" {
		t.Fatalf("got %q, want %q", out, "plain")
	}
}

func TestSegments(t *testing.T) {
	got := Segments("/door/front/open")
	want := []string{"door", "front", "open"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}
