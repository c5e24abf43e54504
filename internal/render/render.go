// Package render evaluates the mustache-style templates used in event
// definitions (next_event_template, topic/body templates, api_call
// targets, execrunner argument templates) against a payload's scope.
// Template syntax and evaluation are delegated to
// github.com/cbroglie/mustache; this package only builds the scope map,
// pre-evaluates the small conditional-gating extension Helpers implements,
// and wraps failures as herrors.RenderError, following the teacher's
// habit of keeping third-party API surface behind a small adapter
// (internal/httpkit wraps net/http the same way).
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cbroglie/mustache"

	"github.com/songokas/hvents/internal/herrors"
	"github.com/songokas/hvents/internal/payload"
)

// Scope is the set of top-level names a template may reference, per
// spec §4.1: data, state, metadata, and (for HTTP-triggered chains)
// request, url, and segments.
type Scope struct {
	Data     payload.Data
	State    map[string]string
	Metadata map[string]string

	// Request is populated only for chains started by api_listen.
	Request  map[string]any
	URL      string
	Segments []string

	// Vars is populated only for execute.replace_args templates (spec.md
	// §4.9): the event definition's own `vars` map.
	Vars map[string]string
}

// toContext converts a Scope into the map mustache evaluates against.
func (s Scope) toContext() map[string]any {
	ctx := map[string]any{
		"data":     dataValue(s.Data),
		"state":    s.State,
		"metadata": s.Metadata,
		"url":      s.URL,
		"segments": s.Segments,
	}
	if s.Request != nil {
		ctx["request"] = s.Request
	}
	if s.Vars != nil {
		ctx["vars"] = s.Vars
	}
	return ctx
}

func dataValue(d payload.Data) any {
	switch d.Kind {
	case payload.KindTree:
		return d.Tree
	case payload.KindBytes:
		return string(d.Byte)
	default:
		return d.Str
	}
}

// Render evaluates template text against scope, returning the rendered
// string. A malformed template or an evaluation error is wrapped as an
// herrors.RenderError naming op (the caller's event/component name) for
// diagnostic context in logs.
func Render(op, text string, scope Scope) (string, error) {
	ctx := scope.toContext()
	out, err := mustache.Render(Helpers(text, ctx), ctx)
	if err != nil {
		return "", herrors.NewRender(op, "template: "+truncate(text), err)
	}
	return out, nil
}

// ifEqPattern matches the two conditional forms spec.md §8's "State
// gating" fixture needs: {{#if (eq a b)}}...{{/if}} and its inverted
// {{^if (eq a b)}}...{{/if}}. Stock Mustache tags cannot call a function,
// so Helpers evaluates each eq comparison itself and rewrites the tag to
// reference a synthetic boolean scope key instead.
var ifEqPattern = regexp.MustCompile(`\{\{([#^])if \(eq (\S+) (\S+)\)\}\}`)

// closeIfPattern matches the plain {{/if}} closing tag left behind by
// either form above.
var closeIfPattern = regexp.MustCompile(`\{\{/if\}\}`)

// Helpers rewrites every {{#if (eq a b)}}/{{^if (eq a b)}} block in text
// into an ordinary Mustache section keyed on a synthetic boolean it
// computes and stores in ctx, pairing each opening tag with the next
// {{/if}} in template order (sections of this form do not nest in any
// event definition this engine has to render). Plain templates with no
// such block pass through untouched.
func Helpers(text string, ctx map[string]any) string {
	opens := ifEqPattern.FindAllStringSubmatchIndex(text, -1)
	if opens == nil {
		return text
	}

	var b strings.Builder
	last := 0
	for i, m := range opens {
		sigil, lhs, rhs := text[m[2]:m[3]], text[m[4]:m[5]], text[m[6]:m[7]]
		key := fmt.Sprintf("__if%d", i)
		ctx[key] = resolveOperand(lhs, ctx) == resolveOperand(rhs, ctx)

		b.WriteString(text[last:m[0]])
		b.WriteString("{{" + sigil + key + "}}")
		last = m[1]
	}
	b.WriteString(text[last:])

	closed := 0
	return closeIfPattern.ReplaceAllStringFunc(b.String(), func(string) string {
		if closed >= len(opens) {
			return "{{/if}}"
		}
		key := fmt.Sprintf("__if%d", closed)
		closed++
		return "{{/" + key + "}}"
	})
}

// resolveOperand resolves one eq operand: a "-" or '-'-quoted literal, or
// a dotted path (state.poison, data) looked up in ctx.
func resolveOperand(tok string, ctx map[string]any) string {
	if len(tok) >= 2 {
		if q := tok[0]; (q == '"' || q == '\'') && tok[len(tok)-1] == q {
			return tok[1 : len(tok)-1]
		}
	}
	return resolvePath(tok, ctx)
}

// resolvePath walks a dotted path (e.g. state.poison) through the nested
// maps toContext builds, stringifying whatever value it lands on.
func resolvePath(path string, ctx map[string]any) string {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case map[string]string:
			return m[part]
		default:
			return ""
		}
	}
	if cur == nil {
		return ""
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", cur)
}

// Segments splits a URL path on "/" and drops empty components, giving
// the {{segments}} list used by api_listen-triggered chains to read
// path parameters (e.g. /door/{{segments.1}}).
func Segments(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func truncate(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
