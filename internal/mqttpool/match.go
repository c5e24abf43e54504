package mqttpool

import "strings"

// topicMatches reports whether topic matches filter under MQTT wildcard
// rules (spec.md §4.5): "+" matches exactly one segment, "#" (only legal
// as the final segment) matches any number of trailing segments. This is
// the core domain algorithm behind subscription delivery; no library in
// the example pack substitutes for MQTT's own wildcard semantics, so it
// is implemented directly against strings.Split rather than pulled from
// a dependency.
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, f := range fParts {
		if f == "#" {
			return true // matches this segment and everything after
		}
		if i >= len(tParts) {
			return false
		}
		if f == "+" {
			continue
		}
		if f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// bodyMatches applies the match_rule of spec.md §4.5: "body:<exact>",
// "body_contains:<substr>", or "none" (match any payload).
func bodyMatches(matchRule string, body []byte) bool {
	switch {
	case matchRule == "" || matchRule == "none":
		return true
	case strings.HasPrefix(matchRule, "body:"):
		return string(body) == strings.TrimPrefix(matchRule, "body:")
	case strings.HasPrefix(matchRule, "body_contains:"):
		return strings.Contains(string(body), strings.TrimPrefix(matchRule, "body_contains:"))
	default:
		return false
	}
}
