package action

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/tailscale/hujson"
)

const (
	// maxScanBytes bounds how much of a reply is searched. Only the tail is
	// kept, since that is where the action is expected.
	maxScanBytes = 1 << 20
	// maxDecodes bounds decode attempts. Regions are tried from the end of
	// the reply, so the last ones are never starved.
	maxDecodes = 64
)

// span is a balanced {...} region; end is the index of the closing brace.
type span struct{ start, end int }

// lastActionObject returns the last syntactically valid object in raw that
// carries an "action" or "actions" key. Balanced regions that do not decode
// are searched for nested objects instead; objects that decode are not.
func lastActionObject(raw string) map[string]any {
	if len(raw) > maxScanBytes {
		raw = raw[len(raw)-maxScanBytes:]
	}
	budget := maxDecodes
	return searchBackwards(raw, braceSpans(raw), &budget)
}

// searchBackwards walks the top-level regions of spans from the last one.
// spans is sorted by start and properly nested.
func searchBackwards(s string, spans []span, budget *int) map[string]any {
	var top []int
	for i := 0; i < len(spans); {
		top = append(top, i)
		j := i + 1
		for j < len(spans) && spans[j].start < spans[i].end {
			j++
		}
		i = j
	}
	for k := len(top) - 1; k >= 0 && *budget > 0; k-- {
		i := top[k]
		next := len(spans)
		if k+1 < len(top) {
			next = top[k+1]
		}
		*budget--
		if obj, ok := decodeLenient(s[spans[i].start : spans[i].end+1]); ok {
			if isActionObject(obj) {
				return obj
			}
			continue
		}
		if obj := searchBackwards(s, spans[i+1:next], budget); obj != nil {
			return obj
		}
	}
	return nil
}

func isActionObject(obj map[string]any) bool {
	if _, ok := obj["action"]; ok {
		return true
	}
	_, ok := obj["actions"]
	return ok
}

// braceSpans pairs braces in a single pass. Unmatched braces are dropped
// without hiding the balanced regions inside them. Inside braces, double
// quoted strings are skipped, and so are single quoted ones when the quote
// sits where a JSON value or key may start; apostrophes in prose are not
// strings.
func braceSpans(s string) []span {
	var (
		spans   []span
		open    []int
		quote   byte
		escaped bool
		prev    byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == quote:
				quote = 0
				prev = ch
			}
			continue
		}
		switch ch {
		case '"':
			if len(open) > 0 {
				quote = ch
			}
		case '\'':
			if len(open) > 0 && startsValue(prev) {
				quote = ch
			}
		case '{':
			open = append(open, i)
		case '}':
			if n := len(open); n > 0 {
				spans = append(spans, span{start: open[n-1], end: i})
				open = open[:n-1]
			}
		}
		if !isSpace(ch) {
			prev = ch
		}
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	return spans
}

func startsValue(prev byte) bool {
	switch prev {
	case '{', '[', ',', ':':
		return true
	}
	return false
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

// decodeLenient decodes a fragment that may use single quotes, comments or
// trailing commas.
func decodeLenient(frag string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(frag), &obj); err == nil {
		return obj, true
	}
	std, err := hujson.Standardize([]byte(normalizeQuotes(frag)))
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal(std, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// normalizeQuotes rewrites single-quoted strings as double-quoted ones.
func normalizeQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch quote {
		case 0:
			if ch == '"' || ch == '\'' {
				quote = ch
				b.WriteByte('"')
				continue
			}
			b.WriteByte(ch)
		case '"':
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			} else if ch == '"' {
				quote = 0
			}
		case '\'':
			switch {
			case ch == '\\' && i+1 < len(s) && s[i+1] == '\'':
				i++
				b.WriteByte('\'')
			case ch == '\\' && i+1 < len(s):
				i++
				b.WriteByte(ch)
				b.WriteByte(s[i])
			case ch == '"':
				b.WriteString(`\"`)
			case ch == '\'':
				quote = 0
				b.WriteByte('"')
			default:
				b.WriteByte(ch)
			}
		}
	}
	return b.String()
}
