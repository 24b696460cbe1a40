package distill

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/joelkehle/diagdistill/internal/logger"
)

const snippetChars = 200

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*([\\{\\[].*?[\\}\\]])\\s*```")
	fencedRe     = regexp.MustCompile("(?s)```\\s*([\\{\\[].*?[\\}\\]])\\s*```")
)

// ResponseParser recovers a JSON value from a completion that may be fenced,
// wrapped in prose, or truncated. It never panics on malformed input.
type ResponseParser struct {
	log *zap.Logger
}

func NewResponseParser(log *zap.Logger) *ResponseParser {
	return &ResponseParser{log: logger.OrNop(log)}
}

// Parse returns the recovered JSON or nil. raw may be a string, []byte,
// Completion, or a map carrying the text under "response".
func (p *ResponseParser) Parse(raw any, step string) json.RawMessage {
	text, ok := p.unwrap(raw, step)
	if !ok {
		return nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		p.log.Warn("empty completion", zap.String("step", step))
		return nil
	}

	if (text[0] == '{' || text[0] == '[') && json.Valid([]byte(text)) {
		return compact(text)
	}

	strategies := []struct {
		name string
		find func(string) []string
	}{
		{"fenced_json", firstSubmatch(fencedJSONRe)},
		{"fenced", firstSubmatch(fencedRe)},
		{"brace_scan", balancedObjects},
		{"truncation_repair", repairTruncated},
	}
	for _, s := range strategies {
		for _, candidate := range s.find(text) {
			var v any
			if err := json.Unmarshal([]byte(candidate), &v); err != nil {
				p.log.Debug("json decode failed",
					zap.String("step", step),
					zap.String("strategy", s.name),
					zap.Error(err))
				continue
			}
			p.log.Debug("json recovered", zap.String("step", step), zap.String("strategy", s.name))
			return compact(candidate)
		}
	}

	p.log.Warn("no json recovered",
		zap.String("step", step),
		zap.String("snippet", snippet(text, snippetChars)))
	return nil
}

func (p *ResponseParser) unwrap(raw any, step string) (string, bool) {
	switch v := raw.(type) {
	case nil:
		p.log.Warn("empty completion", zap.String("step", step))
		return "", false
	case string:
		return v, true
	case []byte:
		return string(v), true
	case Completion:
		if !v.Success {
			p.log.Warn("completion failed", zap.String("step", step), zap.String("error", v.Error))
			return "", false
		}
		return v.Response, true
	case map[string]any:
		r, ok := v["response"]
		if !ok {
			p.log.Warn("response field missing", zap.String("step", step))
			return "", false
		}
		s, ok := r.(string)
		if !ok {
			p.log.Warn("response field is not text", zap.String("step", step))
			return "", false
		}
		return s, true
	default:
		p.log.Warn("unsupported completion type", zap.String("step", step))
		return "", false
	}
}

func firstSubmatch(re *regexp.Regexp) func(string) []string {
	return func(s string) []string {
		m := re.FindStringSubmatch(s)
		if len(m) < 2 {
			return nil
		}
		return []string{m[1]}
	}
}

// balancedObjects returns each top-level {...} span in order, honoring
// string literals and escapes. An unmatched brace is skipped and the scan
// resumes at the next one.
func balancedObjects(s string) []string {
	var out []string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		end := matchBrace(s, i)
		if end < 0 {
			continue
		}
		out = append(out, s[i:end+1])
		i = end
	}
	return out
}

func matchBrace(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// repairTruncated closes an object cut off mid-stream. It backs off to the
// last complete member and appends the missing closers.
func repairTruncated(s string) []string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil
	}
	s = s[start:]
	if matchBrace(s, 0) >= 0 {
		return nil
	}

	type cut struct {
		at      int
		closers string
	}
	var cuts []cut
	var stack []byte
	inString, escaped := false, false
	closersFor := func() string {
		b := make([]byte, len(stack))
		for i := range stack {
			b[len(stack)-1-i] = stack[i]
		}
		return string(b)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			cuts = append(cuts, cut{at: i + 1, closers: closersFor()})
		case ',':
			cuts = append(cuts, cut{at: i, closers: closersFor()})
		}
	}

	var out []string
	for i := len(cuts) - 1; i >= 0 && len(out) < 8; i-- {
		c := cuts[i]
		if c.closers == "" {
			continue
		}
		out = append(out, s[:c.at]+c.closers)
	}
	return out
}

func compact(s string) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return json.RawMessage(s)
	}
	return json.RawMessage(buf.Bytes())
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// decodeStage decodes a recovered payload into a typed stage output.
func decodeStage[T any](raw json.RawMessage) (T, error) {
	var out T
	err := json.Unmarshal(raw, &out)
	return out, err
}
