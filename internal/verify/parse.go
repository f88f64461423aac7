package verify

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrParse marks a response whose text holds no usable verdict object.
var ErrParse = errors.New("verify: unparseable verification response")

// responseText joins every text part of the first candidate.
func responseText(body []byte) string {
	var sb strings.Builder
	gjson.GetBytes(body, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if text := part.Get("text"); text.Exists() {
			sb.WriteString(text.String())
		}
		return true
	})
	return sb.String()
}

// extractJSONObject returns the first top-level {...} in text. Prose or code
// fences before it are skipped. An object that never closes, or is not valid
// JSON, fails the whole extraction; objects nested inside it are never tried.
// Braces inside strings are ignored.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	end := matchingBrace(text, start)
	if end < 0 {
		return "", false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return "", false
	}
	return candidate, true
}

func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseResponse turns a generateContent body into a Result with unresolved sources.
func parseResponse(body []byte) (Result, error) {
	obj, ok := extractJSONObject(responseText(body))
	if !ok {
		return Result{}, ErrParse
	}
	root := gjson.Parse(obj)
	verdictField := root.Get("verdict")
	if !verdictField.Exists() {
		return Result{}, ErrParse
	}

	result := Result{
		Verdict:     normalizeVerdict(verdictField.String()),
		Score:       clampScore(root.Get("score").Int()),
		Explanation: strings.TrimSpace(root.Get("explanation").String()),
	}
	root.Get("sources").ForEach(func(_, item gjson.Result) bool {
		if item.Type == gjson.String {
			result.Sources = append(result.Sources, Source{URI: strings.TrimSpace(item.String())})
			return true
		}
		uri := item.Get("uri").String()
		if uri == "" {
			uri = item.Get("url").String()
		}
		result.Sources = append(result.Sources, Source{Title: strings.TrimSpace(item.Get("title").String()), URI: strings.TrimSpace(uri)})
		return true
	})
	gjson.GetBytes(body, "candidates.0.groundingMetadata.groundingChunks").ForEach(func(_, chunk gjson.Result) bool {
		web := chunk.Get("web")
		if uri := web.Get("uri").String(); uri != "" {
			result.Sources = append(result.Sources, Source{Title: web.Get("title").String(), URI: uri})
		}
		return true
	})
	result.Sources = dedupeSources(result.Sources)
	return result, nil
}

func normalizeVerdict(raw string) Verdict {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "correct", "accurate":
		return VerdictTrue
	case "false", "incorrect", "inaccurate":
		return VerdictFalse
	case "mixed", "partially true", "partly true", "misleading":
		return VerdictMixed
	default:
		return VerdictUnverified
	}
}

func clampScore(score int64) int {
	switch {
	case score <= 0:
		return 0
	case score > 5:
		return 5
	default:
		return int(score)
	}
}

func dedupeSources(sources []Source) []Source {
	out := make([]Source, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src.URI == "" {
			continue
		}
		if _, dup := seen[src.URI]; dup {
			continue
		}
		seen[src.URI] = struct{}{}
		out = append(out, src)
	}
	return out
}
