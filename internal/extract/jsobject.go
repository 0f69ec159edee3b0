package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"activityharvest/pkg/types"
)

var activityBlockPattern = regexp.MustCompile(`(?s)pageView\.activity\(\)\.set\(\{\s*(.*?)\s*\}\);`)

// QuoteObjectKeys rewrites a JavaScript object literal body into JSON by
// quoting bare keys and dropping trailing commas. String contents are never
// touched.
func QuoteObjectKeys(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 16)

	inString := false
	expectKey := true
	for i := 0; i < len(src); {
		c := src[i]
		if inString {
			b.WriteByte(c)
			switch {
			case c == '\\' && i+1 < len(src):
				b.WriteByte(src[i+1])
				i += 2
				continue
			case c == '"':
				inString = false
			}
			i++
			continue
		}

		switch {
		case c == '"':
			inString = true
			expectKey = false
			b.WriteByte(c)
			i++
		case c == ',':
			if closesNext(src, i+1) {
				i++
				continue
			}
			expectKey = true
			b.WriteByte(c)
			i++
		case c == '{':
			expectKey = true
			b.WriteByte(c)
			i++
		case isSpace(c):
			b.WriteByte(c)
			i++
		case expectKey && isIdent(c):
			j := i
			for j < len(src) && isIdent(src[j]) {
				j++
			}
			k := j
			for k < len(src) && isSpace(src[k]) {
				k++
			}
			if k < len(src) && src[k] == ':' {
				b.WriteByte('"')
				b.WriteString(src[i:j])
				b.WriteByte('"')
			} else {
				b.WriteString(src[i:j])
			}
			expectKey = false
			i = j
		default:
			expectKey = false
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closesNext reports whether only whitespace separates src[from:] from a
// closing brace or bracket, or from the end of the literal body.
func closesNext(src string, from int) bool {
	for k := from; k < len(src); k++ {
		switch {
		case isSpace(src[k]):
			continue
		case src[k] == '}' || src[k] == ']':
			return true
		default:
			return false
		}
	}
	return true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdent(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// ExtractRawStats decodes the last pageView.activity().set({...}) block in
// the page. found is false when the page carries no such block; a block that
// does not decode returns found with the decode error.
func ExtractRawStats(page string) (stats types.RawStats, found bool, err error) {
	matches := activityBlockPattern.FindAllStringSubmatch(page, -1)
	if len(matches) == 0 {
		return types.RawStats{}, false, nil
	}
	body := "{" + QuoteObjectKeys(matches[len(matches)-1][1]) + "}"
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		return types.RawStats{}, true, fmt.Errorf("decode raw stats: %w", err)
	}
	return stats, true, nil
}
