package util

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

var variableRef = regexp.MustCompile(`@variable:([A-Za-z0-9_][A-Za-z0-9_\-]*)`)

// SubstituteVariables replaces @variable:name tokens in text. Values are
// looked up in vars first, then in defaults. Unresolved tokens are left
// untouched so the model still sees which input was missing.
func SubstituteVariables(text string, vars map[string]any, defaults map[string]any) string {
	if !strings.Contains(text, "@variable:") {
		return text
	}

	return variableRef.ReplaceAllStringFunc(text, func(tok string) string {
		name := strings.TrimPrefix(tok, "@variable:")

		if v, ok := vars[name]; ok && v != nil {
			return fmt.Sprint(v)
		}

		if v, ok := defaults[name]; ok && v != nil {
			return fmt.Sprint(v)
		}

		return tok
	})
}

// Truncate shortens s to at most max runes, appending an ellipsis marker
// when something was cut.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}

	runes := []rune(s)

	return string(runes[:max]) + "..."
}

// FormatVariables renders vars as sorted "key: value" lines.
func FormatVariables(vars map[string]any) string {
	if len(vars) == 0 {
		return ""
	}

	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, vars[k])
	}

	return strings.TrimRight(b.String(), "\n")
}

// ExtractJSON returns the first top level JSON object embedded in s, which
// lets callers parse model replies wrapped in prose or code fences.
func ExtractJSON(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}
