package steps

import (
	"fmt"
	"strings"
)

// translateJSONPath converts the dot/bracket subset of JSONPath used by item
// configuration into a gjson path: $.a.b, $['a b'], $.list[2], $.list[*].x.
// Recursive descent, filters, slices and functions are rejected.
func translateJSONPath(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "$") {
		return "", fmt.Errorf("jsonpath %q must start with $", expr)
	}
	rest := expr[1:]
	if rest == "" {
		return "@this", nil
	}

	var parts []string
	for len(rest) > 0 {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			if rest == "" || rest[0] == '.' {
				return "", fmt.Errorf("jsonpath %q: recursive descent is not supported", expr)
			}
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				end = len(rest)
			}
			name := rest[:end]
			if name == "*" {
				return "", fmt.Errorf("jsonpath %q: object wildcards are not supported", expr)
			}
			if strings.ContainsAny(name, "()") {
				return "", fmt.Errorf("jsonpath %q: functions are not supported", expr)
			}
			parts = append(parts, escapeGJSON(name))
			rest = rest[end:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return "", fmt.Errorf("jsonpath %q: unterminated bracket", expr)
			}
			inner := strings.TrimSpace(rest[1:end])
			rest = rest[end+1:]
			switch {
			case inner == "*":
				parts = append(parts, "#")
			case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
				parts = append(parts, escapeGJSON(inner[1:len(inner)-1]))
			case isDigits(inner):
				parts = append(parts, inner)
			default:
				return "", fmt.Errorf("jsonpath %q: unsupported segment [%s]", expr, inner)
			}
		default:
			return "", fmt.Errorf("jsonpath %q: unexpected %q", expr, rest[0])
		}
	}
	return strings.Join(parts, "."), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func escapeGJSON(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		switch name[i] {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteByte(name[i])
	}
	return b.String()
}
