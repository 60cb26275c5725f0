package authz

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	forbiddenKeywords = []string{
		"DROP", "DELETE", "TRUNCATE", "UPDATE", "INSERT", "ALTER", "CREATE", "EXEC",
		"EXECUTE", "GRANT", "REVOKE", "SHUTDOWN", "BACKUP", "UNION", "INTO", "OUTFILE",
		"DUMPFILE", "LOAD_FILE",
	}
	forbiddenFunctions = map[string]bool{
		"SLEEP": true, "BENCHMARK": true, "LOAD_FILE": true, "INTO_OUTFILE": true,
		"INTO_DUMPFILE": true, "USER": true, "DATABASE": true, "VERSION": true,
		"@@VERSION": true, "SYSTEM_USER": true, "SESSION_USER": true, "CURRENT_USER": true,
		"PG_SLEEP": true, "PG_READ_FILE": true, "DBLINK": true,
	}

	injectionPattern = regexp.MustCompile(`(?i)(--|;|/\*|\*/|xp_|sp_|0x[0-9a-f]+)`)
	keywordPatterns  = compileKeywords(forbiddenKeywords)
	functionCall     = regexp.MustCompile(`([A-Za-z_@][A-Za-z0-9_@.]*)\s*\(`)
	comparison       = regexp.MustCompile(`(?i)(<>|!=|<=|>=|=|<|>|\bIN\b|\bLIKE\b|\bILIKE\b|\bIS\b|\bBETWEEN\b|\bEXISTS\b)`)
)

func compileKeywords(words []string) map[string]*regexp.Regexp {
	out := make(map[string]*regexp.Regexp, len(words))
	for _, w := range words {
		out[w] = regexp.MustCompile(`(?i)\b` + w + `\b`)
	}
	return out
}

// ValidateRowFilter checks that expr is a plain boolean condition with no statement
// separators, comments, data-modifying keywords or dangerous function calls. An empty
// expression is valid.
func ValidateRowFilter(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if injectionPattern.MatchString(expr) {
		return fmt.Errorf("%w: expression contains potentially dangerous patterns", ErrInvalidRowFilter)
	}
	for _, kw := range forbiddenKeywords {
		if keywordPatterns[kw].MatchString(expr) {
			return fmt.Errorf("%w: expression contains forbidden keyword: %s", ErrInvalidRowFilter, kw)
		}
	}
	if strings.Contains(expr, "@@") {
		return fmt.Errorf("%w: expression contains forbidden function: @@", ErrInvalidRowFilter)
	}
	if err := balanced(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRowFilter, err)
	}
	for _, m := range functionCall.FindAllStringSubmatch(outsideQuotes(expr), -1) {
		name := strings.ToUpper(m[1])
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			name = name[i+1:]
		}
		if forbiddenFunctions[name] {
			return fmt.Errorf("%w: expression contains forbidden function: %s", ErrInvalidRowFilter, m[1])
		}
	}
	if !comparison.MatchString(outsideQuotes(expr)) {
		return fmt.Errorf("%w: expression is not a condition", ErrInvalidRowFilter)
	}
	return nil
}

// balanced checks parentheses outside string literals and that every quote closes.
func balanced(expr string) error {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				if i+1 < len(expr) && expr[i+1] == quote {
					i++
					continue
				}
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced ')' at %d", i)
			}
		}
	}
	if quote != 0 {
		return fmt.Errorf("unterminated %c quote", quote)
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced '('")
	}
	return nil
}

// outsideQuotes blanks string literal contents so they do not look like calls.
func outsideQuotes(expr string) string {
	b := []byte(expr)
	var quote byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if quote != 0 {
			if c == quote {
				quote = 0
				continue
			}
			b[i] = ' '
			continue
		}
		if c == '\'' || c == '"' {
			quote = c
		}
	}
	return string(b)
}
