package engine

import (
	"fmt"
	"strings"

	"github.com/conduitworks/conduit-engine/pkg/params"
)

// Placeholder renders the dialect's positional placeholder for the n-th
// bound argument (1-based).
type Placeholder func(n int) string

// DollarPlaceholder is the postgres-wire style: $1, $2, ...
func DollarPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// QuestionPlaceholder is the mysql/sqlite style: ?
func QuestionPlaceholder(int) string { return "?" }

// BindNamed rewrites a template's :name placeholders into the dialect's
// positional form and returns the argument list in placeholder order. A
// name may appear more than once; each occurrence gets its own argument
// slot. Single-quoted literals are left untouched. Unresolved names are
// an error so a bad template fails loudly instead of binding NULLs.
func BindNamed(sqlTemplate string, args []params.NamedValue, ph Placeholder) (string, []any, error) {
	byName := make(map[string]any, len(args))
	for _, a := range args {
		byName[a.Name] = a.Value
	}

	var (
		b        strings.Builder
		bound    []any
		inString bool
	)
	for i := 0; i < len(sqlTemplate); i++ {
		ch := sqlTemplate[i]
		if ch == '\'' {
			inString = !inString
			b.WriteByte(ch)
			continue
		}
		if inString || ch != ':' || i+1 >= len(sqlTemplate) || !isIdentStart(sqlTemplate[i+1]) {
			// "::" is a postgres cast, not a parameter.
			if ch == ':' && i+1 < len(sqlTemplate) && sqlTemplate[i+1] == ':' {
				b.WriteString("::")
				i++
				continue
			}
			b.WriteByte(ch)
			continue
		}

		j := i + 1
		for j < len(sqlTemplate) && isIdentPart(sqlTemplate[j]) {
			j++
		}
		name := sqlTemplate[i+1 : j]
		value, ok := byName[name]
		if !ok {
			return "", nil, fmt.Errorf("unbound template parameter :%s", name)
		}
		bound = append(bound, value)
		b.WriteString(ph(len(bound)))
		i = j - 1
	}

	return b.String(), bound, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
