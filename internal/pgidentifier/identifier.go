package pgidentifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"
)

// MaxLength is the longest identifier Postgres keeps without truncating (NAMEDATALEN - 1)
const MaxLength = 63

var (
	// SimpleIdentifierRegex matches identifiers in Postgres that require no quotes
	SimpleIdentifierRegex = regexp.MustCompile("^[a-z_][a-z0-9_$]*$")

	ErrInvalidIdentifier = errors.New("invalid identifier")
)

func IsSimpleIdentifier(val string) bool {
	return SimpleIdentifierRegex.MatchString(val)
}

// Validate rejects identifiers Postgres would refuse or silently truncate
func Validate(val string) error {
	switch {
	case val == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	case len(val) > MaxLength:
		return fmt.Errorf("%w: %q is longer than %d bytes", ErrInvalidIdentifier, val, MaxLength)
	case strings.ContainsRune(val, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidIdentifier, val)
	}
	return nil
}

// Quote quotes an identifier. Every identifier is quoted, since simple identifiers can still be reserved words
func Quote(val string) string {
	return pq.QuoteIdentifier(val)
}

// QuoteQualified quotes schema.name. An empty schema yields just the quoted name
func QuoteQualified(schema, name string) string {
	if schema == "" {
		return Quote(name)
	}
	return Quote(schema) + "." + Quote(name)
}

// QuoteList quotes and comma-joins identifiers, e.g., for column lists
func QuoteList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = Quote(v)
	}
	return strings.Join(quoted, ", ")
}
