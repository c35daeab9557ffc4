// Package filter compiles a principal and a collection selection into the
// boolean filter string accepted by the search index.
//
// The grammar is `<field>: ANY("<literal>")` clauses joined with AND/OR and
// parentheses. Compile owns quoting: literals are always double-quoted, and a
// literal that cannot be quoted safely is rejected rather than escaped.
package filter

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// Struct-data field names written on every indexed document.
const (
	OwnerField      = "owner"
	CollectionField = "collection"
)

// Compile returns the filter for principal restricted to collectionIDs.
//
// An empty selection yields only the owner clause, meaning everything the
// principal owns. Collection clauses keep the caller's order so equal inputs
// produce byte-identical output.
func Compile(principal string, collectionIDs []string) (string, error) {
	owner, err := clause(OwnerField, principal)
	if err != nil {
		return "", err
	}

	switch len(collectionIDs) {
	case 0:
		return owner, nil
	case 1:
		c, err := clause(CollectionField, collectionIDs[0])
		if err != nil {
			return "", err
		}
		return owner + " AND " + c, nil
	}

	clauses := make([]string, 0, len(collectionIDs))
	for _, id := range collectionIDs {
		c, err := clause(CollectionField, id)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, c)
	}
	return owner + " AND (" + strings.Join(clauses, " OR ") + ")", nil
}

func clause(field, literal string) (string, error) {
	if err := checkLiteral(literal); err != nil {
		return "", fmt.Errorf("%w: %s %q %s", models.ErrInvalidFilterInput, field, literal, err)
	}
	return field + `: ANY("` + literal + `")`, nil
}

type literalError string

func (e literalError) Error() string { return string(e) }

func checkLiteral(s string) error {
	if strings.TrimSpace(s) == "" {
		return literalError("is empty")
	}
	if !utf8.ValidString(s) {
		return literalError("is not valid UTF-8")
	}
	for _, r := range s {
		switch {
		case r == '"' || r == '\\':
			return literalError("contains a quote or escape character")
		case unicode.IsControl(r):
			return literalError("contains a control character")
		}
	}
	return nil
}
