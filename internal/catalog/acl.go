package catalog

import "strings"

// AccessFilter produces SQL predicate fragments restricting list and
// find operations to the entities a requesting principal may see.
// Entity names are the logical kinds: "Job", "Client", "Pool",
// "FileSet", "Storage".
type AccessFilter interface {
	// Predicate returns a fragment like `Name IN ('a','b')` for the
	// given entity against the given column, or "" when the principal
	// is unrestricted for that entity.
	Predicate(entity, column string) string
}

// AllowAll places no restrictions. The default for daemon-internal
// workers.
type AllowAll struct{}

func (AllowAll) Predicate(string, string) string { return "" }

// Escaper is the subset of the engine binding the name-list filter
// needs. Satisfied by database.Engine.
type Escaper interface {
	EscapeText(s string) string
}

// NameListFilter restricts each entity kind to an allowed-name list,
// the shape restricted consoles provide. A missing entry means
// unrestricted; an empty list means nothing is visible.
type NameListFilter struct {
	Allowed map[string][]string
	Esc     Escaper
}

func (f *NameListFilter) Predicate(entity, column string) string {
	names, ok := f.Allowed[entity]
	if !ok {
		return ""
	}
	if len(names) == 0 {
		return "1=0"
	}
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = "'" + f.Esc.EscapeText(n) + "'"
	}
	return column + " IN (" + strings.Join(quoted, ",") + ")"
}

// andPredicate appends an ACL predicate to a WHERE clause body.
// where may be empty.
func andPredicate(where, pred string) string {
	if pred == "" {
		return where
	}
	if where == "" {
		return pred
	}
	return where + " AND " + pred
}
