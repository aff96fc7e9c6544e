package coalesce

import "github.com/JakeFAU/plexrelay/internal/relay"

// peek returns a copy of the group for key without removing it.
func (t *Table) peek(key string) (Group, bool) {
	e, ok := t.byKey[key]
	if !ok {
		return Group{}, false
	}
	g := e.group
	g.Items = append([]relay.Fragment(nil), e.group.Items...)
	return g, true
}
