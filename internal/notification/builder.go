// Package notification merges the fragments of a flushed group into the single
// notification delivered to every endpoint.
package notification

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/plexrelay/internal/coalesce"
	"github.com/JakeFAU/plexrelay/internal/relay"
)

// MaxDescriptionLength is the longest description a Discord embed accepts.
const MaxDescriptionLength = 4096

// Build merges a group into one notification. Display fields come from the
// first item; the description stacks each item's description in arrival order,
// skipping items that have none. Build is pure and deterministic.
func Build(g coalesce.Group) relay.Notification {
	n := relay.Notification{Key: g.Key, Items: len(g.Items)}
	if len(g.Items) == 0 {
		return n
	}
	n.Fragment = g.Items[0]
	n.Description = joinDescriptions(g.Items, MaxDescriptionLength)
	return n
}

func joinDescriptions(items []relay.Fragment, limit int) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		if it.Description == "" {
			continue
		}
		lines = append(lines, it.Description)
	}
	joined := strings.Join(lines, "\n")
	if limit <= 0 || utf8.RuneCountInString(joined) <= limit {
		return joined
	}
	return truncateLines(lines, limit)
}

// truncateLines keeps whole lines while they fit and reports how many were
// dropped on a final line.
func truncateLines(lines []string, limit int) string {
	var b strings.Builder
	used := 0
	for i, line := range lines {
		remaining := len(lines) - i
		suffix := fmt.Sprintf("…and %d more", remaining)
		cost := utf8.RuneCountInString(line)
		if i > 0 {
			cost++
		}
		reserve := utf8.RuneCountInString(suffix) + 1
		if remaining == 1 {
			reserve = 0
		}
		if used+cost+reserve > limit {
			if used == 0 {
				return truncateRunes(line, limit)
			}
			b.WriteString("\n")
			b.WriteString(suffix)
			return b.String()
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
		used += cost
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	if limit <= 1 {
		return "…"
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
