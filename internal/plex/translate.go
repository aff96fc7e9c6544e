package plex

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Embed colors per event family.
const (
	ColorLibrary = 0x2ecc71
	ColorMedia   = 0x3498db
	ColorAdmin   = 0xe74c3c
	ColorDevice  = 0xf1c40f
	ColorDefault = 0x95a5a6
)

// Translator turns decoded payloads into relay events.
type Translator struct {
	coalesce map[string]struct{}
}

// NewTranslator builds a Translator that assigns coalescing keys only to the
// listed event names.
func NewTranslator(coalesceEvents []string) *Translator {
	set := make(map[string]struct{}, len(coalesceEvents))
	for _, name := range coalesceEvents {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return &Translator{coalesce: set}
}

// Event builds the relay event for p.
func (t *Translator) Event(id string, p Payload, receivedAt time.Time) relay.Event {
	return relay.Event{
		ID:         id,
		Key:        t.Key(p),
		Fragment:   Fragment(p, receivedAt),
		ReceivedAt: receivedAt,
	}
}

// Key returns the coalescing key for p, or "" when p should be delivered on
// its own. Episodes group by show and season, tracks by album, and anything
// else by server library section.
func (t *Translator) Key(p Payload) string {
	if _, ok := t.coalesce[p.Event]; !ok || p.Metadata == nil {
		return ""
	}
	m := p.Metadata
	var scope string
	switch {
	case m.Type == "episode" && m.GrandparentRatingKey != "":
		scope = "show:" + m.GrandparentRatingKey + ":" + strconv.Itoa(m.ParentIndex)
	case m.Type == "track" && m.ParentRatingKey != "":
		scope = "album:" + m.ParentRatingKey
	case m.LibrarySectionID != 0 || m.LibrarySectionKey != "":
		section := m.LibrarySectionKey
		if m.LibrarySectionID != 0 {
			section = strconv.Itoa(m.LibrarySectionID)
		}
		scope = "section:" + p.Server.UUID + ":" + section
	default:
		return ""
	}
	return p.Event + "|" + scope
}

// Fragment renders p as notification content. For grouped library events the
// title is shared by every item of a group and the description carries the
// per-item line.
func Fragment(p Payload, at time.Time) relay.Fragment {
	f := relay.Fragment{
		Color:     colorFor(p.Event),
		Timestamp: at,
		Footer:    &relay.Footer{Text: p.Server.Title},
	}
	if p.Account.Title != "" {
		f.Author = &relay.Author{Name: p.Account.Title, IconURL: httpURL(p.Account.Thumb)}
	}
	m := p.Metadata
	if m == nil {
		m = &Metadata{}
	}

	switch p.Event {
	case EventLibraryNew:
		f.Title, f.Description = libraryNew(m)
	case EventLibraryOnDeck:
		f.Title = "On Deck"
		f.Description = displayTitle(m)
	case EventMediaPlay, EventMediaPause, EventMediaResume, EventMediaStop, EventMediaScrobble, EventMediaRate:
		f.Title = fmt.Sprintf("%s %s %s", p.Account.Title, mediaVerb(p.Event), displayTitle(m))
		if p.Player != nil {
			f.Description = "on " + p.Player.Title
		}
	case EventAdminDatabaseBackup:
		f.Title = "Database backup completed"
	case EventAdminDatabaseCorrupted:
		f.Title = "Database corruption detected"
		f.Description = "Plex reported a corrupted database on " + p.Server.Title
	case EventDeviceNew:
		f.Title = "New device"
		if p.Player != nil {
			f.Description = p.Player.Title
		}
	case EventPlaybackStarted:
		f.Title = "Playback started"
		if p.Player != nil {
			f.Description = fmt.Sprintf("%s on %s", p.Account.Title, p.Player.Title)
		}
	default:
		f.Title = p.Event
		f.Description = displayTitle(m)
	}
	f.Title = strings.TrimSpace(f.Title)
	return f
}

func libraryNew(m *Metadata) (title, description string) {
	switch m.Type {
	case "episode":
		title = "New episodes · " + m.GrandparentTitle
		if m.ParentIndex > 0 {
			title += fmt.Sprintf(" – Season %d", m.ParentIndex)
		}
		return title, episodeLine(m)
	case "track":
		return "New music · " + joinNonEmpty(" – ", m.GrandparentTitle, m.ParentTitle), trackLine(m)
	default:
		section := m.LibrarySectionTitle
		if section == "" {
			section = "Library"
		}
		return "New in " + section, displayTitle(m)
	}
}

func displayTitle(m *Metadata) string {
	switch m.Type {
	case "episode":
		return joinNonEmpty(" ", m.GrandparentTitle, episodeLine(m))
	case "track":
		return joinNonEmpty(" – ", m.GrandparentTitle, m.Title)
	default:
		if m.Year > 0 {
			return fmt.Sprintf("%s (%d)", m.Title, m.Year)
		}
		return m.Title
	}
}

func episodeLine(m *Metadata) string {
	code := fmt.Sprintf("S%02dE%02d", m.ParentIndex, m.Index)
	return joinNonEmpty(" · ", code, m.Title)
}

func trackLine(m *Metadata) string {
	if m.Index > 0 {
		return fmt.Sprintf("%d. %s", m.Index, m.Title)
	}
	return m.Title
}

func mediaVerb(event string) string {
	switch event {
	case EventMediaPlay:
		return "started"
	case EventMediaPause:
		return "paused"
	case EventMediaResume:
		return "resumed"
	case EventMediaStop:
		return "stopped"
	case EventMediaScrobble:
		return "finished"
	case EventMediaRate:
		return "rated"
	}
	return "played"
}

func colorFor(event string) int {
	switch {
	case strings.HasPrefix(event, "library."):
		return ColorLibrary
	case strings.HasPrefix(event, "media."), event == EventPlaybackStarted:
		return ColorMedia
	case strings.HasPrefix(event, "admin."):
		return ColorAdmin
	case strings.HasPrefix(event, "device."):
		return ColorDevice
	}
	return ColorDefault
}

// httpURL drops server-relative Plex paths, which chat clients cannot load.
func httpURL(s string) string {
	if strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://") {
		return s
	}
	return ""
}

func joinNonEmpty(sep string, parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
