// Package plex decodes Plex Media Server webhook requests and translates them
// into relay events.
package plex

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Event names sent by Plex Media Server.
const (
	EventLibraryOnDeck          = "library.on.deck"
	EventLibraryNew             = "library.new"
	EventMediaPause             = "media.pause"
	EventMediaPlay              = "media.play"
	EventMediaRate              = "media.rate"
	EventMediaResume            = "media.resume"
	EventMediaScrobble          = "media.scrobble"
	EventMediaStop              = "media.stop"
	EventAdminDatabaseBackup    = "admin.database.backup"
	EventAdminDatabaseCorrupted = "admin.database.corrupted"
	EventDeviceNew              = "device.new"
	EventPlaybackStarted        = "playback.started"
)

// Payload is the JSON document carried in the "payload" multipart field.
type Payload struct {
	Event    string    `json:"event"`
	User     bool      `json:"user"`
	Owner    bool      `json:"owner"`
	Account  Account   `json:"Account"`
	Server   Server    `json:"Server"`
	Player   *Player   `json:"Player,omitempty"`
	Metadata *Metadata `json:"Metadata,omitempty"`
}

// Account identifies the Plex user that triggered the event.
type Account struct {
	ID    int64  `json:"id"`
	Thumb string `json:"thumb"`
	Title string `json:"title"`
}

// Server identifies the Plex Media Server instance.
type Server struct {
	Title string `json:"title"`
	UUID  string `json:"uuid"`
}

// Player identifies the client device.
type Player struct {
	Local         bool   `json:"local"`
	PublicAddress string `json:"publicAddress"`
	Title         string `json:"title"`
	UUID          string `json:"uuid"`
}

// Credit is a cast or crew entry.
type Credit struct {
	ID     int64  `json:"id"`
	Filter string `json:"filter"`
	Tag    string `json:"tag"`
	Role   string `json:"role,omitempty"`
	Thumb  string `json:"thumb,omitempty"`
}

// Link is an external GUID reference (imdb://, tmdb://, tvdb://).
type Link struct {
	ID string `json:"id"`
}

// Metadata describes the library item. Plex does not document which fields
// are present for which event, so every field is optional. Fields not listed
// here are kept in Extra.
type Metadata struct {
	Type                  string   `json:"type,omitempty"`
	Title                 string   `json:"title,omitempty"`
	TitleSort             string   `json:"titleSort,omitempty"`
	Summary               string   `json:"summary,omitempty"`
	Thumb                 string   `json:"thumb,omitempty"`
	Art                   string   `json:"art,omitempty"`
	Key                   string   `json:"key,omitempty"`
	GUID                  string   `json:"guid,omitempty"`
	RatingKey             string   `json:"ratingKey,omitempty"`
	ExternalLinks         []Link   `json:"Guid,omitempty"`
	Index                 int      `json:"index,omitempty"`
	Year                  int      `json:"year,omitempty"`
	ContentRating         string   `json:"contentRating,omitempty"`
	AudienceRating        float64  `json:"audienceRating,omitempty"`
	AudienceRatingImage   string   `json:"audienceRatingImage,omitempty"`
	UserRating            float64  `json:"userRating,omitempty"`
	ViewCount             int      `json:"viewCount,omitempty"`
	SkipCount             int      `json:"skipCount,omitempty"`
	ViewOffset            int64    `json:"viewOffset,omitempty"`
	Duration              int64    `json:"duration,omitempty"`
	OriginallyAvailableAt string   `json:"originallyAvailableAt,omitempty"`
	AddedAt               int64    `json:"addedAt,omitempty"`
	UpdatedAt             int64    `json:"updatedAt,omitempty"`
	LastViewedAt          int64    `json:"lastViewedAt,omitempty"`
	Writers               []Credit `json:"Writer,omitempty"`
	Directors             []Credit `json:"Director,omitempty"`
	Roles                 []Credit `json:"Role,omitempty"`

	ParentRatingKey string `json:"parentRatingKey,omitempty"`
	ParentIndex     int    `json:"parentIndex,omitempty"`
	ParentKey       string `json:"parentKey,omitempty"`
	ParentTitle     string `json:"parentTitle,omitempty"`
	ParentGUID      string `json:"parentGuid,omitempty"`
	ParentThumb     string `json:"parentThumb,omitempty"`

	GrandparentRatingKey string `json:"grandparentRatingKey,omitempty"`
	GrandparentKey       string `json:"grandparentKey,omitempty"`
	GrandparentTitle     string `json:"grandparentTitle,omitempty"`
	GrandparentGUID      string `json:"grandparentGuid,omitempty"`
	GrandparentThumb     string `json:"grandparentThumb,omitempty"`
	GrandparentArt       string `json:"grandparentArt,omitempty"`
	GrandparentTheme     string `json:"grandparentTheme,omitempty"`

	LibrarySectionType  string `json:"librarySectionType,omitempty"`
	LibrarySectionTitle string `json:"librarySectionTitle,omitempty"`
	LibrarySectionKey   string `json:"librarySectionKey,omitempty"`
	LibrarySectionID    int    `json:"librarySectionID,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownMetadataFields = jsonFieldNames(reflect.TypeOf(Metadata{}))

// UnmarshalJSON decodes known fields and collects the rest into Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode metadata fields: %w", err)
	}
	for name := range knownMetadataFields {
		delete(raw, name)
	}
	if len(raw) > 0 {
		decoded.Extra = raw
	}
	*m = Metadata(decoded)
	return nil
}

func jsonFieldNames(t reflect.Type) map[string]struct{} {
	names := make(map[string]struct{}, t.NumField())
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "" || name == "-" {
			continue
		}
		names[name] = struct{}{}
	}
	return names
}
