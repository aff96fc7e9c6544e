package discord

import (
	"strconv"
	"time"

	"github.com/JakeFAU/plexrelay/internal/relay"
)

// Embed is the rich embed object accepted by the Discord webhook API.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Type        string       `json:"type"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Color       int          `json:"color,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Thumbnail   *EmbedMedia  `json:"thumbnail,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

// EmbedFooter is the footer line of an embed.
type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedMedia references an image by URL.
type EmbedMedia struct {
	URL string `json:"url"`
}

// EmbedAuthor is the attribution line above the title.
type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedField is a name/value pair rendered in the embed body.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// AllowedMentions restricts which mentions in content ping users.
type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// WebhookRequest is the body POSTed to an execute-webhook URL.
type WebhookRequest struct {
	Content         string           `json:"content,omitempty"`
	Username        string           `json:"username,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	Embeds          []Embed          `json:"embeds,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// EmbedFrom converts a notification into a rich embed.
func EmbedFrom(n relay.Notification) Embed {
	e := Embed{
		Type:        "rich",
		Title:       n.Title,
		Description: n.Description,
		URL:         n.URL,
		Color:       n.Color,
	}
	if !n.Timestamp.IsZero() {
		e.Timestamp = n.Timestamp.UTC().Format(time.RFC3339)
	}
	if n.Author != nil {
		e.Author = &EmbedAuthor{Name: n.Author.Name, URL: n.Author.URL, IconURL: n.Author.IconURL}
	}
	if n.Footer != nil {
		e.Footer = &EmbedFooter{Text: n.Footer.Text, IconURL: n.Footer.IconURL}
	}
	if n.Thumbnail != "" {
		e.Thumbnail = &EmbedMedia{URL: n.Thumbnail}
	}
	if n.Items > 1 {
		e.Fields = []EmbedField{{Name: "Items", Value: strconv.Itoa(n.Items), Inline: true}}
	}
	return e
}
