// Package feed holds the ticketing entities, the incremental merge that keeps
// per-screen collections current, the REST API client, and the FeedPoller
// composing all of it on top of the polling engine.
package feed

// Record is any identity-bearing entity a feed can carry: a stable id plus a
// monotonic timestamp used both for cursor advancement and merge recency.
type Record interface {
	// Key returns the stable identity of the record.
	Key() string
	// Recency returns the record's most recent timestamp in epoch seconds.
	Recency() int64
}

// Ticket views consumed by the ticket feeds.
const (
	ViewActive   = "active"
	ViewArchived = "archived"
)

type Ticket struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Status      string `json:"status"`
	Priority    string `json:"priority,omitempty"`
	RequesterID string `json:"requesterId,omitempty"`
	AssigneeID  string `json:"assigneeId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func (t Ticket) Key() string { return t.ID }

func (t Ticket) Recency() int64 {
	if t.UpdatedAt > 0 {
		return t.UpdatedAt
	}
	return t.CreatedAt
}

type ChatMessage struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticketId"`
	AuthorID  string `json:"authorId"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
}

func (m ChatMessage) Key() string    { return m.ID }
func (m ChatMessage) Recency() int64 { return m.CreatedAt }

type Notification struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body,omitempty"`
	TicketID  string `json:"ticketId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	Read      bool   `json:"read"`
}

func (n Notification) Key() string    { return n.ID }
func (n Notification) Recency() int64 { return n.CreatedAt }

// Page is one fetch's worth of a feed: the changed records plus an optional
// server-side cursor hint covering records the batch itself may not carry.
type Page[T Record] struct {
	Items            []T   `json:"items"`
	LatestCursorHint int64 `json:"latestCursorHint,omitempty"`
}

// Preferences is the per-user notification configuration. The server is the
// source of truth; UpdatePreferences echoes the merged result back.
type Preferences struct {
	SoundEnabled      bool     `json:"soundEnabled"`
	SoundVolume       int      `json:"soundVolume"`
	NotificationTypes []string `json:"notificationTypes"`
}

// PreferencesPatch is a partial preferences update; nil fields are left
// untouched server-side.
type PreferencesPatch struct {
	SoundEnabled      *bool     `json:"soundEnabled,omitempty"`
	SoundVolume       *int      `json:"soundVolume,omitempty"`
	NotificationTypes *[]string `json:"notificationTypes,omitempty"`
}
