// Package notify runs the per-session notification sync engine: preference-
// aware polling with additive backoff, session-local dedup, and a per-user
// dismissal store persisted to durable storage.
package notify

import (
	"strings"

	"github.com/hubdesk/ticketsync/internal/feed"
)

// DefaultPreferences is the fallback applied when the preferences fetch
// fails; the engine starts polling with it rather than staying dark.
func DefaultPreferences() feed.Preferences {
	return feed.Preferences{
		SoundEnabled: true,
		SoundVolume:  70,
		NotificationTypes: []string{
			"ticket_created",
			"ticket_updated",
			"ticket_assigned",
			"chat_message",
			"system",
		},
	}
}

func normalizePreferences(prefs feed.Preferences) feed.Preferences {
	if prefs.SoundVolume < 0 {
		prefs.SoundVolume = 0
	}
	if prefs.SoundVolume > 100 {
		prefs.SoundVolume = 100
	}
	types := make([]string, 0, len(prefs.NotificationTypes))
	seen := map[string]struct{}{}
	for _, t := range prefs.NotificationTypes {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	prefs.NotificationTypes = types
	return prefs
}

// typeEnabled reports whether a notification type passes the preference
// filter. An empty type set means nothing was configured and everything is
// delivered.
func typeEnabled(prefs feed.Preferences, notificationType string) bool {
	if len(prefs.NotificationTypes) == 0 {
		return true
	}
	for _, t := range prefs.NotificationTypes {
		if t == notificationType {
			return true
		}
	}
	return false
}
