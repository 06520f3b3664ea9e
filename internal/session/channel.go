package session

import (
	"fmt"
	"strings"
)

// Channel name shape: a presence-prefixed identifier whose remainder is the
// document ID, 3-100 characters after stripping the prefix.
const (
	// DocumentChannelPrefix names the channel carrying CRDT updates.
	DocumentChannelPrefix = "presence-doc-"
	// PresenceChannelPrefix names the channel carrying member presence.
	PresenceChannelPrefix = "presence-who-"

	minChannelIDLen = 3
	maxChannelIDLen = 100
)

// ParseChannel validates a channel name and extracts the document ID. A
// malformed name is an authorization failure, never a server error.
func ParseChannel(name string) (documentID string, err error) {
	var rest string
	switch {
	case strings.HasPrefix(name, DocumentChannelPrefix):
		rest = strings.TrimPrefix(name, DocumentChannelPrefix)
	case strings.HasPrefix(name, PresenceChannelPrefix):
		rest = strings.TrimPrefix(name, PresenceChannelPrefix)
	default:
		return "", fmt.Errorf("channel %q: missing presence prefix", name)
	}
	if len(rest) < minChannelIDLen || len(rest) > maxChannelIDLen {
		return "", fmt.Errorf("channel %q: identifier length out of bounds", name)
	}
	for _, r := range rest {
		valid := r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !valid {
			return "", fmt.Errorf("channel %q: invalid character %q", name, r)
		}
	}
	return rest, nil
}

// DocumentChannel returns the update channel name for a document.
func DocumentChannel(documentID string) string {
	return DocumentChannelPrefix + documentID
}

// PresenceChannel returns the presence channel name for a document.
func PresenceChannel(documentID string) string {
	return PresenceChannelPrefix + documentID
}
