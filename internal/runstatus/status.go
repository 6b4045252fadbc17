package runstatus

import "strings"

const (
	Idle        = "Idle"
	Subscribing = "Subscribing"
	Subscribed  = "Subscribed"
	Error       = "Error"
	Closed      = "Closed"
	SignedOut   = "Signed out"
)

const (
	KeyIdle        = "idle"
	KeySubscribing = "subscribing"
	KeySubscribed  = "subscribed"
	KeyError       = "error"
	KeyClosed      = "closed"
	KeySignedOut   = "signed out"
)

func Key(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}
