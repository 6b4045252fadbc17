package runstatus

import "testing"

func TestKeyMatchesStatus(t *testing.T) {
	pairs := map[string]string{
		Idle:        KeyIdle,
		Subscribing: KeySubscribing,
		Subscribed:  KeySubscribed,
		Error:       KeyError,
		Closed:      KeyClosed,
		SignedOut:   KeySignedOut,
	}
	for status, key := range pairs {
		if got := Key(status); got != key {
			t.Fatalf("Key(%q) = %q, want %q", status, got, key)
		}
	}
	if got := Key("  Subscribed "); got != KeySubscribed {
		t.Fatalf("Key trims input, got %q", got)
	}
}
