package session

import (
	"testing"
	"time"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

func TestExternalIDStableUntilReset(t *testing.T) {
	t.Parallel()

	sess := &store.Session{ID: "sess-1"}
	first := ExternalID(sess)
	if first == "" || len(first) != 16 {
		t.Fatalf("ExternalID = %q, want 16 hex chars", first)
	}
	if got := ExternalID(sess); got != first {
		t.Errorf("ExternalID not stable: %q vs %q", got, first)
	}

	resetAt := time.Now()
	sess.ResetAt = &resetAt
	if got := ExternalID(sess); got == first {
		t.Error("reset should change the external ID")
	}
}

func TestExternalIDDiffersPerSession(t *testing.T) {
	t.Parallel()

	a := ExternalID(&store.Session{ID: "sess-a"})
	b := ExternalID(&store.Session{ID: "sess-b"})
	if a == b {
		t.Error("different sessions must map to different external IDs")
	}
}
