package relay_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/basket/agentrelay/internal/relay"
)

func TestKindOf(t *testing.T) {
	if got := relay.KindOf(relay.NotFoundf("agent %q not found", "x")); got != relay.KindNotFound {
		t.Fatalf("KindOf = %q, want %q", got, relay.KindNotFound)
	}
	if got := relay.KindOf(errors.New("disk on fire")); got != relay.KindStoreUnavailable {
		t.Fatalf("unclassified error: KindOf = %q, want %q", got, relay.KindStoreUnavailable)
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := relay.InvalidInputf("name must not be empty")
	wrapped := fmt.Errorf("register: %w", inner)
	if !relay.IsKind(wrapped, relay.KindInvalidInput) {
		t.Fatal("kind lost through fmt.Errorf wrapping")
	}
}

func TestStoreErrKeepsCause(t *testing.T) {
	cause := errors.New("database is locked")
	err := relay.StoreErr("insert message", cause)
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
	if !relay.IsKind(err, relay.KindStoreUnavailable) {
		t.Fatalf("kind = %q, want %q", relay.KindOf(err), relay.KindStoreUnavailable)
	}
}
