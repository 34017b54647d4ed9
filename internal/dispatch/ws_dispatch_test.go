package dispatch

import (
	"errors"
	"testing"

	"github.com/gorilla/websocket"
)

func TestOfferWithoutSession(t *testing.T) {
	reg := NewWSRegistry()
	if err := reg.Offer("ghost", Offer{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRemoveKeepsReplacementSession(t *testing.T) {
	reg := NewWSRegistry()
	stale := &websocket.Conn{}
	fresh := &websocket.Conn{}

	reg.Add("d1", stale)
	// the driver reconnects before the old read loop notices
	reg.Add("d1", fresh)
	reg.Remove("d1", stale)

	if _, ok := reg.sessions["d1"]; !ok {
		t.Fatal("stale close evicted the replacement session")
	}

	reg.Remove("d1", fresh)
	if _, ok := reg.sessions["d1"]; ok {
		t.Fatal("expected the current session to be removed")
	}
}
