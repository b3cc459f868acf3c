package stream

import (
	"testing"
	"time"
)

func TestTicketIssueAndRedeem(t *testing.T) {
	ts := NewTicketStore(time.Minute)

	tk := ts.Issue("sess-token-1")
	if tk == "" {
		t.Fatal("expected non-empty ticket")
	}
	if tk == "sess-token-1" {
		t.Fatal("ticket must differ from the session token")
	}

	got, ok := ts.Redeem(tk)
	if !ok || got != "sess-token-1" {
		t.Fatalf("Redeem = %q, %v; want sess-token-1, true", got, ok)
	}

	// Tickets survive redemption inside the window so a player can retry.
	got, ok = ts.Redeem(tk)
	if !ok || got != "sess-token-1" {
		t.Fatalf("second Redeem = %q, %v; want sess-token-1, true", got, ok)
	}
}

func TestTicketUnknownFails(t *testing.T) {
	ts := NewTicketStore(time.Minute)
	if _, ok := ts.Redeem("no-such-ticket"); ok {
		t.Fatal("expected unknown ticket to fail")
	}
}

func TestTicketExpires(t *testing.T) {
	ts := NewTicketStore(time.Minute)
	base := time.Now()
	ts.now = func() time.Time { return base }

	tk := ts.Issue("sess-token-2")
	if _, ok := ts.Redeem(tk); !ok {
		t.Fatal("fresh ticket should redeem")
	}

	ts.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	if _, ok := ts.Redeem(tk); ok {
		t.Fatal("expired ticket should not redeem")
	}
	if len(ts.tickets) != 0 {
		t.Fatalf("expected expired ticket purged, %d remain", len(ts.tickets))
	}
}

func TestTicketDefaultTTL(t *testing.T) {
	ts := NewTicketStore(0)
	if ts.ttl != defaultTicketTTL {
		t.Fatalf("ttl = %v, want %v", ts.ttl, defaultTicketTTL)
	}
}
