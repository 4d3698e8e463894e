package session

import (
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	r := NewRegistry(time.Hour)

	token, err := r.Issue(RegisteredSubject("alice"), "127.0.0.1:1234")
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	sub, err := r.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Name != "alice" || sub.IsVisitor() {
		t.Fatalf("unexpected subject %+v", sub)
	}

	if _, err := r.Validate("no-such-token"); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSlidingExpiration(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(100 * time.Second)
	r.SetClock(func() time.Time { return now })

	token, err := r.Issue(RegisteredSubject("alice"), "")
	if err != nil {
		t.Fatal(err)
	}

	// Validate at T+90 extends expiry to T+190.
	now = now.Add(90 * time.Second)
	if _, err := r.Validate(token); err != nil {
		t.Fatalf("validate before expiry: %v", err)
	}

	// T+180 is still inside the extended window.
	now = now.Add(90 * time.Second)
	if _, err := r.Validate(token); err != nil {
		t.Fatalf("validate inside extended window: %v", err)
	}

	// T+280 is past the last extension: expired and evicted.
	now = now.Add(100 * time.Second)
	if _, err := r.Validate(token); err != ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	// Evicted entries are gone, not merely expired.
	if _, err := r.Validate(token); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound after eviction, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	r := NewRegistry(time.Hour)
	token, _ := r.Issue(RegisteredSubject("alice"), "")

	if !r.Revoke(token) {
		t.Fatal("revoke of live session returned false")
	}
	if r.Revoke(token) {
		t.Fatal("second revoke returned true")
	}
	if _, err := r.Validate(token); err != ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSweepExpiredSignalsPresenceLoss(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewRegistry(60 * time.Second)
	r.SetClock(func() time.Time { return now })

	var lost []string
	r.SetPresenceLossFunc(func(username string) { lost = append(lost, username) })

	r.Issue(RegisteredSubject("alice"), "")
	r.Issue(VisitorSubject("guest"), "")
	fresh, _ := r.Issue(RegisteredSubject("bob"), "")

	now = now.Add(30 * time.Second)
	// Touch bob so only alice and the visitor lapse.
	if _, err := r.Validate(fresh); err != nil {
		t.Fatal(err)
	}

	now = now.Add(45 * time.Second)
	if n := r.SweepExpired(); n != 2 {
		t.Fatalf("expected 2 evictions, got %d", n)
	}
	// Only registered subjects trigger presence loss.
	if len(lost) != 1 || lost[0] != "alice" {
		t.Fatalf("unexpected presence-loss set %v", lost)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", r.Len())
	}
}

func TestSubjectWireForm(t *testing.T) {
	v := VisitorSubject("guest")
	if v.String() != "visitor:guest" {
		t.Fatalf("visitor wire form: %q", v.String())
	}
	if got := ParseSubject("visitor:guest"); got != v {
		t.Fatalf("round trip: %+v", got)
	}
	u := RegisteredSubject("alice")
	if u.String() != "alice" {
		t.Fatalf("registered wire form: %q", u.String())
	}
	if got := ParseSubject("alice"); got != u {
		t.Fatalf("round trip: %+v", got)
	}
}
