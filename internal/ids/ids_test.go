package ids

import (
	"strings"
	"testing"
	"time"
)

func TestNewPrefixedAndSortable(t *testing.T) {
	a := New(PrefixPurchase)
	b := New(PrefixPurchase)
	if !strings.HasPrefix(a, "pur_") {
		t.Fatalf("missing prefix: %s", a)
	}
	if a >= b {
		t.Fatalf("ids not monotonic: %s >= %s", a, b)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := New(PrefixRegistration)
	ts, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) failed", id)
	}
	if ts.Before(before) {
		t.Fatalf("unexpected timestamp %s", ts)
	}
	if _, ok := Time("reg_not-a-ulid"); ok {
		t.Fatal("expected parse failure")
	}
}
