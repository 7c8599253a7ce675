package journal

import (
	"fmt"
	"testing"
)

func TestAppendAndRecent(t *testing.T) {
	j := New(t.TempDir())

	entries, err := j.Load()
	if err != nil || len(entries) != 0 {
		t.Fatalf("empty journal: %v %v", entries, err)
	}
	if err := j.Append(Entry{Action: "trade", Slug: "btc-100k", Summary: "bought 19.09 YES"}); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(Entry{Action: "redeem", Slug: "btc-100k", Summary: "payout $19.09"}); err != nil {
		t.Fatal(err)
	}

	recent, err := j.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Action != "redeem" || recent[1].Action != "trade" {
		t.Fatalf("unexpected order: %+v", recent)
	}
	if recent[0].ID == "" || recent[0].At.IsZero() {
		t.Fatalf("id and timestamp should be filled: %+v", recent[0])
	}
}

func TestAppendCapsEntries(t *testing.T) {
	j := New(t.TempDir())
	for i := 0; i < MaxEntries+15; i++ {
		if err := j.Append(Entry{Action: "trade", Summary: fmt.Sprintf("n%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := j.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxEntries {
		t.Fatalf("len = %d", len(entries))
	}
	if entries[0].Summary != "n15" {
		t.Fatalf("oldest entries should be dropped first, got %s", entries[0].Summary)
	}
	recent, _ := j.Recent(1)
	if recent[0].Summary != fmt.Sprintf("n%d", MaxEntries+14) {
		t.Fatalf("newest = %s", recent[0].Summary)
	}
}
