package notify

import (
	"context"
	"errors"
	"testing"

	"pottsmarket/internal/journal"
)

type recordingSender struct {
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func TestNotifyFiltersEvents(t *testing.T) {
	rec := &recordingSender{name: "rec"}
	n := New([]Sender{rec}, nil, nil)

	_ = n.Notify(context.Background(), journal.Entry{Action: "comment", Slug: "btc-100k"})
	if err := n.Notify(context.Background(), journal.Entry{Action: "trade", Slug: "btc-100k", Summary: "bought"}); err != nil {
		t.Fatal(err)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "Trade btc-100k" {
		t.Fatalf("titles = %v", rec.titles)
	}
}

func TestNotifyContinuesPastFailures(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := New([]Sender{bad, good}, []string{"redeem"}, nil)

	err := n.Notify(context.Background(), journal.Entry{Action: "redeem", Slug: "x"})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if len(good.titles) != 1 {
		t.Fatal("later sender skipped after a failure")
	}
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/12345/abc-DEF")
	if err != nil || id != "12345" || token != "abc-DEF" {
		t.Fatalf("got %q %q %v", id, token, err)
	}
	for _, bad := range []string{"", "not a url", "https://discord.com/api/webhooks/12345", "https://example.com/hooks/1/2"} {
		if _, _, err := parseWebhookURL(bad); err == nil {
			t.Fatalf("expected %q to fail", bad)
		}
	}
}

func TestNewDiscordSender(t *testing.T) {
	s, err := NewDiscordSender("https://discord.com/api/webhooks/1/tok")
	if err != nil {
		t.Fatal(err)
	}
	if s.Name() != "discord" || s.id != "1" || s.token != "tok" {
		t.Fatalf("sender = %+v", s)
	}
}
