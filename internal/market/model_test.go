package market

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateSlug(t *testing.T) {
	valid := []string{"btc-100k", "lakers_finals_2025", "A1"}
	for _, s := range valid {
		if err := ValidateSlug(s); err != nil {
			t.Fatalf("expected slug %q to be valid: %v", s, err)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "ünicode", strings.Repeat("a", 201)}
	for _, s := range invalid {
		if err := ValidateSlug(s); err == nil {
			t.Fatalf("expected slug %q to fail", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusOpen, true},
		{StatusDraft, StatusDraft, true},
		{StatusDraft, StatusResolved, false},
		{StatusDraft, StatusClosed, false},
		{StatusOpen, StatusClosed, true},
		{StatusOpen, StatusResolved, true},
		{StatusClosed, StatusResolved, true},
		{StatusOpen, StatusDraft, false},
		{StatusResolved, StatusOpen, false},
		{StatusClosed, StatusOpen, false},
		{StatusOpen, Status("paused"), false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("%s -> %s: got %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "10", want: "10"},
		{in: " $12.50 ", want: "12.5"},
		{in: "0.10", want: "0.1"},
		{in: "0.09", wantErr: ErrAmountTooSmall},
		{in: "0", wantErr: ErrInvalidAmount},
		{in: "-5", wantErr: ErrInvalidAmount},
		{in: "ten", wantErr: ErrInvalidAmount},
		{in: "1.005", wantErr: ErrInvalidAmount},
		{in: "", wantErr: ErrInvalidAmount},
	}
	for _, tc := range tests {
		got, err := ParseAmount(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ParseAmount(%q) err=%v want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseAmount(%q) unexpected error: %v", tc.in, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Fatalf("ParseAmount(%q) = %s want %s", tc.in, got, tc.want)
		}
	}
}

func TestValidateComment(t *testing.T) {
	if _, err := ValidateComment("   \n\t"); !errors.Is(err, ErrEmptyComment) {
		t.Fatalf("expected empty comment error, got %v", err)
	}
	if _, err := ValidateComment(strings.Repeat("x", MaxCommentLength+1)); !errors.Is(err, ErrCommentTooLong) {
		t.Fatalf("expected too long error, got %v", err)
	}
	got, err := ValidateComment("  bullish  ")
	if err != nil || got != "bullish" {
		t.Fatalf("got %q, %v", got, err)
	}
	if _, err := ValidateComment(strings.Repeat("é", MaxCommentLength)); err != nil {
		t.Fatalf("1000 runes should pass: %v", err)
	}
}

func TestMarketFormValidate(t *testing.T) {
	tests := []struct {
		name      string
		form      MarketForm
		wantField string
	}{
		{name: "ok", form: MarketForm{Title: "Will BTC hit 100k?", Slug: "btc-100k"}},
		{name: "blank title", form: MarketForm{Title: "   ", Slug: "btc-100k"}, wantField: "title"},
		{name: "long title", form: MarketForm{Title: strings.Repeat("t", 201), Slug: "btc"}, wantField: "title"},
		{name: "bad slug", form: MarketForm{Title: "BTC", Slug: "btc 100k"}, wantField: "slug"},
		{name: "bad status", form: MarketForm{Title: "BTC", Slug: "btc", Status: "paused"}, wantField: "status"},
	}
	for _, tc := range tests {
		err := tc.form.Validate()
		if tc.wantField == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		var fe *FieldError
		if !errors.As(err, &fe) || fe.Field != tc.wantField {
			t.Fatalf("%s: got %v want field %s", tc.name, err, tc.wantField)
		}
	}
}

func TestValidateCreateAndUpdate(t *testing.T) {
	form := MarketForm{Title: "BTC", Slug: "btc-100k", Status: StatusResolved}
	if err := form.ValidateCreate(); !errors.Is(err, ErrCreateStatusDenied) {
		t.Fatalf("expected create status error, got %v", err)
	}

	current := Market{Slug: "btc-100k", Status: StatusOpen}
	back := MarketForm{Title: "BTC", Slug: "btc-100k", Status: StatusDraft}
	if err := back.ValidateUpdate(current); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
	renamed := MarketForm{Title: "BTC", Slug: "btc-200k", Status: StatusOpen}
	if err := renamed.ValidateUpdate(current); !errors.Is(err, ErrSlugImmutable) {
		t.Fatalf("expected slug immutable error, got %v", err)
	}
}

func TestMarketWinnerAndWorth(t *testing.T) {
	m := Market{
		Status: StatusResolved,
		Outcomes: []Outcome{
			{ID: 1, Name: "YES", Price: decimal.NewFromInt(1), Winning: true},
			{ID: 2, Name: "NO", Price: decimal.Zero},
		},
	}
	w, ok := m.Winner()
	if !ok || w.ID != 1 {
		t.Fatalf("expected YES to win, got %+v %v", w, ok)
	}
	m.Status = StatusOpen
	if _, ok := m.Winner(); ok {
		t.Fatalf("open market must not report a winner")
	}

	p := Position{Shares: decimal.RequireFromString("19.09"), Price: decimal.RequireFromString("0.55")}
	if !p.Worth().Equal(decimal.RequireFromString("10.4995")) {
		t.Fatalf("worth = %s", p.Worth())
	}

	clone := m.Clone()
	clone.Outcomes[0].Name = "MAYBE"
	if m.Outcomes[0].Name != "YES" {
		t.Fatalf("clone shares outcome slice")
	}
}
