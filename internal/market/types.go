package market

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusDraft    Status = "draft"
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusResolved Status = "resolved"
)

type User struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Balance  decimal.Decimal `json:"balance"`
	IsStaff  bool            `json:"is_staff"`
}

type Outcome struct {
	ID      int64           `json:"id"`
	Name    string          `json:"name"`
	Price   decimal.Decimal `json:"price"`
	Winning bool            `json:"winning"`
}

type Market struct {
	ID          int64     `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Creator     string    `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
	Outcomes    []Outcome `json:"outcomes"`
}

func (m Market) Outcome(id int64) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Winner is only meaningful once the market is resolved.
func (m Market) Winner() (Outcome, bool) {
	if m.Status != StatusResolved {
		return Outcome{}, false
	}
	for _, o := range m.Outcomes {
		if o.Winning {
			return o, true
		}
	}
	return Outcome{}, false
}

// Clone returns a copy that shares no slices with m.
func (m Market) Clone() Market {
	out := m
	if m.Outcomes != nil {
		out.Outcomes = append([]Outcome(nil), m.Outcomes...)
	}
	return out
}

// Form returns the editable fields of m.
func (m Market) Form() MarketForm {
	return MarketForm{
		Title:       m.Title,
		Slug:        m.Slug,
		Description: m.Description,
		Status:      m.Status,
	}
}

type Position struct {
	ID          int64           `json:"id"`
	MarketSlug  string          `json:"market_slug"`
	MarketTitle string          `json:"market_title"`
	OutcomeID   int64           `json:"outcome_id"`
	OutcomeName string          `json:"outcome_name"`
	Shares      decimal.Decimal `json:"shares"`
	Price       decimal.Decimal `json:"current_price"`
	Value       decimal.Decimal `json:"value"`
}

// Worth is shares times the current server price.
func (p Position) Worth() decimal.Decimal {
	return p.Shares.Mul(p.Price)
}

type Portfolio struct {
	Username       string          `json:"username"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Positions      []Position      `json:"positions"`
	CreatedMarkets []Market        `json:"created_markets"`
}

type LedgerEntry struct {
	Username string          `json:"username"`
	Outcome  string          `json:"outcome"`
	Shares   decimal.Decimal `json:"shares"`
	Value    decimal.Decimal `json:"value"`
}

type Ledger struct {
	Entries      []LedgerEntry `json:"ledger"`
	TotalBettors int           `json:"total_bettors"`
}

type Comment struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type TradeReceipt struct {
	SharesBought decimal.Decimal `json:"shares_bought"`
	NewPrice     decimal.Decimal `json:"new_price"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
}

type Payout struct {
	Amount  decimal.Decimal `json:"payout"`
	Message string          `json:"message"`
}

// MarketForm is the create/update payload. Slug is immutable after create.
type MarketForm struct {
	Title       string `json:"title" validate:"nonzero,max=200"`
	Slug        string `json:"slug" validate:"nonzero,max=200,regexp=^[-a-zA-Z0-9_]+$"`
	Description string `json:"description"`
	Status      Status `json:"status"`
}
