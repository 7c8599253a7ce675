// Package view derives what the terminal shows from the session, catalog and
// portfolio snapshots. Nothing here performs I/O.
package view

import (
	"fmt"

	"pottsmarket/internal/market"

	"github.com/shopspring/decimal"
)

type OutcomeView struct {
	ID      int64
	Name    string
	Price   string
	Winning bool
}

type MarketCard struct {
	Slug        string
	Title       string
	Description string
	Status      market.Status
	Creator     string
	Outcomes    []OutcomeView
	Winner      string

	CanTrade   bool
	CanResolve bool
	CanRedeem  bool
	CanPublish bool
	CanEdit    bool
	CanDelete  bool
	CanComment bool
}

type PositionView struct {
	MarketSlug  string
	MarketTitle string
	OutcomeName string
	Shares      string
	Price       string
	Value       string
}

type DashboardView struct {
	Username       string
	Balance        string
	NetWorth       string
	PositionsValue string
	Positions      []PositionView
	CreatedMarkets []MarketCard
}

func FormatUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Neg().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}

func FormatPrice(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func FormatShares(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Feed keeps catalog order. user is nil when signed out.
func Feed(user *market.User, markets []market.Market) []MarketCard {
	out := make([]MarketCard, 0, len(markets))
	for _, m := range markets {
		out = append(out, Card(user, m))
	}
	return out
}

func Card(user *market.User, m market.Market) MarketCard {
	signedIn := user != nil
	owner := signedIn && user.Username == m.Creator
	privileged := owner || (signedIn && user.IsStaff)

	card := MarketCard{
		Slug:        m.Slug,
		Title:       m.Title,
		Description: m.Description,
		Status:      m.Status,
		Creator:     m.Creator,
		Outcomes:    make([]OutcomeView, 0, len(m.Outcomes)),

		CanTrade:   signedIn && m.Status == market.StatusOpen,
		CanResolve: privileged && (m.Status == market.StatusOpen || m.Status == market.StatusClosed),
		CanRedeem:  signedIn && m.Status == market.StatusResolved,
		CanPublish: owner && m.Status == market.StatusDraft,
		CanEdit:    privileged && m.Status != market.StatusResolved,
		CanDelete:  privileged,
		CanComment: signedIn,
	}
	winner, resolved := m.Winner()
	if resolved {
		card.Winner = winner.Name
	}
	for _, o := range m.Outcomes {
		card.Outcomes = append(card.Outcomes, OutcomeView{
			ID:      o.ID,
			Name:    o.Name,
			Price:   FormatPrice(o.Price),
			Winning: resolved && o.ID == winner.ID,
		})
	}
	return card
}

// Dashboard computes net worth as balance plus shares times current price
// across all positions.
func Dashboard(user market.User, p market.Portfolio) DashboardView {
	total := decimal.Zero
	positions := make([]PositionView, 0, len(p.Positions))
	for _, pos := range p.Positions {
		worth := pos.Worth()
		total = total.Add(worth)
		positions = append(positions, PositionView{
			MarketSlug:  pos.MarketSlug,
			MarketTitle: pos.MarketTitle,
			OutcomeName: pos.OutcomeName,
			Shares:      FormatShares(pos.Shares),
			Price:       FormatPrice(pos.Price),
			Value:       FormatUSD(worth),
		})
	}
	created := make([]MarketCard, 0, len(p.CreatedMarkets))
	for _, m := range p.CreatedMarkets {
		created = append(created, Card(&user, m))
	}
	username := user.Username
	if username == "" {
		username = p.Username
	}
	return DashboardView{
		Username:       username,
		Balance:        FormatUSD(user.Balance),
		NetWorth:       FormatUSD(user.Balance.Add(total)),
		PositionsValue: FormatUSD(total),
		Positions:      positions,
		CreatedMarkets: created,
	}
}

type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeStatus  ChangeKind = "status"
	ChangePrice   ChangeKind = "price"
)

type Change struct {
	Kind   ChangeKind
	Slug   string
	Title  string
	Detail string
}

// Diff lists what changed between two feed snapshots, in the order of next
// followed by removals.
func Diff(prev, next []market.Market) []Change {
	before := make(map[string]market.Market, len(prev))
	for _, m := range prev {
		before[m.Slug] = m
	}
	var out []Change
	seen := make(map[string]struct{}, len(next))
	for _, m := range next {
		seen[m.Slug] = struct{}{}
		old, ok := before[m.Slug]
		if !ok {
			out = append(out, Change{Kind: ChangeAdded, Slug: m.Slug, Title: m.Title, Detail: string(m.Status)})
			continue
		}
		if old.Status != m.Status {
			out = append(out, Change{Kind: ChangeStatus, Slug: m.Slug, Title: m.Title, Detail: fmt.Sprintf("%s -> %s", old.Status, m.Status)})
		}
		for _, o := range m.Outcomes {
			prevOutcome, ok := old.Outcome(o.ID)
			if !ok || FormatPrice(prevOutcome.Price) == FormatPrice(o.Price) {
				continue
			}
			out = append(out, Change{
				Kind:   ChangePrice,
				Slug:   m.Slug,
				Title:  m.Title,
				Detail: fmt.Sprintf("%s %s -> %s", o.Name, FormatPrice(prevOutcome.Price), FormatPrice(o.Price)),
			})
		}
	}
	for _, m := range prev {
		if _, ok := seen[m.Slug]; !ok {
			out = append(out, Change{Kind: ChangeRemoved, Slug: m.Slug, Title: m.Title})
		}
	}
	return out
}
