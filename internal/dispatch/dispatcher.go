// Package dispatch runs every user action against the settlement service:
// acquire a pending token, issue the request, reconcile the caches the
// action affects, release. Failures leave as *apperr.Error only.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/journal"
	"pottsmarket/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Settlement interface {
	CreateMarket(ctx context.Context, form market.MarketForm, idem string) (market.Market, error)
	UpdateMarket(ctx context.Context, slug string, form market.MarketForm, idem string) (market.Market, error)
	DeleteMarket(ctx context.Context, slug, idem string) error
	Trade(ctx context.Context, slug string, outcomeID int64, amount decimal.Decimal, idem string) (market.TradeReceipt, error)
	Resolve(ctx context.Context, slug string, outcomeID int64, idem string) error
	Redeem(ctx context.Context, slug, idem string) (market.Payout, error)
	Ledger(ctx context.Context, slug string) (market.Ledger, error)
	Comments(ctx context.Context, slug string) ([]market.Comment, error)
	PostComment(ctx context.Context, slug, text, idem string) (market.Comment, error)
	Portfolio(ctx context.Context) (market.Portfolio, error)
}

type Catalog interface {
	LoadAll(ctx context.Context) ([]market.Market, error)
	Refresh(ctx context.Context) ([]market.Market, error)
	Get(slug string) (market.Market, bool)
	PatchOne(slug string, m market.Market) bool
	RemoveOne(slug string) bool
	PrependCreated(m market.Market)
}

type Session interface {
	Current() (market.User, bool)
	Refresh(ctx context.Context) (market.User, bool, error)
	Clear()
}

type Journal interface {
	Append(e journal.Entry) error
}

type Notifier interface {
	Notify(ctx context.Context, e journal.Entry) error
}

type Option func(*Dispatcher)

func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

type Dispatcher struct {
	api      Settlement
	catalog  Catalog
	session  Session
	log      *slog.Logger
	journal  Journal
	notifier Notifier

	pending pendingSet

	mu      sync.Mutex
	settled map[string]struct{}
}

func New(api Settlement, cat Catalog, sess Session, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		api:     api,
		catalog: cat,
		session: sess,
		log:     logger,
		settled: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InFlight reports whether an action on target is awaiting the service.
func (d *Dispatcher) InFlight(a Action, target string) bool {
	return d.pending.busy(a, target)
}

func (d *Dispatcher) Trade(ctx context.Context, slug string, outcomeID int64, amount string) (market.TradeReceipt, error) {
	const op = ActionTrade
	release, err := d.begin(op, slug)
	if err != nil {
		return market.TradeReceipt{}, err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return market.TradeReceipt{}, err
	}
	m, err := d.target(op, slug)
	if err != nil {
		return market.TradeReceipt{}, err
	}
	if m.Status != market.StatusOpen {
		return market.TradeReceipt{}, apperr.Conflict(string(op), fmt.Sprintf("market %s is %s", slug, m.Status))
	}
	outcome, ok := m.Outcome(outcomeID)
	if !ok {
		return market.TradeReceipt{}, apperr.InvalidField(string(op), "outcome_id", fmt.Errorf("unknown outcome %d", outcomeID))
	}
	amt, err := market.ParseAmount(amount)
	if err != nil {
		return market.TradeReceipt{}, apperr.InvalidField(string(op), "amount", err)
	}

	idem := uuid.NewString()
	receipt, err := d.api.Trade(ctx, slug, outcomeID, amt, idem)
	if err != nil {
		return market.TradeReceipt{}, d.fail(ctx, op, slug, err)
	}
	d.reconcile(ctx, op, slug, nil)
	d.record(ctx, op, slug, idem, fmt.Sprintf("bought %s %s shares of %s for $%s at avg %s",
		receipt.SharesBought.StringFixed(2), outcome.Name, slug, amt.StringFixed(2), receipt.AvgPrice.StringFixed(2)))
	return receipt, nil
}

func (d *Dispatcher) Resolve(ctx context.Context, slug string, outcomeID int64) error {
	const op = ActionResolve
	release, err := d.begin(op, slug)
	if err != nil {
		return err
	}
	defer release()

	user, err := d.requireUser(op)
	if err != nil {
		return err
	}
	m, err := d.target(op, slug)
	if err != nil {
		return err
	}
	if d.wasSettled(slug) || (m.Status != market.StatusOpen && m.Status != market.StatusClosed) {
		return apperr.Conflict(string(op), fmt.Sprintf("market %s is already %s", slug, m.Status))
	}
	if m.Creator != user.Username && !user.IsStaff {
		return &apperr.Error{Kind: apperr.KindRejected, Op: string(op), Message: "only the creator or staff can resolve", Reason: "forbidden"}
	}
	outcome, ok := m.Outcome(outcomeID)
	if !ok {
		return apperr.InvalidField(string(op), "outcome_id", fmt.Errorf("unknown outcome %d", outcomeID))
	}

	idem := uuid.NewString()
	if err := d.api.Resolve(ctx, slug, outcomeID, idem); err != nil {
		return d.fail(ctx, op, slug, err)
	}
	d.mu.Lock()
	d.settled[slug] = struct{}{}
	d.mu.Unlock()
	d.reconcile(ctx, op, slug, nil)
	d.record(ctx, op, slug, idem, fmt.Sprintf("resolved %s as %s", slug, outcome.Name))
	return nil
}

func (d *Dispatcher) Redeem(ctx context.Context, slug string) (market.Payout, error) {
	const op = ActionRedeem
	release, err := d.begin(op, slug)
	if err != nil {
		return market.Payout{}, err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return market.Payout{}, err
	}
	m, err := d.target(op, slug)
	if err != nil {
		return market.Payout{}, err
	}
	if m.Status != market.StatusResolved {
		return market.Payout{}, apperr.Conflict(string(op), fmt.Sprintf("market %s is not resolved", slug))
	}

	idem := uuid.NewString()
	payout, err := d.api.Redeem(ctx, slug, idem)
	if err != nil {
		return market.Payout{}, d.fail(ctx, op, slug, err)
	}
	d.reconcile(ctx, op, slug, nil)
	d.record(ctx, op, slug, idem, fmt.Sprintf("redeemed %s for $%s", slug, payout.Amount.StringFixed(2)))
	return payout, nil
}

// DeleteMarket executes an already confirmed delete.
func (d *Dispatcher) DeleteMarket(ctx context.Context, slug string) error {
	const op = ActionDelete
	release, err := d.begin(op, slug)
	if err != nil {
		return err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return err
	}
	if _, err := d.target(op, slug); err != nil {
		return err
	}

	idem := uuid.NewString()
	if err := d.api.DeleteMarket(ctx, slug, idem); err != nil {
		return d.fail(ctx, op, slug, err)
	}
	d.reconcile(ctx, op, slug, nil)
	d.record(ctx, op, slug, idem, fmt.Sprintf("deleted %s", slug))
	return nil
}

// Publish moves a draft to open with a full update of the cached fields.
func (d *Dispatcher) Publish(ctx context.Context, slug string) (market.Market, error) {
	const op = ActionPublish
	release, err := d.begin(op, slug)
	if err != nil {
		return market.Market{}, err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return market.Market{}, err
	}
	m, err := d.target(op, slug)
	if err != nil {
		return market.Market{}, err
	}
	if m.Status != market.StatusDraft {
		return market.Market{}, apperr.Conflict(string(op), fmt.Sprintf("market %s is %s, not draft", slug, m.Status))
	}
	form := m.Form()
	form.Status = market.StatusOpen

	idem := uuid.NewString()
	updated, err := d.api.UpdateMarket(ctx, slug, form, idem)
	if err != nil {
		return market.Market{}, d.fail(ctx, op, slug, err)
	}
	d.reconcile(ctx, op, slug, &updated)
	d.record(ctx, op, slug, idem, fmt.Sprintf("published %s", slug))
	return updated, nil
}

// CreateOrUpdate creates when existingSlug is empty and otherwise replaces
// the market, keeping its slug.
func (d *Dispatcher) CreateOrUpdate(ctx context.Context, form market.MarketForm, existingSlug string) (market.Market, error) {
	if existingSlug == "" {
		return d.create(ctx, form)
	}
	return d.update(ctx, form, existingSlug)
}

func (d *Dispatcher) create(ctx context.Context, form market.MarketForm) (market.Market, error) {
	const op = ActionCreate
	form = form.Normalize()
	release, err := d.begin(op, form.Slug)
	if err != nil {
		return market.Market{}, err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return market.Market{}, err
	}
	if err := form.ValidateCreate(); err != nil {
		return market.Market{}, apperr.Invalid(string(op), err)
	}

	idem := uuid.NewString()
	created, err := d.api.CreateMarket(ctx, form, idem)
	if err != nil {
		return market.Market{}, d.fail(ctx, op, form.Slug, err)
	}
	if created.Slug == "" {
		created.Slug = form.Slug
	}
	d.reconcile(ctx, op, created.Slug, &created)
	d.record(ctx, op, created.Slug, idem, fmt.Sprintf("created %s (%s)", created.Slug, created.Status))
	return created, nil
}

func (d *Dispatcher) update(ctx context.Context, form market.MarketForm, slug string) (market.Market, error) {
	const op = ActionUpdate
	release, err := d.begin(op, slug)
	if err != nil {
		return market.Market{}, err
	}
	defer release()

	if _, err := d.requireUser(op); err != nil {
		return market.Market{}, err
	}
	current, err := d.target(op, slug)
	if err != nil {
		return market.Market{}, err
	}
	form = form.Normalize()
	if form.Slug == "" {
		form.Slug = slug
	}
	if err := form.ValidateUpdate(current); err != nil {
		return market.Market{}, apperr.Invalid(string(op), err)
	}

	idem := uuid.NewString()
	updated, err := d.api.UpdateMarket(ctx, slug, form, idem)
	if err != nil {
		return market.Market{}, d.fail(ctx, op, slug, err)
	}
	updated.Slug = slug
	d.reconcile(ctx, op, slug, &updated)
	d.record(ctx, op, slug, idem, fmt.Sprintf("updated %s", slug))
	return updated, nil
}

// PostComment returns the server's comment; the caller prepends it to its
// own list.
func (d *Dispatcher) PostComment(ctx context.Context, slug, text string) (market.Comment, error) {
	const op = ActionComment
	release, err := d.begin(op, slug)
	if err != nil {
		return market.Comment{}, err
	}
	defer release()

	clean, err := market.ValidateComment(text)
	if err != nil {
		return market.Comment{}, apperr.InvalidField(string(op), "text", err)
	}
	if _, err := d.requireUser(op); err != nil {
		return market.Comment{}, err
	}
	if _, err := d.target(op, slug); err != nil {
		return market.Comment{}, err
	}

	idem := uuid.NewString()
	c, err := d.api.PostComment(ctx, slug, clean, idem)
	if err != nil {
		return market.Comment{}, d.fail(ctx, op, slug, err)
	}
	d.reconcile(ctx, op, slug, nil)
	return c, nil
}

func (d *Dispatcher) FetchLedger(ctx context.Context, slug string) (market.Ledger, error) {
	const op = "ledger"
	if _, err := d.target(op, slug); err != nil {
		return market.Ledger{}, err
	}
	l, err := d.api.Ledger(ctx, slug)
	if err != nil {
		return market.Ledger{}, d.fail(ctx, op, slug, err)
	}
	return l, nil
}

func (d *Dispatcher) FetchComments(ctx context.Context, slug string) ([]market.Comment, error) {
	const op = "comments"
	if _, err := d.target(op, slug); err != nil {
		return nil, err
	}
	cs, err := d.api.Comments(ctx, slug)
	if err != nil {
		return nil, d.fail(ctx, op, slug, err)
	}
	return cs, nil
}

func (d *Dispatcher) FetchPortfolio(ctx context.Context) (market.Portfolio, error) {
	const op = "portfolio"
	if _, err := d.requireUser(op); err != nil {
		return market.Portfolio{}, err
	}
	p, err := d.api.Portfolio(ctx)
	if err != nil {
		return market.Portfolio{}, d.fail(ctx, op, "", err)
	}
	return p, nil
}

func (d *Dispatcher) begin(op Action, target string) (func(), error) {
	token, release, ok := d.pending.acquire(op, target)
	if !ok {
		d.log.Debug("action already in flight", "action", op, "target", target)
		return nil, apperr.InFlight(string(op), target)
	}
	d.log.Debug("action started", "action", op, "target", target, "token", token)
	return release, nil
}

func (d *Dispatcher) requireUser(op Action) (market.User, error) {
	user, ok := d.session.Current()
	if !ok {
		return market.User{}, apperr.AuthRequired(string(op))
	}
	return user, nil
}

func (d *Dispatcher) target(op Action, slug string) (market.Market, error) {
	m, ok := d.catalog.Get(slug)
	if !ok {
		return market.Market{}, apperr.Conflict(string(op), fmt.Sprintf("market %s no longer exists", slug))
	}
	return m, nil
}

func (d *Dispatcher) wasSettled(slug string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.settled[slug]
	return ok
}

func (d *Dispatcher) fail(ctx context.Context, op Action, slug string, err error) error {
	classified := apperr.Classify(string(op), err)
	kind := apperr.KindOf(classified)
	d.log.Warn("action failed", "action", op, "slug", slug, "kind", kind.String(), "err", classified)
	switch kind {
	case apperr.KindAuthRequired:
		d.session.Clear()
	case apperr.KindConflict:
		if _, err := d.catalog.Refresh(ctx); err != nil {
			d.log.Warn("catalog refetch after conflict failed", "slug", slug, "err", err)
		}
	}
	return classified
}

// reconcile applies the action's effects. Failures here are logged only; the
// action itself was already confirmed.
func (d *Dispatcher) reconcile(ctx context.Context, op Action, slug string, confirmed *market.Market) {
	if op == ActionDelete || op == ActionCreate {
		// The slug may be reused by a new market.
		d.mu.Lock()
		delete(d.settled, slug)
		d.mu.Unlock()
	}
	for _, e := range effects[op] {
		var err error
		switch e {
		case RefetchCatalog:
			_, err = d.catalog.Refresh(ctx)
		case RefreshSession:
			_, _, err = d.session.Refresh(ctx)
		case PatchCatalog:
			if confirmed != nil {
				d.catalog.PatchOne(slug, *confirmed)
			}
		case PrependCatalog:
			if confirmed != nil {
				d.catalog.PrependCreated(*confirmed)
			}
		case RemoveFromCatalog:
			d.catalog.RemoveOne(slug)
		}
		if err != nil {
			d.log.Warn("reconcile failed", "action", op, "effect", e.String(), "slug", slug, "err", err)
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, op Action, slug, idem, summary string) {
	d.log.Info("action confirmed", "action", op, "slug", slug, "summary", summary)
	entry := journal.Entry{
		ID:             uuid.NewString(),
		Action:         string(op),
		Slug:           slug,
		Summary:        summary,
		IdempotencyKey: idem,
		At:             time.Now().UTC(),
	}
	if d.journal != nil {
		if err := d.journal.Append(entry); err != nil {
			d.log.Warn("journal append failed", "action", op, "err", err)
		}
	}
	if d.notifier != nil {
		if err := d.notifier.Notify(ctx, entry); err != nil {
			d.log.Warn("notify failed", "action", op, "err", err)
		}
	}
}
