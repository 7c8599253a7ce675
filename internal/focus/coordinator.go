// Package focus tracks the single active overlay. Targets are captured as
// value snapshots when an overlay opens; a stale target surfaces as a
// Conflict from the dispatcher and closes the overlay with a notice.
package focus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/market"
)

type Overlay int

const (
	Closed Overlay = iota
	Trading
	ViewingLedger
	ViewingComments
	ConfirmingResolve
	ConfirmingPublish
	ConfirmingDelete
	Authenticating
	Editing
)

func (o Overlay) String() string {
	switch o {
	case Trading:
		return "trading"
	case ViewingLedger:
		return "ledger"
	case ViewingComments:
		return "comments"
	case ConfirmingResolve:
		return "confirm_resolve"
	case ConfirmingPublish:
		return "confirm_publish"
	case ConfirmingDelete:
		return "confirm_delete"
	case Authenticating:
		return "auth"
	case Editing:
		return "edit"
	}
	return "closed"
}

type AuthMode string

const (
	AuthLogin  AuthMode = "login"
	AuthSignup AuthMode = "signup"
)

var ErrNoOverlay = errors.New("no matching overlay is open")

type State struct {
	Overlay Overlay
	Epoch   uint64
	// Market is the snapshot taken when the overlay opened. Empty for
	// Authenticating and for Editing a new market.
	Market   market.Market
	Slug     string
	Outcome  market.Outcome
	AuthMode AuthMode

	Loading      bool
	Ledger       []market.LedgerEntry
	TotalBettors int
	Comments     []market.Comment
	FieldErrors  map[string]string
	Err          string

	// Notice outlives the overlay; it is cleared by DismissNotice.
	Notice string
}

func (s State) clone() State {
	out := s
	out.Market = s.Market.Clone()
	out.Ledger = append([]market.LedgerEntry(nil), s.Ledger...)
	out.Comments = append([]market.Comment(nil), s.Comments...)
	if s.FieldErrors != nil {
		out.FieldErrors = make(map[string]string, len(s.FieldErrors))
		for k, v := range s.FieldErrors {
			out.FieldErrors[k] = v
		}
	}
	return out
}

type Actions interface {
	Trade(ctx context.Context, slug string, outcomeID int64, amount string) (market.TradeReceipt, error)
	Resolve(ctx context.Context, slug string, outcomeID int64) error
	Publish(ctx context.Context, slug string) (market.Market, error)
	DeleteMarket(ctx context.Context, slug string) error
	CreateOrUpdate(ctx context.Context, form market.MarketForm, existingSlug string) (market.Market, error)
	PostComment(ctx context.Context, slug, text string) (market.Comment, error)
	FetchLedger(ctx context.Context, slug string) (market.Ledger, error)
	FetchComments(ctx context.Context, slug string) ([]market.Comment, error)
}

type Auth interface {
	Login(ctx context.Context, username, password string) (market.User, error)
	Signup(ctx context.Context, username, email, password string) (market.User, error)
}

type Markets interface {
	Get(slug string) (market.Market, bool)
}

type Coordinator struct {
	actions Actions
	auth    Auth
	markets Markets

	mu    sync.Mutex
	state State
	epoch uint64
}

func New(actions Actions, auth Auth, markets Markets) *Coordinator {
	return &Coordinator{actions: actions, auth: auth, markets: markets}
}

func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Coordinator) DismissNotice() {
	c.mu.Lock()
	c.state.Notice = ""
	c.mu.Unlock()
}

// HandleError applies the overlay policy to a failure from an action that has
// no overlay of its own, such as redeem from the feed.
func (c *Coordinator) HandleError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch apperr.KindOf(err) {
	case apperr.KindInFlight:
	case apperr.KindAuthRequired:
		c.openLocked(State{Overlay: Authenticating, AuthMode: AuthLogin})
		c.state.Notice = "Please sign in to continue."
	default:
		c.state.Notice = message(err)
	}
}

func (c *Coordinator) OpenTrade(slug string) error {
	return c.openMarket(Trading, slug, nil)
}

func (c *Coordinator) OpenLedger(slug string) (uint64, error) {
	if err := c.openMarket(ViewingLedger, slug, func(s *State) { s.Loading = true }); err != nil {
		return 0, err
	}
	return c.currentEpoch(), nil
}

func (c *Coordinator) OpenComments(slug string) (uint64, error) {
	if err := c.openMarket(ViewingComments, slug, func(s *State) { s.Loading = true }); err != nil {
		return 0, err
	}
	return c.currentEpoch(), nil
}

func (c *Coordinator) AskResolve(slug string, outcomeID int64) error {
	m, ok := c.markets.Get(slug)
	if !ok {
		return c.staleOpen(slug)
	}
	outcome, ok := m.Outcome(outcomeID)
	if !ok {
		return apperr.InvalidField("resolve", "outcome_id", fmt.Errorf("unknown outcome %d", outcomeID))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLocked(State{Overlay: ConfirmingResolve, Market: m, Slug: slug, Outcome: outcome})
	return nil
}

func (c *Coordinator) AskPublish(slug string) error {
	return c.openMarket(ConfirmingPublish, slug, nil)
}

func (c *Coordinator) AskDelete(slug string) error {
	return c.openMarket(ConfirmingDelete, slug, nil)
}

func (c *Coordinator) OpenAuth(mode AuthMode) {
	if mode != AuthSignup {
		mode = AuthLogin
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLocked(State{Overlay: Authenticating, AuthMode: mode})
}

// OpenEdit opens the market form. An empty slug means a new market.
func (c *Coordinator) OpenEdit(slug string) error {
	if slug == "" {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.openLocked(State{Overlay: Editing, Market: market.Market{Status: market.StatusDraft}})
		return nil
	}
	return c.openMarket(Editing, slug, nil)
}

// LoadLedger fills an open ledger overlay. The result is dropped if the
// overlay that requested it is no longer the active one.
func (c *Coordinator) LoadLedger(ctx context.Context, epoch uint64) error {
	slug, ok := c.slugFor(ViewingLedger, epoch)
	if !ok {
		return ErrNoOverlay
	}
	ledger, err := c.actions.FetchLedger(ctx, slug)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Epoch != epoch || c.state.Overlay != ViewingLedger {
		return err
	}
	c.state.Loading = false
	if err != nil {
		c.applyFailureLocked(err)
		return err
	}
	c.state.Ledger = ledger.Entries
	c.state.TotalBettors = ledger.TotalBettors
	return nil
}

func (c *Coordinator) LoadComments(ctx context.Context, epoch uint64) error {
	slug, ok := c.slugFor(ViewingComments, epoch)
	if !ok {
		return ErrNoOverlay
	}
	comments, err := c.actions.FetchComments(ctx, slug)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Epoch != epoch || c.state.Overlay != ViewingComments {
		return err
	}
	c.state.Loading = false
	if err != nil {
		c.applyFailureLocked(err)
		return err
	}
	c.state.Comments = comments
	return nil
}

func (c *Coordinator) SubmitTrade(ctx context.Context, outcomeID int64, amount string) (market.TradeReceipt, error) {
	snap, err := c.active(Trading)
	if err != nil {
		return market.TradeReceipt{}, err
	}
	if err := c.checkTarget("trade", snap, true); err != nil {
		return market.TradeReceipt{}, err
	}
	receipt, err := c.actions.Trade(ctx, snap.Slug, outcomeID, amount)
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		s.Notice = fmt.Sprintf("Bought %s shares at avg %s.", receipt.SharesBought.StringFixed(2), receipt.AvgPrice.StringFixed(2))
	})
	return receipt, err
}

func (c *Coordinator) ConfirmResolve(ctx context.Context) error {
	snap, err := c.active(ConfirmingResolve)
	if err != nil {
		return err
	}
	if err := c.checkTarget("resolve", snap, true); err != nil {
		return err
	}
	err = c.actions.Resolve(ctx, snap.Slug, snap.Outcome.ID)
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		s.Notice = fmt.Sprintf("Resolved %s as %s.", snap.Market.Title, snap.Outcome.Name)
	})
	return err
}

func (c *Coordinator) ConfirmPublish(ctx context.Context) (market.Market, error) {
	snap, err := c.active(ConfirmingPublish)
	if err != nil {
		return market.Market{}, err
	}
	if err := c.checkTarget("publish", snap, true); err != nil {
		return market.Market{}, err
	}
	m, err := c.actions.Publish(ctx, snap.Slug)
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		s.Notice = fmt.Sprintf("Published %s.", snap.Market.Title)
	})
	return m, err
}

func (c *Coordinator) ConfirmDelete(ctx context.Context) error {
	snap, err := c.active(ConfirmingDelete)
	if err != nil {
		return err
	}
	if err := c.checkTarget("delete", snap, false); err != nil {
		return err
	}
	err = c.actions.DeleteMarket(ctx, snap.Slug)
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		s.Notice = fmt.Sprintf("Deleted %s.", snap.Slug)
	})
	return err
}

func (c *Coordinator) SubmitAuth(ctx context.Context, username, email, password string) (market.User, error) {
	snap, err := c.active(Authenticating)
	if err != nil {
		return market.User{}, err
	}
	var user market.User
	if snap.AuthMode == AuthSignup {
		user, err = c.auth.Signup(ctx, username, email, password)
	} else {
		user, err = c.auth.Login(ctx, username, password)
	}
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		s.Notice = fmt.Sprintf("Signed in as %s.", user.Username)
	})
	return user, err
}

func (c *Coordinator) SubmitEdit(ctx context.Context, form market.MarketForm) (market.Market, error) {
	snap, err := c.active(Editing)
	if err != nil {
		return market.Market{}, err
	}
	if snap.Slug != "" {
		if err := c.checkTarget("update", snap, true); err != nil {
			return market.Market{}, err
		}
	}
	m, err := c.actions.CreateOrUpdate(ctx, form, snap.Slug)
	c.settle(snap.Epoch, err, func(s *State) {
		c.closeLocked()
		if snap.Slug == "" {
			s.Notice = fmt.Sprintf("Created %s.", m.Slug)
		} else {
			s.Notice = fmt.Sprintf("Saved %s.", m.Slug)
		}
	})
	return m, err
}

// PostComment keeps the comments overlay open and prepends the server's copy.
func (c *Coordinator) PostComment(ctx context.Context, text string) (market.Comment, error) {
	snap, err := c.active(ViewingComments)
	if err != nil {
		return market.Comment{}, err
	}
	if err := c.checkTarget("comment", snap, false); err != nil {
		return market.Comment{}, err
	}
	comment, err := c.actions.PostComment(ctx, snap.Slug, text)
	c.settle(snap.Epoch, err, func(s *State) {
		s.Comments = append([]market.Comment{comment}, s.Comments...)
		s.Err = ""
		s.FieldErrors = nil
	})
	return comment, err
}

func (c *Coordinator) openMarket(o Overlay, slug string, init func(*State)) error {
	m, ok := c.markets.Get(slug)
	if !ok {
		return c.staleOpen(slug)
	}
	next := State{Overlay: o, Market: m, Slug: slug}
	if init != nil {
		init(&next)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openLocked(next)
	return nil
}

// checkTarget fails with Conflict, closing the overlay, when the market the
// overlay captured is gone from the catalog or, if withStatus is set, has
// changed status since it opened.
func (c *Coordinator) checkTarget(op string, snap State, withStatus bool) error {
	var err error
	cur, ok := c.markets.Get(snap.Slug)
	switch {
	case !ok:
		err = apperr.Conflict(op, fmt.Sprintf("market %s no longer exists", snap.Slug))
	case withStatus && cur.Status != snap.Market.Status:
		err = apperr.Conflict(op, fmt.Sprintf("market %s is now %s", snap.Slug, cur.Status))
	}
	if err != nil {
		c.settle(snap.Epoch, err, nil)
	}
	return err
}

func (c *Coordinator) staleOpen(slug string) error {
	err := apperr.Conflict("open", fmt.Sprintf("market %s no longer exists", slug))
	c.mu.Lock()
	c.closeLocked()
	c.state.Notice = err.Message
	c.mu.Unlock()
	return err
}

func (c *Coordinator) openLocked(next State) {
	c.epoch++
	next.Epoch = c.epoch
	next.Notice = c.state.Notice
	c.state = next
}

func (c *Coordinator) closeLocked() {
	notice := c.state.Notice
	c.epoch++
	c.state = State{Overlay: Closed, Epoch: c.epoch, Notice: notice}
}

func (c *Coordinator) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Epoch
}

func (c *Coordinator) slugFor(o Overlay, epoch uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Overlay != o || c.state.Epoch != epoch {
		return "", false
	}
	return c.state.Slug, true
}

func (c *Coordinator) active(o Overlay) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Overlay != o {
		return State{}, ErrNoOverlay
	}
	c.state.Err = ""
	c.state.FieldErrors = nil
	return c.state.clone(), nil
}

// settle applies a dispatch outcome to the overlay that issued it. Outcomes
// for an overlay that has since been replaced are dropped.
func (c *Coordinator) settle(epoch uint64, err error, onSuccess func(*State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Epoch != epoch {
		return
	}
	if err == nil {
		onSuccess(&c.state)
		return
	}
	c.applyFailureLocked(err)
}

func (c *Coordinator) applyFailureLocked(err error) {
	var e *apperr.Error
	if !errors.As(err, &e) {
		c.state.Err = err.Error()
		return
	}
	switch e.Kind {
	case apperr.KindInFlight:
	case apperr.KindConflict:
		c.closeLocked()
		c.state.Notice = message(e)
	case apperr.KindAuthRequired:
		c.openLocked(State{Overlay: Authenticating, AuthMode: AuthLogin})
		c.state.Notice = "Please sign in to continue."
	case apperr.KindValidation:
		if e.Field != "" {
			c.state.FieldErrors = map[string]string{e.Field: e.Message}
		}
		for k, v := range e.Fields {
			if c.state.FieldErrors == nil {
				c.state.FieldErrors = map[string]string{}
			}
			c.state.FieldErrors[k] = v
		}
		c.state.Err = e.Message
	default:
		c.state.Err = message(e)
	}
}

func message(err error) string {
	var e *apperr.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}
