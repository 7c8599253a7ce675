package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/catalog"
	"pottsmarket/internal/journal"
	"pottsmarket/internal/market"
	"pottsmarket/internal/settlement"

	"github.com/kr/pretty"
	"github.com/shopspring/decimal"
)

// fakeService is a scripted settlement service. Each call increments calls;
// tradeGate, when set, holds Trade until closed. listGate holds the next
// ListMarkets after it has copied the markets.
type fakeService struct {
	mu       sync.Mutex
	markets  []market.Market
	calls    atomic.Int32
	lists    atomic.Int32
	tradeErr error
	redeem   market.Payout
	updates  []market.MarketForm

	tradeGate    chan struct{}
	tradeStarted chan struct{}
	listGate     chan struct{}
	listStarted  chan struct{}
}

func (f *fakeService) ListMarkets(context.Context) ([]market.Market, error) {
	f.lists.Add(1)
	f.mu.Lock()
	gate, started := f.listGate, f.listStarted
	f.listGate, f.listStarted = nil, nil
	out := make([]market.Market, len(f.markets))
	for i, m := range f.markets {
		out[i] = m.Clone()
	}
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	return out, nil
}

func (f *fakeService) set(m market.Market) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.markets {
		if f.markets[i].Slug == m.Slug {
			f.markets[i] = m
			return
		}
	}
	f.markets = append([]market.Market{m}, f.markets...)
}

func (f *fakeService) CreateMarket(_ context.Context, form market.MarketForm, _ string) (market.Market, error) {
	f.calls.Add(1)
	m := market.Market{Slug: form.Slug, Title: form.Title, Description: form.Description, Status: form.Status, Creator: "alice"}
	f.set(m)
	return m, nil
}

func (f *fakeService) UpdateMarket(_ context.Context, slug string, form market.MarketForm, _ string) (market.Market, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.updates = append(f.updates, form)
	f.mu.Unlock()
	m := market.Market{Slug: slug, Title: form.Title, Description: form.Description, Status: form.Status, Creator: "alice"}
	f.set(m)
	return m, nil
}

func (f *fakeService) DeleteMarket(_ context.Context, slug, _ string) error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.markets {
		if f.markets[i].Slug == slug {
			f.markets = append(f.markets[:i], f.markets[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeService) Trade(ctx context.Context, _ string, _ int64, amount decimal.Decimal, _ string) (market.TradeReceipt, error) {
	f.calls.Add(1)
	if f.tradeStarted != nil {
		close(f.tradeStarted)
	}
	if f.tradeGate != nil {
		<-f.tradeGate
	}
	if f.tradeErr != nil {
		return market.TradeReceipt{}, f.tradeErr
	}
	return market.TradeReceipt{SharesBought: amount.Mul(decimal.NewFromInt(2)), NewPrice: decimal.RequireFromString("0.55"), AvgPrice: decimal.RequireFromString("0.5")}, nil
}

func (f *fakeService) Resolve(context.Context, string, int64, string) error {
	f.calls.Add(1)
	return nil
}

func (f *fakeService) Redeem(context.Context, string, string) (market.Payout, error) {
	f.calls.Add(1)
	return f.redeem, nil
}

func (f *fakeService) Ledger(context.Context, string) (market.Ledger, error) {
	f.calls.Add(1)
	return market.Ledger{TotalBettors: 1}, nil
}

func (f *fakeService) Comments(context.Context, string) ([]market.Comment, error) {
	f.calls.Add(1)
	return nil, nil
}

func (f *fakeService) PostComment(_ context.Context, _ string, text, _ string) (market.Comment, error) {
	f.calls.Add(1)
	return market.Comment{ID: 1, Username: "alice", Text: text}, nil
}

func (f *fakeService) Portfolio(context.Context) (market.Portfolio, error) {
	f.calls.Add(1)
	return market.Portfolio{Username: "alice"}, nil
}

type fakeSession struct {
	mu        sync.Mutex
	user      market.User
	signedIn  bool
	refreshes int
}

func (s *fakeSession) Current() (market.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.signedIn
}

func (s *fakeSession) Refresh(context.Context) (market.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes++
	return s.user, s.signedIn, nil
}

func (s *fakeSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = market.User{}
	s.signedIn = false
}

type memJournal struct {
	entries []journal.Entry
}

func (j *memJournal) Append(e journal.Entry) error {
	j.entries = append(j.entries, e)
	return nil
}

func binary(slug string, status market.Status) market.Market {
	return market.Market{
		Slug:    slug,
		Title:   slug,
		Status:  status,
		Creator: "alice",
		Outcomes: []market.Outcome{
			{ID: 1, Name: "YES", Price: decimal.RequireFromString("0.5")},
			{ID: 2, Name: "NO", Price: decimal.RequireFromString("0.5")},
		},
	}
}

type harness struct {
	api     *fakeService
	cat     *catalog.Cache
	sess    *fakeSession
	journal *memJournal
	d       *Dispatcher
}

func newHarness(t *testing.T, markets ...market.Market) *harness {
	t.Helper()
	api := &fakeService{markets: markets}
	cat := catalog.New(api, nil)
	if _, err := cat.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess := &fakeSession{user: market.User{ID: 1, Username: "alice", Balance: decimal.NewFromInt(1000)}, signedIn: true}
	j := &memJournal{}
	return &harness{api: api, cat: cat, sess: sess, journal: j, d: New(api, cat, sess, nil, WithJournal(j))}
}

func TestConcurrentTradeIsRejectedLocally(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	h.api.tradeGate = make(chan struct{})
	h.api.tradeStarted = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		_, err := h.d.Trade(context.Background(), "btc-100k", 1, "10")
		first <- err
	}()
	<-h.api.tradeStarted

	if !h.d.InFlight(ActionTrade, "btc-100k") {
		t.Fatalf("first trade should hold a pending token")
	}
	_, err := h.d.Trade(context.Background(), "btc-100k", 1, "10")
	if !apperr.Is(err, apperr.KindInFlight) {
		t.Fatalf("expected in-flight, got %v", err)
	}
	if n := h.api.calls.Load(); n != 1 {
		t.Fatalf("second trade reached the network: %d calls", n)
	}

	close(h.api.tradeGate)
	if err := <-first; err != nil {
		t.Fatalf("first trade: %v", err)
	}
	if h.d.pending.size() != 0 {
		t.Fatalf("token not released")
	}
}

func TestTradeSuccessReconciles(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	listsBefore := h.api.lists.Load()

	receipt, err := h.d.Trade(context.Background(), "btc-100k", 1, "$10")
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !receipt.SharesBought.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("receipt = %+v", receipt)
	}
	if h.api.lists.Load() != listsBefore+1 {
		t.Fatalf("trade should refetch the catalog")
	}
	if h.sess.refreshes != 1 {
		t.Fatalf("trade should refresh the session, got %d", h.sess.refreshes)
	}
	if len(h.journal.entries) != 1 || h.journal.entries[0].Action != "trade" {
		t.Fatalf("journal = %+v", h.journal.entries)
	}
}

func TestTradeInsufficientFundsChangesNothing(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	h.api.tradeErr = &settlement.APIError{Status: http.StatusBadRequest, Message: "Insufficient funds"}
	before := h.cat.Snapshot()
	version := h.cat.Version()
	user, _ := h.sess.Current()

	_, err := h.d.Trade(context.Background(), "btc-100k", 1, "10")
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindRejected || e.Reason != "insufficient funds" {
		t.Fatalf("expected rejected insufficient funds, got %#v", err)
	}
	if diff := pretty.Diff(before, h.cat.Snapshot()); len(diff) > 0 || h.cat.Version() != version {
		t.Fatalf("catalog changed: %v", diff)
	}
	after, _ := h.sess.Current()
	if !after.Balance.Equal(user.Balance) || h.sess.refreshes != 0 {
		t.Fatalf("session touched after rejected trade")
	}
	if h.d.pending.size() != 0 {
		t.Fatalf("token not released on failure")
	}
}

func TestTradeLocalChecks(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen), binary("old", market.StatusClosed))

	tests := []struct {
		name    string
		slug    string
		outcome int64
		amount  string
		kind    apperr.Kind
		field   string
	}{
		{name: "zero", slug: "btc-100k", outcome: 1, amount: "0", kind: apperr.KindValidation, field: "amount"},
		{name: "not numeric", slug: "btc-100k", outcome: 1, amount: "lots", kind: apperr.KindValidation, field: "amount"},
		{name: "below minimum", slug: "btc-100k", outcome: 1, amount: "0.05", kind: apperr.KindValidation, field: "amount"},
		{name: "bad outcome", slug: "btc-100k", outcome: 7, amount: "10", kind: apperr.KindValidation, field: "outcome_id"},
		{name: "closed", slug: "old", outcome: 1, amount: "10", kind: apperr.KindConflict},
		{name: "unknown", slug: "ghost", outcome: 1, amount: "10", kind: apperr.KindConflict},
	}
	for _, tc := range tests {
		_, err := h.d.Trade(context.Background(), tc.slug, tc.outcome, tc.amount)
		var e *apperr.Error
		if !errors.As(err, &e) || e.Kind != tc.kind || e.Field != tc.field {
			t.Fatalf("%s: got %v", tc.name, err)
		}
	}
	if n := h.api.calls.Load(); n != 0 {
		t.Fatalf("local checks reached the network: %d", n)
	}
	if h.d.pending.size() != 0 {
		t.Fatalf("tokens leaked")
	}
}

func TestMutationsRequireSession(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	h.sess.Clear()
	if _, err := h.d.Trade(context.Background(), "btc-100k", 1, "10"); !apperr.Is(err, apperr.KindAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
	if _, err := h.d.FetchPortfolio(context.Background()); !apperr.Is(err, apperr.KindAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
	if h.api.calls.Load() != 0 {
		t.Fatalf("unauthenticated calls reached the network")
	}
}

func TestServerAuthRequiredClearsSession(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	h.api.tradeErr = &settlement.APIError{Status: http.StatusUnauthorized, Message: "Authentication required"}
	if _, err := h.d.Trade(context.Background(), "btc-100k", 1, "10"); !apperr.Is(err, apperr.KindAuthRequired) {
		t.Fatalf("expected auth required, got %v", err)
	}
	if _, ok := h.sess.Current(); ok {
		t.Fatalf("session should be cleared after a 401")
	}
}

func TestRedeemRequiresResolved(t *testing.T) {
	for _, status := range []market.Status{market.StatusDraft, market.StatusOpen, market.StatusClosed} {
		h := newHarness(t, binary("btc-100k", status))
		if _, err := h.d.Redeem(context.Background(), "btc-100k"); !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("%s: expected conflict, got %v", status, err)
		}
		if h.api.calls.Load() != 0 {
			t.Fatalf("%s: redeem reached the network", status)
		}
	}
}

func TestRedeemZeroPayoutIsSuccess(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusResolved))
	h.api.redeem = market.Payout{Amount: decimal.Zero, Message: "No winning shares"}
	payout, err := h.d.Redeem(context.Background(), "btc-100k")
	if err != nil || !payout.Amount.IsZero() {
		t.Fatalf("redeem: %+v %v", payout, err)
	}
	if h.sess.refreshes != 1 {
		t.Fatalf("redeem should refresh the session")
	}
}

func TestResolveOnceOnly(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	if err := h.d.Resolve(context.Background(), "btc-100k", 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The fake service does not flip status, so the second attempt is caught
	// by the dispatcher's own record.
	if err := h.d.Resolve(context.Background(), "btc-100k", 2); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on second resolve, got %v", err)
	}
	if h.api.calls.Load() != 1 {
		t.Fatalf("second resolve reached the network")
	}
}

func TestRefetchAfterResolveIgnoresEarlierLoad(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	gate := make(chan struct{})
	started := make(chan struct{})
	h.api.mu.Lock()
	h.api.listGate, h.api.listStarted = gate, started
	h.api.mu.Unlock()

	early := make(chan error, 1)
	go func() {
		_, err := h.cat.LoadAll(context.Background())
		early <- err
	}()
	<-started

	// The fake does not flip status itself.
	h.api.set(binary("btc-100k", market.StatusResolved))
	if err := h.d.Resolve(context.Background(), "btc-100k", 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if m, _ := h.cat.Get("btc-100k"); m.Status != market.StatusResolved {
		t.Fatalf("refetch after resolve returned the earlier load: %s", m.Status)
	}

	close(gate)
	if err := <-early; err != nil {
		t.Fatal(err)
	}
	if m, _ := h.cat.Get("btc-100k"); m.Status != market.StatusResolved {
		t.Fatalf("earlier load rolled the catalog back to %s", m.Status)
	}
	if _, err := h.d.Redeem(context.Background(), "btc-100k"); err != nil {
		t.Fatalf("redeem after resolve: %v", err)
	}
}

func TestRecreatedSlugCanResolveAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	if err := h.d.Resolve(ctx, "btc-100k", 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := h.d.DeleteMarket(ctx, "btc-100k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.d.CreateOrUpdate(ctx, market.MarketForm{Title: "BTC again", Slug: "btc-100k", Status: market.StatusOpen}, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	h.api.set(binary("btc-100k", market.StatusOpen))
	if _, err := h.cat.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.d.Resolve(ctx, "btc-100k", 1); err != nil {
		t.Fatalf("resolving the new market: %v", err)
	}
}

func TestResolvePermissionHint(t *testing.T) {
	m := binary("btc-100k", market.StatusOpen)
	m.Creator = "bob"
	h := newHarness(t, m)
	err := h.d.Resolve(context.Background(), "btc-100k", 1)
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindRejected || e.Reason != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}

	h.sess.user.IsStaff = true
	if err := h.d.Resolve(context.Background(), "btc-100k", 1); err != nil {
		t.Fatalf("staff should resolve: %v", err)
	}
}

func TestPublishPatchesCatalog(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusDraft))
	updated, err := h.d.Publish(context.Background(), "btc-100k")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if updated.Status != market.StatusOpen {
		t.Fatalf("status = %s", updated.Status)
	}
	got, ok := h.cat.Get("btc-100k")
	if !ok || got.Status != market.StatusOpen {
		t.Fatalf("catalog entry = %+v", got)
	}
	if h.api.updates[0].Title != "btc-100k" || h.api.updates[0].Slug != "btc-100k" {
		t.Fatalf("publish must send the full entity: %+v", h.api.updates[0])
	}

	if _, err := h.d.Publish(context.Background(), "btc-100k"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("publishing an open market should conflict, got %v", err)
	}
}

func TestCreateThenUpdatePreservesSlug(t *testing.T) {
	h := newHarness(t)
	created, err := h.d.CreateOrUpdate(context.Background(), market.MarketForm{Title: "BTC to 100k", Slug: "btc-100k"}, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Slug != "btc-100k" || created.Status != market.StatusDraft {
		t.Fatalf("created = %+v", created)
	}
	snap := h.cat.Snapshot()
	if len(snap) != 1 || snap[0].Slug != "btc-100k" {
		t.Fatalf("create should prepend: %+v", snap)
	}

	updated, err := h.d.CreateOrUpdate(context.Background(), market.MarketForm{Title: "BTC to 100k by June", Status: market.StatusDraft}, created.Slug)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Slug != created.Slug {
		t.Fatalf("slug changed: %s -> %s", created.Slug, updated.Slug)
	}
	got, _ := h.cat.Get("btc-100k")
	if got.Title != "BTC to 100k by June" {
		t.Fatalf("update should patch the catalog: %+v", got)
	}

	_, err = h.d.CreateOrUpdate(context.Background(), market.MarketForm{Title: "x", Slug: "renamed"}, created.Slug)
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindValidation || e.Field != "slug" {
		t.Fatalf("renaming should fail on slug, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.CreateOrUpdate(context.Background(), market.MarketForm{Title: "", Slug: "btc"}, "")
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindValidation || e.Field != "title" {
		t.Fatalf("expected title validation, got %v", err)
	}
	if h.api.calls.Load() != 0 {
		t.Fatalf("invalid form reached the network")
	}
}

func TestDeleteThenLedgerConflicts(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	if err := h.d.DeleteMarket(context.Background(), "btc-100k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := h.cat.Get("btc-100k"); ok {
		t.Fatalf("catalog still has the deleted market")
	}
	calls := h.api.calls.Load()
	if _, err := h.d.FetchLedger(context.Background(), "btc-100k"); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if h.api.calls.Load() != calls {
		t.Fatalf("ledger fetch for a deleted market reached the network")
	}
}

func TestEmptyCommentRejectedLocally(t *testing.T) {
	h := newHarness(t, binary("btc-100k", market.StatusOpen))
	_, err := h.d.PostComment(context.Background(), "btc-100k", "   \n ")
	var e *apperr.Error
	if !errors.As(err, &e) || e.Kind != apperr.KindValidation || e.Field != "text" {
		t.Fatalf("expected text validation, got %v", err)
	}
	if h.api.calls.Load() != 0 {
		t.Fatalf("empty comment reached the network")
	}

	version := h.cat.Version()
	c, err := h.d.PostComment(context.Background(), "btc-100k", " first! ")
	if err != nil || c.Text != "first!" {
		t.Fatalf("post: %+v %v", c, err)
	}
	if h.cat.Version() != version {
		t.Fatalf("comments must not touch the catalog")
	}
}

func TestEffectsTable(t *testing.T) {
	tests := []struct {
		action Action
		want   []Effect
	}{
		{ActionTrade, []Effect{RefetchCatalog, RefreshSession}},
		{ActionResolve, []Effect{RefetchCatalog}},
		{ActionRedeem, []Effect{RefreshSession}},
		{ActionDelete, []Effect{RemoveFromCatalog}},
		{ActionPublish, []Effect{PatchCatalog}},
		{ActionCreate, []Effect{PrependCatalog}},
		{ActionUpdate, []Effect{PatchCatalog}},
		{ActionComment, nil},
	}
	for _, tc := range tests {
		got := Effects(tc.action)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.action, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: got %v want %v", tc.action, got, tc.want)
			}
		}
	}
}

func TestPendingReleaseIsIdempotent(t *testing.T) {
	var p pendingSet
	_, release, ok := p.acquire(ActionDelete, "a")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, _, ok := p.acquire(ActionDelete, "a"); ok {
		t.Fatal("second acquire should fail")
	}
	if _, release2, ok := p.acquire(ActionTrade, "a"); !ok {
		t.Fatal("different action on the same target should not block")
	} else {
		release2()
	}
	release()
	_, release3, ok := p.acquire(ActionDelete, "a")
	if !ok {
		t.Fatal("acquire after release failed")
	}
	release()
	if !p.busy(ActionDelete, "a") {
		t.Fatal("stale release dropped a newer token")
	}
	release3()
	if p.size() != 0 {
		t.Fatal("set not empty")
	}
}
