package sandbox

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pottsmarket/internal/market"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound           = errors.New("Not found")
	ErrForbidden          = errors.New("Only the creator or staff can do that")
	ErrUsernameTaken      = errors.New("Username already taken")
	ErrInvalidCredentials = errors.New("Invalid credentials")
	ErrNotAuthenticated   = errors.New("Not authenticated")
	ErrMarketNotOpen      = errors.New("Market is not open")
	ErrAlreadyResolved    = errors.New("Market already resolved")
	ErrNotResolved        = errors.New("Market is not resolved")
	ErrInvalidOutcome     = errors.New("Invalid outcome")
	ErrInvalidAmount      = errors.New("Invalid amount")
	ErrInsufficientFunds  = errors.New("Insufficient funds")
	ErrSlugTaken          = errors.New("market with this slug already exists.")
)

var (
	initialLiquidity = decimal.NewFromInt(100)
	half             = decimal.New(5, -1)
)

type account struct {
	user market.User
	hash []byte
}

type book struct {
	m         market.Market
	pools     map[int64]decimal.Decimal
	holdings  map[string]map[int64]decimal.Decimal
	redeemed  map[string]bool
	positions map[string]int64
}

// Exchange is the in-memory settlement state. All methods are safe for
// concurrent use.
type Exchange struct {
	mu              sync.Mutex
	startingBalance decimal.Decimal
	hashCost        int
	now             func() time.Time

	nextID   int64
	accounts map[string]*account
	sessions map[string]string
	books    map[string]*book
	order    []string
	comments map[string][]market.Comment
}

type ExchangeOptions struct {
	StartingBalance decimal.Decimal
	HashCost        int
	Now             func() time.Time
}

func NewExchange(opts ExchangeOptions) *Exchange {
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exchange{
		startingBalance: opts.StartingBalance,
		hashCost:        opts.HashCost,
		now:             opts.Now,
		accounts:        map[string]*account{},
		sessions:        map[string]string{},
		books:           map[string]*book{},
		comments:        map[string][]market.Comment{},
	}
}

func (x *Exchange) id() int64 {
	x.nextID++
	return x.nextID
}

func (x *Exchange) Signup(username, email, password string, staff bool) (market.User, string, error) {
	username = strings.TrimSpace(username)
	if err := market.ValidateCredentials(username, password); err != nil {
		return market.User{}, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), x.hashCost)
	if err != nil {
		return market.User{}, "", err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, taken := x.accounts[strings.ToLower(username)]; taken {
		return market.User{}, "", ErrUsernameTaken
	}
	u := market.User{
		ID:       x.id(),
		Username: username,
		Email:    strings.TrimSpace(email),
		Balance:  x.startingBalance,
		IsStaff:  staff,
	}
	x.accounts[strings.ToLower(username)] = &account{user: u, hash: hash}
	return u, x.openSessionLocked(username), nil
}

func (x *Exchange) Login(username, password string) (market.User, string, error) {
	x.mu.Lock()
	acc, ok := x.accounts[strings.ToLower(strings.TrimSpace(username))]
	x.mu.Unlock()
	if !ok {
		return market.User{}, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return market.User{}, "", ErrInvalidCredentials
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return acc.user, x.openSessionLocked(acc.user.Username), nil
}

func (x *Exchange) openSessionLocked(username string) string {
	sid := uuid.NewString()
	x.sessions[sid] = strings.ToLower(username)
	return sid
}

func (x *Exchange) Logout(sid string) {
	x.mu.Lock()
	delete(x.sessions, sid)
	x.mu.Unlock()
}

func (x *Exchange) UserForSession(sid string) (market.User, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	key, ok := x.sessions[sid]
	if !ok {
		return market.User{}, ErrNotAuthenticated
	}
	acc, ok := x.accounts[key]
	if !ok {
		return market.User{}, ErrNotAuthenticated
	}
	return acc.user, nil
}

// Markets returns every market, newest first.
func (x *Exchange) Markets() []market.Market {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]market.Market, 0, len(x.order))
	for i := len(x.order) - 1; i >= 0; i-- {
		out = append(out, x.books[x.order[i]].m.Clone())
	}
	return out
}

func (x *Exchange) Market(slug string) (market.Market, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return market.Market{}, ErrNotFound
	}
	return b.m.Clone(), nil
}

func (x *Exchange) CreateMarket(user market.User, form market.MarketForm) (market.Market, error) {
	form = form.Normalize()
	if err := form.ValidateCreate(); err != nil {
		return market.Market{}, err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, exists := x.books[form.Slug]; exists {
		return market.Market{}, &market.FieldError{Field: "slug", Err: ErrSlugTaken}
	}
	m := market.Market{
		ID:          x.id(),
		Slug:        form.Slug,
		Title:       form.Title,
		Description: form.Description,
		Status:      form.Status,
		Creator:     user.Username,
		CreatedAt:   x.now().UTC(),
	}
	b := &book{
		pools:     map[int64]decimal.Decimal{},
		holdings:  map[string]map[int64]decimal.Decimal{},
		redeemed:  map[string]bool{},
		positions: map[string]int64{},
	}
	for _, name := range []string{"YES", "NO"} {
		o := market.Outcome{ID: x.id(), Name: name, Price: half}
		m.Outcomes = append(m.Outcomes, o)
		b.pools[o.ID] = initialLiquidity
	}
	b.m = m
	x.books[m.Slug] = b
	x.order = append(x.order, m.Slug)
	return m.Clone(), nil
}

func (x *Exchange) UpdateMarket(user market.User, slug string, form market.MarketForm) (market.Market, error) {
	form = form.Normalize()
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return market.Market{}, ErrNotFound
	}
	if !canManage(user, b.m) {
		return market.Market{}, ErrForbidden
	}
	if form.Slug == "" {
		form.Slug = slug
	}
	if err := form.ValidateUpdate(b.m); err != nil {
		return market.Market{}, err
	}
	if form.Status == market.StatusResolved && b.m.Status != market.StatusResolved {
		return market.Market{}, &market.FieldError{Field: "status", Err: errors.New("use resolve to settle a market")}
	}
	b.m.Title = form.Title
	b.m.Description = form.Description
	b.m.Status = form.Status
	return b.m.Clone(), nil
}

func (x *Exchange) DeleteMarket(user market.User, slug string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return ErrNotFound
	}
	if !canManage(user, b.m) {
		return ErrForbidden
	}
	delete(x.books, slug)
	delete(x.comments, slug)
	for i, s := range x.order {
		if s == slug {
			x.order = append(x.order[:i], x.order[i+1:]...)
			break
		}
	}
	return nil
}

// Trade buys shares of outcomeID with a constant-product pool over the
// market's two outcomes.
func (x *Exchange) Trade(user market.User, slug string, outcomeID int64, amount decimal.Decimal) (market.TradeReceipt, error) {
	if !amount.IsPositive() || amount.LessThan(market.MinTradeAmount) {
		return market.TradeReceipt{}, ErrInvalidAmount
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return market.TradeReceipt{}, ErrNotFound
	}
	if b.m.Status != market.StatusOpen {
		return market.TradeReceipt{}, ErrMarketNotOpen
	}
	if _, ok := b.m.Outcome(outcomeID); !ok {
		return market.TradeReceipt{}, ErrInvalidOutcome
	}
	acc := x.accounts[strings.ToLower(user.Username)]
	if acc == nil {
		return market.TradeReceipt{}, ErrNotAuthenticated
	}
	if acc.user.Balance.LessThan(amount) {
		return market.TradeReceipt{}, ErrInsufficientFunds
	}

	var otherID int64
	for _, o := range b.m.Outcomes {
		if o.ID != outcomeID {
			otherID = o.ID
			break
		}
	}
	rThis, rOther := b.pools[outcomeID], b.pools[otherID]
	k := rThis.Mul(rOther)
	newOther := rOther.Add(amount)
	newThis := k.DivRound(newOther, 16)
	shares := amount.Add(rThis.Sub(newThis))

	b.pools[outcomeID] = newThis
	b.pools[otherID] = newOther
	b.reprice()

	acc.user.Balance = acc.user.Balance.Sub(amount)
	key := strings.ToLower(user.Username)
	if b.holdings[key] == nil {
		b.holdings[key] = map[int64]decimal.Decimal{}
	}
	b.holdings[key][outcomeID] = b.holdings[key][outcomeID].Add(shares)
	posKey := positionKey(key, outcomeID)
	if _, ok := b.positions[posKey]; !ok {
		b.positions[posKey] = x.id()
	}

	price, _ := b.m.Outcome(outcomeID)
	return market.TradeReceipt{
		SharesBought: shares.Round(4),
		NewPrice:     price.Price,
		AvgPrice:     amount.DivRound(shares, 4),
	}, nil
}

func (b *book) reprice() {
	total := decimal.Zero
	for _, p := range b.pools {
		total = total.Add(p)
	}
	for i, o := range b.m.Outcomes {
		if total.IsZero() {
			b.m.Outcomes[i].Price = half
			continue
		}
		b.m.Outcomes[i].Price = total.Sub(b.pools[o.ID]).DivRound(total, 4)
	}
}

func (x *Exchange) Resolve(user market.User, slug string, outcomeID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return ErrNotFound
	}
	if !canManage(user, b.m) {
		return ErrForbidden
	}
	switch b.m.Status {
	case market.StatusResolved:
		return ErrAlreadyResolved
	case market.StatusDraft:
		return ErrMarketNotOpen
	}
	if _, ok := b.m.Outcome(outcomeID); !ok {
		return ErrInvalidOutcome
	}
	for i := range b.m.Outcomes {
		win := b.m.Outcomes[i].ID == outcomeID
		b.m.Outcomes[i].Winning = win
		if win {
			b.m.Outcomes[i].Price = decimal.NewFromInt(1)
		} else {
			b.m.Outcomes[i].Price = decimal.Zero
		}
	}
	b.m.Status = market.StatusResolved
	return nil
}

func (x *Exchange) Redeem(user market.User, slug string) (market.Payout, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return market.Payout{}, ErrNotFound
	}
	if b.m.Status != market.StatusResolved {
		return market.Payout{}, ErrNotResolved
	}
	key := strings.ToLower(user.Username)
	if b.redeemed[key] {
		return market.Payout{Amount: decimal.Zero, Message: "Already redeemed"}, nil
	}
	winner, _ := b.m.Winner()
	shares := b.holdings[key][winner.ID]
	b.redeemed[key] = true
	if !shares.IsPositive() {
		return market.Payout{Amount: decimal.Zero, Message: "No winning shares"}, nil
	}
	payout := shares.Round(2)
	acc := x.accounts[key]
	acc.user.Balance = acc.user.Balance.Add(payout)
	return market.Payout{Amount: payout, Message: "Redeemed winning shares"}, nil
}

func (x *Exchange) Ledger(slug string) (market.Ledger, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.books[slug]
	if !ok {
		return market.Ledger{}, ErrNotFound
	}
	out := market.Ledger{Entries: []market.LedgerEntry{}}
	for key, held := range b.holdings {
		name := key
		if acc := x.accounts[key]; acc != nil {
			name = acc.user.Username
		}
		bettor := false
		for _, o := range b.m.Outcomes {
			shares := held[o.ID]
			if !shares.IsPositive() {
				continue
			}
			bettor = true
			out.Entries = append(out.Entries, market.LedgerEntry{
				Username: name,
				Outcome:  o.Name,
				Shares:   shares.Round(4),
				Value:    shares.Mul(o.Price).Round(2),
			})
		}
		if bettor {
			out.TotalBettors++
		}
	}
	sort.Slice(out.Entries, func(i, j int) bool {
		if !out.Entries[i].Value.Equal(out.Entries[j].Value) {
			return out.Entries[i].Value.GreaterThan(out.Entries[j].Value)
		}
		return out.Entries[i].Username < out.Entries[j].Username
	})
	return out, nil
}

func (x *Exchange) Comments(slug string) ([]market.Comment, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.books[slug]; !ok {
		return nil, ErrNotFound
	}
	return append([]market.Comment{}, x.comments[slug]...), nil
}

func (x *Exchange) PostComment(user market.User, slug, text string) (market.Comment, error) {
	clean, err := market.ValidateComment(text)
	if err != nil {
		return market.Comment{}, &market.FieldError{Field: "text", Err: err}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.books[slug]; !ok {
		return market.Comment{}, ErrNotFound
	}
	c := market.Comment{ID: x.id(), Username: user.Username, Text: clean, CreatedAt: x.now().UTC()}
	x.comments[slug] = append([]market.Comment{c}, x.comments[slug]...)
	return c, nil
}

func (x *Exchange) Portfolio(user market.User) market.Portfolio {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := strings.ToLower(user.Username)
	out := market.Portfolio{
		Username:       user.Username,
		TotalValue:     decimal.Zero,
		Positions:      []market.Position{},
		CreatedMarkets: []market.Market{},
	}
	for i := len(x.order) - 1; i >= 0; i-- {
		b := x.books[x.order[i]]
		if b.m.Creator == user.Username {
			out.CreatedMarkets = append(out.CreatedMarkets, b.m.Clone())
		}
		for _, o := range b.m.Outcomes {
			shares := b.holdings[key][o.ID]
			if !shares.IsPositive() || b.redeemed[key] {
				continue
			}
			value := shares.Mul(o.Price)
			out.TotalValue = out.TotalValue.Add(value)
			out.Positions = append(out.Positions, market.Position{
				ID:          b.positions[positionKey(key, o.ID)],
				MarketSlug:  b.m.Slug,
				MarketTitle: b.m.Title,
				OutcomeID:   o.ID,
				OutcomeName: o.Name,
				Shares:      shares.Round(4),
				Price:       o.Price,
				Value:       value.Round(2),
			})
		}
	}
	out.TotalValue = out.TotalValue.Round(2)
	return out
}

// Balance is the current server-side balance for username.
func (x *Exchange) Balance(username string) (decimal.Decimal, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	acc, ok := x.accounts[strings.ToLower(username)]
	if !ok {
		return decimal.Zero, false
	}
	return acc.user.Balance, true
}

// CurrentUser reloads the stored user, which carries the live balance.
func (x *Exchange) CurrentUser(username string) (market.User, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	acc, ok := x.accounts[strings.ToLower(username)]
	if !ok {
		return market.User{}, false
	}
	return acc.user, true
}

func canManage(user market.User, m market.Market) bool {
	return user.IsStaff || user.Username == m.Creator
}

func positionKey(username string, outcomeID int64) string {
	return username + "/" + strconv.FormatInt(outcomeID, 10)
}
