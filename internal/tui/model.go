// Package tui is the interactive terminal front end. All state it shows comes
// from focus snapshots and view projections; dispatch calls run as tea.Cmds
// and their results arrive as messages in completion order.
package tui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pottsmarket/internal/focus"
	"pottsmarket/internal/market"
	"pottsmarket/internal/view"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type Catalog interface {
	Snapshot() []market.Market
	LoadAll(ctx context.Context) ([]market.Market, error)
}

type Session interface {
	Current() (market.User, bool)
	Logout(ctx context.Context)
}

type Actions interface {
	Redeem(ctx context.Context, slug string) (market.Payout, error)
	FetchPortfolio(ctx context.Context) (market.Portfolio, error)
}

type mode int

const (
	modeFeed mode = iota
	modeDashboard
)

type catalogLoadedMsg struct{ err error }

type actionDoneMsg struct {
	notice     string
	clearInput bool
}

type portfolioMsg struct {
	portfolio market.Portfolio
	err       error
}

type Model struct {
	ctx     context.Context
	catalog Catalog
	session Session
	actions Actions
	focus   *focus.Coordinator
	log     *slog.Logger

	mode    mode
	cursor  int
	outcome int
	status  string
	dash    *view.DashboardView
	width   int

	inputs     []textinput.Model
	active     int
	inputEpoch uint64
}

func New(ctx context.Context, cat Catalog, sess Session, actions Actions, coord *focus.Coordinator, logger *slog.Logger) Model {
	if logger == nil {
		logger = slog.Default()
	}
	return Model{
		ctx:     ctx,
		catalog: cat,
		session: sess,
		actions: actions,
		focus:   coord,
		log:     logger.With("component", "tui"),
		status:  "Loading markets...",
	}
}

// Run blocks until the user quits or ctx is cancelled.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return m.reload()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case catalogLoadedMsg:
		m.status = ""
		if msg.err != nil {
			m.status = "Refresh failed: " + msg.err.Error()
		}
	case actionDoneMsg:
		m.status = msg.notice
		if msg.clearInput && len(m.inputs) > 0 {
			m.inputs[m.active].SetValue("")
		}
		if m.mode == modeDashboard {
			cmd = m.fetchPortfolio()
		}
	case portfolioMsg:
		if msg.err != nil {
			m.focus.HandleError(msg.err)
			m.mode = modeFeed
			break
		}
		user, _ := m.session.Current()
		d := view.Dashboard(user, msg.portfolio)
		m.dash = &d
	case tea.KeyMsg:
		m, cmd = m.handleKey(msg)
	}
	m.clamp()
	m.syncInputs()
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	st := m.focus.Snapshot()
	if st.Overlay == focus.Closed {
		return m.feedKey(msg)
	}
	return m.overlayKey(st, msg)
}

func (m Model) feedKey(msg tea.KeyMsg) (Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q":
		return m, tea.Quit
	case "up", "k":
		m.cursor--
		m.outcome = 0
		return m, nil
	case "down", "j":
		m.cursor++
		m.outcome = 0
		return m, nil
	case "left", "h":
		m.outcome--
		return m, nil
	case "right":
		m.outcome++
		return m, nil
	case "r":
		m.status = "Refreshing..."
		return m, m.reload()
	case "esc":
		m.focus.DismissNotice()
		m.status = ""
		return m, nil
	case "d":
		if m.mode == modeDashboard {
			m.mode = modeFeed
			return m, nil
		}
		if _, ok := m.session.Current(); !ok {
			m.focus.OpenAuth(focus.AuthLogin)
			return m, nil
		}
		m.mode = modeDashboard
		return m, m.fetchPortfolio()
	case "L":
		m.focus.OpenAuth(focus.AuthLogin)
		return m, nil
	case "S":
		m.focus.OpenAuth(focus.AuthSignup)
		return m, nil
	case "O":
		return m, m.run(func(ctx context.Context) string {
			m.session.Logout(ctx)
			return "Signed out."
		})
	case "n":
		if _, ok := m.session.Current(); !ok {
			m.focus.OpenAuth(focus.AuthLogin)
			return m, nil
		}
		_ = m.focus.OpenEdit("")
		return m, nil
	}

	card, ok := m.selected()
	if !ok {
		return m, nil
	}
	switch key {
	case "t":
		if !m.allowed(card.CanTrade, "Trading needs a signed-in user and an open market.") {
			return m, nil
		}
		_ = m.focus.OpenTrade(card.Slug)
	case "l":
		epoch, err := m.focus.OpenLedger(card.Slug)
		if err != nil {
			return m, nil
		}
		return m, func() tea.Msg {
			_ = m.focus.LoadLedger(m.ctx, epoch)
			return actionDoneMsg{}
		}
	case "c":
		epoch, err := m.focus.OpenComments(card.Slug)
		if err != nil {
			return m, nil
		}
		return m, func() tea.Msg {
			_ = m.focus.LoadComments(m.ctx, epoch)
			return actionDoneMsg{}
		}
	case "R":
		if !m.allowed(card.CanResolve, "Only the creator or staff can resolve an open or closed market.") {
			return m, nil
		}
		if m.outcome < len(card.Outcomes) {
			_ = m.focus.AskResolve(card.Slug, card.Outcomes[m.outcome].ID)
		}
	case "p":
		if !m.allowed(card.CanPublish, "Only the creator can publish a draft.") {
			return m, nil
		}
		_ = m.focus.AskPublish(card.Slug)
	case "x":
		if !m.allowed(card.CanDelete, "Only the creator or staff can delete a market.") {
			return m, nil
		}
		_ = m.focus.AskDelete(card.Slug)
	case "e":
		if !m.allowed(card.CanEdit, "This market cannot be edited.") {
			return m, nil
		}
		_ = m.focus.OpenEdit(card.Slug)
	case "$":
		if !m.allowed(card.CanRedeem, "Redeem is available once a market is resolved.") {
			return m, nil
		}
		slug := card.Slug
		return m, m.run(func(ctx context.Context) string {
			payout, err := m.actions.Redeem(ctx, slug)
			if err != nil {
				m.focus.HandleError(err)
				return ""
			}
			return fmt.Sprintf("Redeemed %s: %s. %s", slug, view.FormatUSD(payout.Amount), payout.Message)
		})
	}
	return m, nil
}

func (m Model) overlayKey(st focus.State, msg tea.KeyMsg) (Model, tea.Cmd) {
	key := msg.String()
	if key == "esc" {
		m.focus.Close()
		return m, nil
	}
	switch st.Overlay {
	case focus.ConfirmingResolve, focus.ConfirmingPublish, focus.ConfirmingDelete:
		switch key {
		case "y":
			return m, m.confirm(st.Overlay)
		case "n":
			m.focus.Close()
		}
		return m, nil
	case focus.ViewingLedger:
		return m, nil
	case focus.Trading:
		switch key {
		case "tab":
			if n := len(st.Market.Outcomes); n > 0 {
				m.outcome = (m.outcome + 1) % n
			}
			return m, nil
		case "enter":
			if m.outcome >= len(st.Market.Outcomes) || len(m.inputs) == 0 {
				return m, nil
			}
			outcomeID := st.Market.Outcomes[m.outcome].ID
			amount := m.inputs[0].Value()
			return m, m.run(func(ctx context.Context) string {
				_, _ = m.focus.SubmitTrade(ctx, outcomeID, amount)
				return ""
			})
		}
	case focus.ViewingComments:
		if key == "enter" && len(m.inputs) > 0 {
			text := m.inputs[0].Value()
			ctx := m.ctx
			return m, func() tea.Msg {
				if _, err := m.focus.PostComment(ctx, text); err != nil {
					return actionDoneMsg{}
				}
				return actionDoneMsg{notice: "Comment posted.", clearInput: true}
			}
		}
	case focus.Authenticating:
		switch key {
		case "tab", "down":
			m.cycle(1)
			return m, nil
		case "shift+tab", "up":
			m.cycle(-1)
			return m, nil
		case "enter":
			values := m.values()
			username, email, password := values[0], "", values[len(values)-1]
			if st.AuthMode == focus.AuthSignup {
				email = values[1]
			}
			return m, m.run(func(ctx context.Context) string {
				_, _ = m.focus.SubmitAuth(ctx, username, email, password)
				return ""
			})
		}
	case focus.Editing:
		switch key {
		case "tab", "down":
			m.cycle(1)
			return m, nil
		case "shift+tab", "up":
			m.cycle(-1)
			return m, nil
		case "enter":
			v := m.values()
			form := market.MarketForm{
				Title:       v[0],
				Slug:        v[1],
				Description: v[2],
				Status:      market.Status(strings.ToLower(strings.TrimSpace(v[3]))),
			}
			return m, m.run(func(ctx context.Context) string {
				_, _ = m.focus.SubmitEdit(ctx, form)
				return ""
			})
		}
	}
	if len(m.inputs) == 0 {
		return m, nil
	}
	var cmd tea.Cmd
	m.inputs[m.active], cmd = m.inputs[m.active].Update(msg)
	return m, cmd
}

func (m Model) confirm(o focus.Overlay) tea.Cmd {
	return m.run(func(ctx context.Context) string {
		switch o {
		case focus.ConfirmingResolve:
			_ = m.focus.ConfirmResolve(ctx)
		case focus.ConfirmingPublish:
			_, _ = m.focus.ConfirmPublish(ctx)
		case focus.ConfirmingDelete:
			_ = m.focus.ConfirmDelete(ctx)
		}
		return ""
	})
}

func (m Model) run(fn func(ctx context.Context) string) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return actionDoneMsg{notice: fn(ctx)}
	}
}

func (m Model) reload() tea.Cmd {
	ctx, cat := m.ctx, m.catalog
	return func() tea.Msg {
		_, err := cat.LoadAll(ctx)
		return catalogLoadedMsg{err: err}
	}
}

func (m Model) fetchPortfolio() tea.Cmd {
	ctx, actions := m.ctx, m.actions
	return func() tea.Msg {
		p, err := actions.FetchPortfolio(ctx)
		return portfolioMsg{portfolio: p, err: err}
	}
}

func (m *Model) allowed(ok bool, why string) bool {
	if !ok {
		m.status = why
	}
	return ok
}

func (m Model) cards() []view.MarketCard {
	var user *market.User
	if u, ok := m.session.Current(); ok {
		user = &u
	}
	return view.Feed(user, m.catalog.Snapshot())
}

func (m Model) selected() (view.MarketCard, bool) {
	cards := m.cards()
	if m.cursor < 0 || m.cursor >= len(cards) {
		return view.MarketCard{}, false
	}
	return cards[m.cursor], true
}

func (m *Model) clamp() {
	cards := m.cards()
	if m.cursor >= len(cards) {
		m.cursor = len(cards) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	n := 0
	if m.cursor < len(cards) {
		n = len(cards[m.cursor].Outcomes)
	}
	if st := m.focus.Snapshot(); st.Overlay == focus.Trading {
		n = len(st.Market.Outcomes)
	}
	if m.outcome >= n {
		m.outcome = n - 1
	}
	if m.outcome < 0 {
		m.outcome = 0
	}
}

func (m *Model) cycle(step int) {
	if len(m.inputs) == 0 {
		return
	}
	m.inputs[m.active].Blur()
	m.active = (m.active + step + len(m.inputs)) % len(m.inputs)
	m.inputs[m.active].Focus()
}

func (m Model) values() []string {
	out := make([]string, len(m.inputs))
	for i, in := range m.inputs {
		out[i] = in.Value()
	}
	return out
}

// syncInputs rebuilds the text fields whenever a different overlay instance
// becomes active.
func (m *Model) syncInputs() {
	st := m.focus.Snapshot()
	if st.Epoch == m.inputEpoch {
		return
	}
	m.inputEpoch = st.Epoch
	m.active = 0
	m.inputs = nil
	switch st.Overlay {
	case focus.Trading:
		m.inputs = []textinput.Model{newInput("amount in USD", "")}
	case focus.ViewingComments:
		in := newInput("write a comment", "")
		in.CharLimit = market.MaxCommentLength
		m.inputs = []textinput.Model{in}
	case focus.Authenticating:
		m.inputs = []textinput.Model{newInput("username", "")}
		if st.AuthMode == focus.AuthSignup {
			m.inputs = append(m.inputs, newInput("email (optional)", ""))
		}
		pw := newInput("password", "")
		pw.EchoMode = textinput.EchoPassword
		m.inputs = append(m.inputs, pw)
	case focus.Editing:
		form := st.Market.Form()
		m.inputs = []textinput.Model{
			newInput("title", form.Title),
			newInput("slug", form.Slug),
			newInput("description", form.Description),
			newInput("status (draft/open/closed)", string(form.Status)),
		}
	}
	for i := range m.inputs {
		if i == 0 {
			m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
}

func newInput(placeholder, value string) textinput.Model {
	in := textinput.New()
	in.Placeholder = placeholder
	in.CharLimit = market.MaxTitleLength
	in.Width = 40
	in.SetValue(value)
	return in
}

func (m Model) View() string {
	st := m.focus.Snapshot()
	var b strings.Builder

	user, signedIn := m.session.Current()
	header := titleStyle.Render("potts")
	if signedIn {
		header += mutedStyle.Render(fmt.Sprintf("  %s  balance %s", user.Username, view.FormatUSD(user.Balance)))
	} else {
		header += mutedStyle.Render("  signed out")
	}
	b.WriteString(header + "\n\n")

	if m.mode == modeDashboard {
		b.WriteString(m.renderDashboard())
	} else {
		b.WriteString(m.renderFeed())
	}

	if st.Overlay != focus.Closed {
		b.WriteString("\n" + overlayStyle.Render(m.renderOverlay(st)) + "\n")
	}

	if st.Notice != "" {
		b.WriteString("\n" + noticeStyle.Render(st.Notice))
	}
	if m.status != "" {
		b.WriteString("\n" + noticeStyle.Render(m.status))
	}
	b.WriteString("\n" + mutedStyle.Render(m.help(st)) + "\n")
	return b.String()
}

func (m Model) renderFeed() string {
	cards := m.cards()
	if len(cards) == 0 {
		return mutedStyle.Render("No markets yet.") + "\n"
	}
	var rows []string
	for i, c := range cards {
		var outcomes []string
		for j, o := range c.Outcomes {
			label := fmt.Sprintf("%s %s", o.Name, o.Price)
			switch {
			case o.Winning:
				label = winStyle.Render(label + " ✓")
			case i == m.cursor && j == m.outcome:
				label = selectedStyle.Render(label)
			}
			outcomes = append(outcomes, label)
		}
		title := c.Title
		if i == m.cursor {
			title = selectedStyle.Render(title)
		}
		body := lipgloss.JoinVertical(lipgloss.Left,
			fmt.Sprintf("%s %s", title, badge(string(c.Status))),
			mutedStyle.Render(fmt.Sprintf("%s · by %s", c.Slug, c.Creator)),
			strings.Join(outcomes, "   "),
		)
		style := cardStyle
		if i == m.cursor {
			style = activeCardStyle
		}
		rows = append(rows, style.Render(body))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...) + "\n"
}

func (m Model) renderDashboard() string {
	if m.dash == nil {
		return mutedStyle.Render("Loading dashboard...") + "\n"
	}
	d := m.dash
	var b strings.Builder
	b.WriteString(titleStyle.Render("Dashboard: "+d.Username) + "\n")
	b.WriteString(fmt.Sprintf("Balance    %s\nPositions  %s\nNet worth  %s\n\n", d.Balance, d.PositionsValue, d.NetWorth))
	if len(d.Positions) == 0 {
		b.WriteString(mutedStyle.Render("No open positions.") + "\n")
	}
	for _, p := range d.Positions {
		b.WriteString(fmt.Sprintf("%-28s %-4s %8s @ %s = %s\n", truncate(p.MarketTitle, 28), p.OutcomeName, p.Shares, p.Price, p.Value))
	}
	if len(d.CreatedMarkets) > 0 {
		b.WriteString("\n" + titleStyle.Render("Your markets") + "\n")
		for _, c := range d.CreatedMarkets {
			b.WriteString(fmt.Sprintf("%s %s\n", truncate(c.Title, 40), badge(string(c.Status))))
		}
	}
	return b.String()
}

func (m Model) renderOverlay(st focus.State) string {
	var b strings.Builder
	switch st.Overlay {
	case focus.Trading:
		b.WriteString(titleStyle.Render("Trade: "+st.Market.Title) + "\n")
		for i, o := range st.Market.Outcomes {
			label := fmt.Sprintf("%s @ %s", o.Name, view.FormatPrice(o.Price))
			if i == m.outcome {
				label = selectedStyle.Render("> " + label)
			} else {
				label = "  " + label
			}
			b.WriteString(label + "\n")
		}
		b.WriteString(m.renderInputs(nil))
	case focus.ConfirmingResolve:
		fmt.Fprintf(&b, "Resolve %q as %s? This cannot be undone. [y/n]", st.Market.Title, st.Outcome.Name)
	case focus.ConfirmingPublish:
		fmt.Fprintf(&b, "Publish %q and open it for trading? [y/n]", st.Market.Title)
	case focus.ConfirmingDelete:
		fmt.Fprintf(&b, "Delete %q permanently? [y/n]", st.Market.Title)
	case focus.ViewingLedger:
		b.WriteString(titleStyle.Render("Ledger: "+st.Market.Title) + "\n")
		switch {
		case st.Loading:
			b.WriteString(mutedStyle.Render("Loading...") + "\n")
		case len(st.Ledger) == 0:
			b.WriteString(mutedStyle.Render("No bets yet.") + "\n")
		default:
			for _, e := range st.Ledger {
				fmt.Fprintf(&b, "%-16s %-4s %8s %10s\n", truncate(e.Username, 16), e.Outcome, view.FormatShares(e.Shares), view.FormatUSD(e.Value))
			}
			fmt.Fprintf(&b, "%d bettors\n", st.TotalBettors)
		}
	case focus.ViewingComments:
		b.WriteString(titleStyle.Render("Comments: "+st.Market.Title) + "\n")
		if st.Loading {
			b.WriteString(mutedStyle.Render("Loading...") + "\n")
		}
		for _, c := range st.Comments {
			fmt.Fprintf(&b, "%s %s\n", selectedStyle.Render(c.Username), c.Text)
		}
		b.WriteString(m.renderInputs(nil))
	case focus.Authenticating:
		label := "Sign in"
		if st.AuthMode == focus.AuthSignup {
			label = "Create account"
		}
		b.WriteString(titleStyle.Render(label) + "\n")
		b.WriteString(m.renderInputs(st.FieldErrors))
	case focus.Editing:
		label := "New market"
		if st.Slug != "" {
			label = "Edit " + st.Slug
		}
		b.WriteString(titleStyle.Render(label) + "\n")
		b.WriteString(m.renderInputs(st.FieldErrors))
	}
	if st.Err != "" {
		b.WriteString("\n" + errorStyle.Render(st.Err))
	}
	return b.String()
}

func (m Model) renderInputs(fieldErrors map[string]string) string {
	var b strings.Builder
	for _, in := range m.inputs {
		b.WriteString(in.View() + "\n")
		key := strings.Fields(in.Placeholder)
		if len(key) > 0 {
			if msg, ok := fieldErrors[key[0]]; ok {
				b.WriteString(errorStyle.Render("  "+msg) + "\n")
			}
		}
	}
	return b.String()
}

func (m Model) help(st focus.State) string {
	switch st.Overlay {
	case focus.Closed:
		if m.mode == modeDashboard {
			return "d feed · r refresh · q quit"
		}
		return "↑/↓ select · ←/→ outcome · t trade · l ledger · c comments · R resolve · p publish · e edit · x delete · $ redeem · n new · d dashboard · L login · S signup · O logout · q quit"
	case focus.ConfirmingResolve, focus.ConfirmingPublish, focus.ConfirmingDelete:
		return "y confirm · n/esc cancel"
	case focus.Trading:
		return "tab outcome · enter buy · esc close"
	case focus.Authenticating, focus.Editing:
		return "tab next field · enter submit · esc close"
	case focus.ViewingComments:
		return "enter post · esc close"
	}
	return "esc close"
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
