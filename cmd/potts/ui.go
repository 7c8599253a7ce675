package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"pottsmarket/internal/journal"
	"pottsmarket/internal/market"
	"pottsmarket/internal/view"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
	faint       = color.New(color.Faint)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptDefault returns current when the answer is blank.
func promptDefault(label, current string) (string, error) {
	fmt.Printf("%s [%s]: ", label, current)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return current, nil
	}
	return text, nil
}

func promptChoice(label string, options []string, defaultValue string) (string, error) {
	normalized := make(map[string]string, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(strings.TrimSpace(opt))] = opt
	}
	for {
		fmt.Printf("%s (%s) [%s]: ", label, strings.Join(options, "/"), defaultValue)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		if text == "" {
			text = strings.ToLower(strings.TrimSpace(defaultValue))
		}
		if opt, ok := normalized[text]; ok {
			return opt, nil
		}
		printWarn("Invalid option. Please pick one of the listed values.")
	}
}

// promptPassword hides input on a terminal and falls back to a plain read
// when stdin is piped.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if len(raw) > 0 {
			return string(raw), nil
		}
		printWarn(label + " is required.")
	}
}

func confirm(question string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	answer, err := promptChoice(question, []string{"y", "n"}, "n")
	if err != nil {
		return false, err
	}
	return answer == "y", nil
}

func renderFeed(cards []view.MarketCard) {
	accent.Println("\n== MARKETS ==")
	if len(cards) == 0 {
		printInfo("No markets yet.")
		return
	}
	fmt.Printf("%-26s %-10s %-40s %s\n", "SLUG", "STATUS", "TITLE", "PRICES")
	for _, c := range cards {
		fmt.Printf("%-26s %-10s %-40s %s\n",
			truncate(c.Slug, 26),
			colorizeStatus(c.Status),
			truncate(c.Title, 40),
			outcomePrices(c.Outcomes),
		)
	}
	fmt.Println()
}

func renderCard(c view.MarketCard) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(c.Title))
	fmt.Printf("Slug:     %s\n", c.Slug)
	fmt.Printf("Status:   %s\n", colorizeStatus(c.Status))
	fmt.Printf("Creator:  %s\n", c.Creator)
	if c.Description != "" {
		fmt.Printf("\n%s\n", c.Description)
	}
	fmt.Println()
	fmt.Printf("%-6s %-24s %8s\n", "ID", "OUTCOME", "PRICE")
	for _, o := range c.Outcomes {
		name := o.Name
		if o.Winning {
			name += " (winner)"
		}
		fmt.Printf("%-6d %-24s %8s\n", o.ID, truncate(name, 24), o.Price)
	}

	var actions []string
	for _, a := range []struct {
		ok   bool
		name string
	}{
		{c.CanTrade, "trade"},
		{c.CanResolve, "resolve"},
		{c.CanRedeem, "redeem"},
		{c.CanPublish, "publish"},
		{c.CanEdit, "edit"},
		{c.CanDelete, "delete"},
		{c.CanComment, "comment"},
	} {
		if a.ok {
			actions = append(actions, a.name)
		}
	}
	if len(actions) > 0 {
		faint.Printf("\nAvailable: %s\n", strings.Join(actions, ", "))
	}
	fmt.Println()
}

func renderDashboard(d view.DashboardView) {
	summary := fmt.Sprintf("%s\n\nBalance    %s\nPositions  %s\nNet worth  %s",
		accent.Sprint(d.Username), d.Balance, d.PositionsValue, d.NetWorth)
	fmt.Println(cardStyle.Render(summary))

	accent.Println("\n== POSITIONS ==")
	if len(d.Positions) == 0 {
		printInfo("No open positions.")
	} else {
		fmt.Printf("%-34s %-12s %10s %8s %12s\n", "MARKET", "OUTCOME", "SHARES", "PRICE", "VALUE")
		for _, p := range d.Positions {
			fmt.Printf("%-34s %-12s %10s %8s %12s\n",
				truncate(p.MarketTitle, 34), truncate(p.OutcomeName, 12), p.Shares, p.Price, p.Value)
		}
	}
	if len(d.CreatedMarkets) > 0 {
		accent.Println("\n== YOUR MARKETS ==")
		for _, c := range d.CreatedMarkets {
			fmt.Printf("%-26s %-10s %s\n", truncate(c.Slug, 26), colorizeStatus(c.Status), truncate(c.Title, 40))
		}
	}
	fmt.Println()
}

func renderLedger(slug string, entries []market.LedgerEntry, total int) {
	accent.Printf("\n== LEDGER %s ==\n", slug)
	if len(entries) == 0 {
		printInfo("No bets yet.")
		return
	}
	fmt.Printf("%-5s %-18s %-12s %10s %12s\n", "RANK", "USER", "OUTCOME", "SHARES", "VALUE")
	for i, e := range entries {
		fmt.Printf("%-5d %-18s %-12s %10s %12s\n",
			i+1, truncate(e.Username, 18), truncate(e.Outcome, 12),
			view.FormatShares(e.Shares), view.FormatUSD(e.Value))
	}
	faint.Printf("%d bettors\n\n", total)
}

func renderComments(slug string, comments []market.Comment) {
	accent.Printf("\n== COMMENTS %s ==\n", slug)
	if len(comments) == 0 {
		printInfo("No comments yet.")
		return
	}
	for _, c := range comments {
		faint.Printf("%s  ", c.CreatedAt.Local().Format("2006-01-02 15:04"))
		accent.Print(c.Username)
		fmt.Printf("\n  %s\n", c.Text)
	}
	fmt.Println()
}

func renderHistory(entries []journal.Entry) {
	accent.Println("\n== HISTORY ==")
	if len(entries) == 0 {
		printInfo("Nothing recorded yet.")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %-8s %-26s %s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.Action, truncate(e.Slug, 26), e.Summary)
	}
	fmt.Println()
}

func renderChanges(changes []view.Change) {
	for _, c := range changes {
		line := fmt.Sprintf("%-8s %-26s %s", c.Kind, truncate(c.Slug, 26), c.Detail)
		switch c.Kind {
		case view.ChangeAdded:
			success.Println(line)
		case view.ChangeRemoved:
			danger.Println(line)
		default:
			neutral.Println(line)
		}
	}
}

func colorizeStatus(s market.Status) string {
	text := fmt.Sprintf("%-10s", s)
	switch s {
	case market.StatusOpen:
		return success.Sprint(text)
	case market.StatusClosed:
		return warn.Sprint(text)
	case market.StatusResolved:
		return accent.Sprint(text)
	}
	return faint.Sprint(text)
}

func outcomePrices(outcomes []view.OutcomeView) string {
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		part := o.Name + " " + o.Price
		if o.Winning {
			part = success.Sprint(part + " *")
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "  ")
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
