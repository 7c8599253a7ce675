package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/market"
	"pottsmarket/internal/settlement"
	"pottsmarket/internal/tui"
	"pottsmarket/internal/view"

	"github.com/kr/pretty"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

func main() {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:          "potts",
		Short:        "Potts prediction market client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default <state dir>/config.toml)")
	root.PersistentFlags().StringVar(&flags.apiBase, "api", "", "settlement service base URL")
	root.PersistentFlags().BoolVarP(&flags.yes, "yes", "y", false, "skip confirmation prompts")

	root.AddCommand(
		newSignupCmd(flags),
		newLoginCmd(flags),
		newLogoutCmd(flags),
		newWhoamiCmd(flags),
		newMarketsCmd(flags),
		newTradeCmd(flags),
		newResolveCmd(flags),
		newRedeemCmd(flags),
		newPublishCmd(flags),
		newDeleteCmd(flags),
		newCreateCmd(flags),
		newEditCmd(flags),
		newLedgerCmd(flags),
		newCommentsCmd(flags),
		newDashCmd(flags),
		newHistoryCmd(flags),
		newWatchCmd(flags),
		newShareCmd(flags),
		newTUICmd(flags),
		newConfigCmd(flags),
	)

	if err := root.Execute(); err != nil {
		printError(fmt.Sprintf("error: %v", err))
		os.Exit(1)
	}
}

// run builds the app, bootstraps it and calls fn under a request deadline.
func run(cmd *cobra.Command, flags *globalFlags, withCatalog bool, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}
	boot, cancel := context.WithTimeout(cmd.Context(), a.cfg.RequestTimeout.Duration)
	defer cancel()
	if err := a.bootstrap(boot, withCatalog); err != nil {
		return apperr.Classify("load", err)
	}
	// fn may prompt between requests; the HTTP client timeout bounds each call.
	return fn(cmd.Context(), a)
}

func newSignupCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			email, err := promptOptional("Email (optional)")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			return run(cmd, flags, false, func(ctx context.Context, a *app) error {
				user, err := a.session.Signup(ctx, username, email, password)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Welcome, %s. Balance %s.", user.Username, view.FormatUSD(user.Balance)))
				return nil
			})
		},
	}
}

func newLoginCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		RunE: func(cmd *cobra.Command, args []string) error {
			username, err := promptRequired("Username")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			return run(cmd, flags, false, func(ctx context.Context, a *app) error {
				user, err := a.session.Login(ctx, username, password)
				if err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Signed in as %s.", user.Username))
				return nil
			})
		},
	}
}

func newLogoutCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, false, func(ctx context.Context, a *app) error {
				a.session.Logout(ctx)
				if err := settlement.ClearSession(a.cfg.StateDir); err != nil {
					return err
				}
				printSuccess("Logged out.")
				return nil
			})
		},
	}
}

func newWhoamiCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, false, func(ctx context.Context, a *app) error {
				user, err := a.requireUser()
				if err != nil {
					return err
				}
				role := "member"
				if user.IsStaff {
					role = "staff"
				}
				accent.Println(user.Username)
				fmt.Printf("Role:     %s\n", role)
				if user.Email != "" {
					fmt.Printf("Email:    %s\n", user.Email)
				}
				fmt.Printf("Balance:  %s\n", view.FormatUSD(user.Balance))
				return nil
			})
		},
	}
}

func newMarketsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "markets [slug]",
		Short: "List markets or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				var userPtr *market.User
				if user, ok := a.session.Current(); ok {
					userPtr = &user
				}
				if len(args) == 0 {
					renderFeed(view.Feed(userPtr, a.catalog.Snapshot()))
					return nil
				}
				m, ok := a.catalog.Get(args[0])
				if !ok {
					return apperr.Conflict("markets", fmt.Sprintf("market %s no longer exists", args[0]))
				}
				renderCard(view.Card(userPtr, m))
				return nil
			})
		},
	}
}

func newTradeCmd(flags *globalFlags) *cobra.Command {
	var outcomeFlag, amountFlag string
	cmd := &cobra.Command{
		Use:   "trade <slug>",
		Short: "Buy shares of an outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if _, err := a.requireUser(); err != nil {
					return err
				}
				if err := a.focus.OpenTrade(args[0]); err != nil {
					return err
				}
				defer a.focus.Close()
				st := a.focus.Snapshot()
				outcome, err := pickOutcome(st.Market, outcomeFlag)
				if err != nil {
					return err
				}
				amount := amountFlag
				if amount == "" {
					if amount, err = promptRequired("Amount"); err != nil {
						return err
					}
				}
				_, err = a.focus.SubmitTrade(ctx, outcome.ID, amount)
				return a.settle(err)
			})
		},
	}
	cmd.Flags().StringVar(&outcomeFlag, "outcome", "", "outcome name or id")
	cmd.Flags().StringVar(&amountFlag, "amount", "", "amount to spend")
	return cmd
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <slug> [outcome]",
		Short: "Settle a market on its winning outcome",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if _, err := a.requireUser(); err != nil {
					return err
				}
				m, ok := a.catalog.Get(args[0])
				if !ok {
					return a.focus.AskResolve(args[0], 0)
				}
				raw := ""
				if len(args) == 2 {
					raw = args[1]
				}
				outcome, err := pickOutcome(m, raw)
				if err != nil {
					return err
				}
				if err := a.focus.AskResolve(m.Slug, outcome.ID); err != nil {
					return err
				}
				defer a.focus.Close()
				ok, err = confirm(fmt.Sprintf("Resolve %q as %s? This cannot be undone", m.Title, outcome.Name), flags.yes)
				if err != nil || !ok {
					return err
				}
				return a.settle(a.focus.ConfirmResolve(ctx))
			})
		},
	}
}

func newRedeemCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "redeem <slug>",
		Short: "Collect winnings from a resolved market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				payout, err := a.disp.Redeem(ctx, args[0])
				if err != nil {
					return err
				}
				if payout.Amount.IsPositive() {
					printSuccess(fmt.Sprintf("Redeemed %s.", view.FormatUSD(payout.Amount)))
				} else {
					printWarn("Nothing to redeem.")
				}
				if payout.Message != "" {
					printInfo(payout.Message)
				}
				return nil
			})
		},
	}
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <slug>",
		Short: "Open a draft market for trading",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if err := a.focus.AskPublish(args[0]); err != nil {
					return err
				}
				defer a.focus.Close()
				ok, err := confirm(fmt.Sprintf("Publish %s", args[0]), flags.yes)
				if err != nil || !ok {
					return err
				}
				_, err = a.focus.ConfirmPublish(ctx)
				return a.settle(err)
			})
		},
	}
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slug>",
		Short: "Delete a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if err := a.focus.AskDelete(args[0]); err != nil {
					return err
				}
				defer a.focus.Close()
				ok, err := confirm(fmt.Sprintf("Delete %s permanently", args[0]), flags.yes)
				if err != nil || !ok {
					return err
				}
				return a.settle(a.focus.ConfirmDelete(ctx))
			})
		},
	}
}

type formFlags struct {
	title       string
	slug        string
	description string
	status      string
}

func (f *formFlags) bind(cmd *cobra.Command, withSlug bool) {
	cmd.Flags().StringVar(&f.title, "title", "", "market title")
	if withSlug {
		cmd.Flags().StringVar(&f.slug, "slug", "", "url slug")
	}
	cmd.Flags().StringVar(&f.description, "description", "", "market description")
	cmd.Flags().StringVar(&f.status, "status", "", "draft, open, closed")
}

// fill prompts for every field not given as a flag, offering base as the
// default.
func (f *formFlags) fill(cmd *cobra.Command, base market.MarketForm, askSlug bool) (market.MarketForm, error) {
	form := base
	var err error
	ask := func(name, label string, dst *string, value string) {
		if err != nil {
			return
		}
		if cmd.Flags().Changed(name) {
			*dst = value
			return
		}
		if *dst == "" && name == "title" {
			*dst, err = promptRequired(label)
			return
		}
		*dst, err = promptDefault(label, *dst)
	}
	ask("title", "Title", &form.Title, f.title)
	if askSlug {
		ask("slug", "Slug", &form.Slug, f.slug)
	}
	ask("description", "Description", &form.Description, f.description)
	status := string(form.Status)
	ask("status", "Status", &status, f.status)
	form.Status = market.Status(strings.ToLower(strings.TrimSpace(status)))
	return form, err
}

func newCreateCmd(flags *globalFlags) *cobra.Command {
	ff := &formFlags{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a market",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if _, err := a.requireUser(); err != nil {
					return err
				}
				if err := a.focus.OpenEdit(""); err != nil {
					return err
				}
				defer a.focus.Close()
				form, err := ff.fill(cmd, market.MarketForm{Status: market.StatusDraft}, true)
				if err != nil {
					return err
				}
				_, err = a.focus.SubmitEdit(ctx, form)
				return a.settle(err)
			})
		},
	}
	ff.bind(cmd, true)
	return cmd
}

func newEditCmd(flags *globalFlags) *cobra.Command {
	ff := &formFlags{}
	cmd := &cobra.Command{
		Use:   "edit <slug>",
		Short: "Edit a market's title, description or status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if _, err := a.requireUser(); err != nil {
					return err
				}
				if err := a.focus.OpenEdit(args[0]); err != nil {
					return err
				}
				defer a.focus.Close()
				form, err := ff.fill(cmd, a.focus.Snapshot().Market.Form(), false)
				if err != nil {
					return err
				}
				_, err = a.focus.SubmitEdit(ctx, form)
				return a.settle(err)
			})
		},
	}
	ff.bind(cmd, false)
	return cmd
}

func newLedgerCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ledger <slug>",
		Short: "Show the positions held in a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				epoch, err := a.focus.OpenLedger(args[0])
				if err != nil {
					return err
				}
				defer a.focus.Close()
				if err := a.focus.LoadLedger(ctx, epoch); err != nil {
					return err
				}
				st := a.focus.Snapshot()
				renderLedger(args[0], st.Ledger, st.TotalBettors)
				return nil
			})
		},
	}
}

func newCommentsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments <slug>",
		Short: "Show the discussion on a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				epoch, err := a.focus.OpenComments(args[0])
				if err != nil {
					return err
				}
				defer a.focus.Close()
				if err := a.focus.LoadComments(ctx, epoch); err != nil {
					return err
				}
				renderComments(args[0], a.focus.Snapshot().Comments)
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "post <slug> [text]",
		Short: "Post a comment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if strings.TrimSpace(text) == "" {
				var err error
				if text, err = promptRequired("Comment"); err != nil {
					return err
				}
			}
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				if _, err := a.requireUser(); err != nil {
					return err
				}
				if _, err := a.focus.OpenComments(args[0]); err != nil {
					return err
				}
				defer a.focus.Close()
				if _, err := a.focus.PostComment(ctx, text); err != nil {
					return a.settle(err)
				}
				printSuccess("Comment posted.")
				return nil
			})
		},
	})
	return cmd
}

func newDashCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Show balance, positions and net worth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, false, func(ctx context.Context, a *app) error {
				p, err := a.disp.FetchPortfolio(ctx)
				if err != nil {
					return err
				}
				user, err := a.requireUser()
				if err != nil {
					return err
				}
				renderDashboard(view.Dashboard(user, p))
				return nil
			})
		},
	}
}

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show actions confirmed from this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			entries, err := a.journal.Recent(limit)
			if err != nil {
				return err
			}
			renderHistory(entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "entries to show")
	return cmd
}

func newWatchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the feed and print what changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			prev, err := a.catalog.LoadAll(ctx)
			if err != nil {
				return apperr.Classify("watch", err)
			}
			renderFeed(view.Feed(nil, prev))
			faint.Printf("Watching every %s. Ctrl+C to stop.\n", a.cfg.WatchEvery.Duration)

			ticker := time.NewTicker(a.cfg.WatchEvery.Duration)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					next, err := a.catalog.LoadAll(ctx)
					if err != nil {
						if ctx.Err() != nil {
							return nil
						}
						a.log.Warn("watch refresh failed", "err", err)
						printWarn("refresh failed: " + apperr.Classify("watch", err).Error())
						continue
					}
					if changes := view.Diff(prev, next); len(changes) > 0 {
						faint.Println(time.Now().Format("15:04:05"))
						renderChanges(changes)
					}
					prev = next
				}
			}
		},
	}
}

func newShareCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "share <slug>",
		Short: "Print a link and QR code for a market",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, true, func(ctx context.Context, a *app) error {
				m, ok := a.catalog.Get(args[0])
				if !ok {
					return apperr.Conflict("share", fmt.Sprintf("market %s no longer exists", args[0]))
				}
				link := a.cfg.ShareBaseURL + "/" + m.Slug
				accent.Println(m.Title)
				fmt.Println(link)
				qrterminal.GenerateHalfBlock(link, qrterminal.L, os.Stdout)
				return nil
			})
		},
	}
}

func newTUICmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive market browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			boot, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Duration)
			defer cancel()
			a.restoreSession(boot)
			return tui.Run(ctx, tui.New(ctx, a.catalog, a.session, a.disp, a.focus, a.log))
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			cfg := a.cfg
			if cfg.DiscordWebhookURL != "" {
				cfg.DiscordWebhookURL = "********"
			}
			pretty.Println(cfg)
			return nil
		},
	}
}

// pickOutcome matches raw against outcome names (case-insensitive) or ids,
// prompting when raw is empty.
func pickOutcome(m market.Market, raw string) (market.Outcome, error) {
	if len(m.Outcomes) == 0 {
		return market.Outcome{}, apperr.InvalidField("trade", "outcome_id", errors.New("market has no outcomes"))
	}
	if strings.TrimSpace(raw) == "" {
		names := make([]string, 0, len(m.Outcomes))
		for _, o := range m.Outcomes {
			names = append(names, o.Name)
		}
		picked, err := promptChoice("Outcome", names, names[0])
		if err != nil {
			return market.Outcome{}, err
		}
		raw = picked
	}
	raw = strings.TrimSpace(raw)
	for _, o := range m.Outcomes {
		if strings.EqualFold(o.Name, raw) {
			return o, nil
		}
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if o, ok := m.Outcome(id); ok {
			return o, nil
		}
	}
	return market.Outcome{}, apperr.InvalidField("trade", "outcome_id", fmt.Errorf("unknown outcome %q", raw))
}
