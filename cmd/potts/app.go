package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pottsmarket/internal/apperr"
	"pottsmarket/internal/catalog"
	"pottsmarket/internal/config"
	"pottsmarket/internal/dispatch"
	"pottsmarket/internal/focus"
	"pottsmarket/internal/journal"
	"pottsmarket/internal/market"
	"pottsmarket/internal/notify"
	"pottsmarket/internal/session"
	"pottsmarket/internal/settlement"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

// app holds the client-side components one command invocation needs.
type app struct {
	cfg     config.CLIConfig
	log     *slog.Logger
	api     *settlement.Client
	session *session.Store
	catalog *catalog.Cache
	journal *journal.Journal
	disp    *dispatch.Dispatcher
	focus   *focus.Coordinator
}

type globalFlags struct {
	configPath string
	apiBase    string
	yes        bool
}

func newApp(flags *globalFlags) (*app, error) {
	cfg, err := config.LoadCLI(flags.configPath)
	if err != nil {
		return nil, err
	}
	if base := strings.TrimRight(strings.TrimSpace(flags.apiBase), "/"); base != "" {
		cfg.APIBaseURL = base
	}
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	logger := newLogger(cfg)
	api := settlement.NewClient(cfg.APIBaseURL, cfg.RequestTimeout.Duration, nil)
	if saved, err := settlement.LoadSession(cfg.StateDir); err == nil {
		api.Import(saved)
	} else if !errors.Is(err, settlement.ErrNoSession) {
		logger.Warn("ignoring unreadable session", "err", err)
	}

	a := &app{
		cfg:     cfg,
		log:     logger,
		api:     api,
		session: session.New(api, logger),
		catalog: catalog.New(api, logger),
		journal: journal.New(cfg.StateDir),
	}
	a.session.OnChange(a.persistSession)

	opts := []dispatch.Option{dispatch.WithJournal(a.journal)}
	if cfg.DiscordWebhookURL != "" {
		sender, err := notify.NewDiscordSender(cfg.DiscordWebhookURL)
		if err != nil {
			return nil, fmt.Errorf("discord webhook: %w", err)
		}
		opts = append(opts, dispatch.WithNotifier(notify.New([]notify.Sender{sender}, nil, logger)))
	}
	a.disp = dispatch.New(api, a.catalog, a.session, logger, opts...)
	a.focus = focus.New(a.disp, a.session, a.catalog)
	return a, nil
}

func newLogger(cfg config.CLIConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	out := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.StateDir, "potts.log"),
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     14,
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func (a *app) persistSession(user market.User, signedIn bool) {
	if !signedIn {
		if err := settlement.ClearSession(a.cfg.StateDir); err != nil {
			a.log.Warn("clear session failed", "err", err)
		}
		return
	}
	if err := settlement.SaveSession(a.cfg.StateDir, a.api.Export(user.Username)); err != nil {
		a.log.Warn("save session failed", "err", err)
	}
}

// bootstrap restores the user and loads the catalog concurrently. A network
// failure on the identity read leaves the user signed out for this run; a
// rejected cookie also removes the saved session.
func (a *app) bootstrap(ctx context.Context, withCatalog bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.restoreSession(gctx)
		return nil
	})
	if withCatalog {
		g.Go(func() error {
			_, err := a.catalog.LoadAll(gctx)
			return err
		})
	}
	return g.Wait()
}

func (a *app) restoreSession(ctx context.Context) {
	_, ok, err := a.session.Refresh(ctx)
	switch {
	case err != nil:
		a.log.Warn("session refresh failed", "err", err)
	case !ok:
		// The saved cookie was rejected.
		if err := settlement.ClearSession(a.cfg.StateDir); err != nil {
			a.log.Warn("clear session failed", "err", err)
		}
	}
}

func (a *app) requireUser() (market.User, error) {
	user, ok := a.session.Current()
	if !ok {
		return market.User{}, &apperr.Error{Kind: apperr.KindAuthRequired, Op: "session", Message: "login required: run `potts login`"}
	}
	return user, nil
}

// settle turns the outcome of a focus action into terminal output.
func (a *app) settle(err error) error {
	st := a.focus.Snapshot()
	if err != nil {
		for field, msg := range st.FieldErrors {
			printWarn(fmt.Sprintf("%s: %s", field, msg))
		}
		return err
	}
	if st.Notice != "" {
		printSuccess(st.Notice)
		a.focus.DismissNotice()
	}
	return nil
}
