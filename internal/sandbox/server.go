package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"pottsmarket/internal/market"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	SessionCookie = "sessionid"
	maxReplays    = 4096
)

type contextKey string

const userContextKey contextKey = "user"

type replay struct {
	status int
	body   []byte
}

type Server struct {
	log *slog.Logger
	x   *Exchange
	mux *chi.Mux

	inflight singleflight.Group
	replayMu sync.Mutex
	replays  map[string]replay
	order    []string
}

func New(x *Exchange, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		log:     logger,
		x:       x,
		mux:     chi.NewRouter(),
		replays: map[string]replay{},
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/auth/me/", s.handleMe)
		r.Post("/auth/login/", s.handleLogin)
		r.Post("/auth/signup/", s.handleSignup)
		r.Post("/auth/logout/", s.handleLogout)

		r.Get("/markets/", s.handleMarketList)
		r.Get("/markets/{slug}/", s.handleMarketDetail)
		r.Get("/markets/{slug}/ledger/", s.handleLedger)
		r.Get("/markets/{slug}/comments/", s.handleComments)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/markets/", s.handleCreateMarket)
			r.Put("/markets/{slug}/", s.handleUpdateMarket)
			r.Delete("/markets/{slug}/delete/", s.handleDeleteMarket)
			r.Post("/markets/{slug}/trade/", s.handleTrade)
			r.Post("/markets/{slug}/resolve/", s.handleResolve)
			r.Post("/markets/{slug}/redeem/", s.handleRedeem)
			r.Post("/markets/{slug}/comments/", s.handlePostComment)
			r.Get("/portfolio/", s.handlePortfolio)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.sessionUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) sessionUser(r *http.Request) (market.User, error) {
	ck, err := r.Cookie(SessionCookie)
	if err != nil || ck.Value == "" {
		return market.User{}, ErrNotAuthenticated
	}
	return s.x.UserForSession(ck.Value)
}

func userFromContext(ctx context.Context) market.User {
	user, _ := ctx.Value(userContextKey).(market.User)
	return user
}

func setSessionCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.sessionUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, sid, err := s.x.Login(in.Username, in.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	setSessionCookie(w, sid)
	s.log.Info("login", "username", user.Username)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, sid, err := s.x.Signup(in.Username, in.Email, in.Password, false)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	setSessionCookie(w, sid)
	s.log.Info("signup", "username", user.Username)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if ck, err := r.Cookie(SessionCookie); err == nil {
		s.x.Logout(ck.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged out"})
}

func (s *Server) handleMarketList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.x.Markets())
}

func (s *Server) handleMarketDetail(w http.ResponseWriter, r *http.Request) {
	m, err := s.x.Market(chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var form market.MarketForm
	if err := decodeJSON(r, &form); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.idempotent(w, r, user, func() (int, any, error) {
		m, err := s.x.CreateMarket(user, form)
		if err != nil {
			return 0, nil, err
		}
		s.log.Info("market created", "slug", m.Slug, "creator", user.Username)
		return http.StatusCreated, m, nil
	})
}

func (s *Server) handleUpdateMarket(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var form market.MarketForm
	if err := decodeJSON(r, &form); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		m, err := s.x.UpdateMarket(user, slug, form)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, m, nil
	})
}

func (s *Server) handleDeleteMarket(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		if err := s.x.DeleteMarket(user, slug); err != nil {
			return 0, nil, err
		}
		s.log.Info("market deleted", "slug", slug, "by", user.Username)
		return http.StatusNoContent, nil, nil
	})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var in struct {
		OutcomeID int64           `json:"outcome_id"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		receipt, err := s.x.Trade(user, slug, in.OutcomeID, in.Amount)
		if err != nil {
			return 0, nil, err
		}
		if m, err := s.x.Market(slug); err == nil {
			if o, ok := m.Outcome(in.OutcomeID); ok {
				tradesTotal.WithLabelValues(o.Name).Inc()
			}
		}
		s.log.Info("trade", "slug", slug, "username", user.Username, "amount", in.Amount.String(), "shares", receipt.SharesBought.String())
		return http.StatusOK, map[string]any{"status": "success", "trade": receipt}, nil
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var in struct {
		OutcomeID int64 `json:"outcome_id"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		if err := s.x.Resolve(user, slug, in.OutcomeID); err != nil {
			return 0, nil, err
		}
		s.log.Info("market resolved", "slug", slug, "outcome_id", in.OutcomeID)
		return http.StatusOK, map[string]any{"status": "resolved"}, nil
	})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		payout, err := s.x.Redeem(user, slug)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, payout, nil
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	ledger, err := s.x.Ledger(chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.x.Comments(chi.URLParam(r, "slug"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handlePostComment(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slug := chi.URLParam(r, "slug")
	s.idempotent(w, r, user, func() (int, any, error) {
		c, err := s.x.PostComment(user, slug, in.Text)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusCreated, c, nil
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	writeJSON(w, http.StatusOK, s.x.Portfolio(user))
}

// idempotent runs fn at most once per (user, Idempotency-Key) and replays the
// stored answer for repeats. Server errors are not stored.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, user market.User, fn func() (int, any, error)) {
	key := idempotencyKey(r)
	if key == "" {
		writeReplay(w, render(fn()))
		return
	}
	cacheKey := strings.ToLower(user.Username) + "\x00" + key
	s.replayMu.Lock()
	hit, ok := s.replays[cacheKey]
	s.replayMu.Unlock()
	if ok {
		writeReplay(w, hit)
		return
	}
	v, _, _ := s.inflight.Do(cacheKey, func() (any, error) {
		s.replayMu.Lock()
		if hit, ok := s.replays[cacheKey]; ok {
			s.replayMu.Unlock()
			return hit, nil
		}
		s.replayMu.Unlock()
		out := render(fn())
		if out.status < http.StatusInternalServerError {
			s.remember(cacheKey, out)
		}
		return out, nil
	})
	writeReplay(w, v.(replay))
}

func (s *Server) remember(key string, out replay) {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	s.replays[key] = out
	s.order = append(s.order, key)
	for len(s.order) > maxReplays {
		delete(s.replays, s.order[0])
		s.order = s.order[1:]
	}
}

func render(status int, payload any, err error) replay {
	if err != nil {
		status, payload = domainError(err)
	}
	if status == http.StatusNoContent || payload == nil {
		return replay{status: status}
	}
	var buf bytes.Buffer
	if encErr := json.NewEncoder(&buf).Encode(payload); encErr != nil {
		status, payload = http.StatusInternalServerError, map[string]any{"error": encErr.Error()}
		buf.Reset()
		_ = json.NewEncoder(&buf).Encode(payload)
	}
	return replay{status: status, body: buf.Bytes()}
}

func writeReplay(w http.ResponseWriter, out replay) {
	if out.body == nil {
		w.WriteHeader(out.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(out.status)
	_, _ = w.Write(out.body)
}

func domainError(err error) (int, any) {
	var fe *market.FieldError
	switch {
	case errors.As(err, &fe):
		return http.StatusBadRequest, map[string]any{"errors": map[string]string{fe.Field: fe.Err.Error()}}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorBody(err)
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorBody(err)
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, errorBody(err)
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized, errorBody(err)
	case errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrMarketNotOpen),
		errors.Is(err, ErrNotResolved),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInsufficientFunds):
		return http.StatusBadRequest, errorBody(err)
	default:
		return http.StatusInternalServerError, errorBody(err)
	}
}

func errorBody(err error) map[string]any {
	return map[string]any{"error": strings.TrimSpace(err.Error())}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, payload := domainError(err)
	writeJSON(w, status, payload)
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}
