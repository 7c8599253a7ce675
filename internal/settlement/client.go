package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"pottsmarket/internal/market"

	"github.com/shopspring/decimal"
	"golang.org/x/net/publicsuffix"
)

// APIError is a non-2xx answer from the settlement service.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.Status)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with a non-nil options value.
		panic(err)
	}
	return jar
}

func NewClient(baseURL string, timeout time.Duration, jar http.CookieJar) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if jar == nil {
		jar = NewJar()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

type tradeResponse struct {
	Status string               `json:"status"`
	Trade  *market.TradeReceipt `json:"trade"`
}

type commentsResponse struct {
	Comments []market.Comment `json:"comments"`
}

func (c *Client) Me(ctx context.Context) (market.User, error) {
	var out market.User
	err := c.jsonRequest(ctx, http.MethodGet, "/auth/me/", nil, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, username, password string) (market.User, error) {
	var out market.User
	err := c.jsonRequest(ctx, http.MethodPost, "/auth/login/", map[string]any{
		"username": username,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Signup(ctx context.Context, username, email, password string) (market.User, error) {
	var out market.User
	err := c.jsonRequest(ctx, http.MethodPost, "/auth/signup/", map[string]any{
		"username": username,
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Logout(ctx context.Context) error {
	return c.jsonRequest(ctx, http.MethodPost, "/auth/logout/", nil, nil, "")
}

func (c *Client) ListMarkets(ctx context.Context) ([]market.Market, error) {
	var out []market.Market
	err := c.jsonRequest(ctx, http.MethodGet, "/markets/", nil, &out, "")
	return out, err
}

func (c *Client) CreateMarket(ctx context.Context, form market.MarketForm, idem string) (market.Market, error) {
	var out market.Market
	err := c.jsonRequest(ctx, http.MethodPost, "/markets/", form, &out, idem)
	return out, err
}

func (c *Client) UpdateMarket(ctx context.Context, slug string, form market.MarketForm, idem string) (market.Market, error) {
	var out market.Market
	err := c.jsonRequest(ctx, http.MethodPut, marketPath(slug, ""), form, &out, idem)
	return out, err
}

func (c *Client) DeleteMarket(ctx context.Context, slug, idem string) error {
	return c.jsonRequest(ctx, http.MethodDelete, marketPath(slug, "delete/"), nil, nil, idem)
}

func (c *Client) Trade(ctx context.Context, slug string, outcomeID int64, amount decimal.Decimal, idem string) (market.TradeReceipt, error) {
	var out tradeResponse
	err := c.jsonRequest(ctx, http.MethodPost, marketPath(slug, "trade/"), map[string]any{
		"outcome_id": outcomeID,
		"amount":     amount,
	}, &out, idem)
	if err != nil {
		return market.TradeReceipt{}, err
	}
	if out.Trade == nil {
		return market.TradeReceipt{}, fmt.Errorf("decode trade receipt: missing trade")
	}
	return *out.Trade, nil
}

func (c *Client) Resolve(ctx context.Context, slug string, outcomeID int64, idem string) error {
	return c.jsonRequest(ctx, http.MethodPost, marketPath(slug, "resolve/"), map[string]any{
		"outcome_id": outcomeID,
	}, nil, idem)
}

func (c *Client) Redeem(ctx context.Context, slug, idem string) (market.Payout, error) {
	var out market.Payout
	err := c.jsonRequest(ctx, http.MethodPost, marketPath(slug, "redeem/"), map[string]any{}, &out, idem)
	return out, err
}

func (c *Client) Ledger(ctx context.Context, slug string) (market.Ledger, error) {
	var out market.Ledger
	err := c.jsonRequest(ctx, http.MethodGet, marketPath(slug, "ledger/"), nil, &out, "")
	return out, err
}

func (c *Client) Comments(ctx context.Context, slug string) ([]market.Comment, error) {
	var out commentsResponse
	err := c.jsonRequest(ctx, http.MethodGet, marketPath(slug, "comments/"), nil, &out, "")
	return out.Comments, err
}

func (c *Client) PostComment(ctx context.Context, slug, text, idem string) (market.Comment, error) {
	var out market.Comment
	err := c.jsonRequest(ctx, http.MethodPost, marketPath(slug, "comments/"), map[string]any{
		"text": text,
	}, &out, idem)
	return out, err
}

func (c *Client) Portfolio(ctx context.Context) (market.Portfolio, error) {
	var out market.Portfolio
	err := c.jsonRequest(ctx, http.MethodGet, "/portfolio/", nil, &out, "")
	return out, err
}

func marketPath(slug, suffix string) string {
	return "/markets/" + url.PathEscape(slug) + "/" + suffix
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return parseAPIError(resp.StatusCode, raw)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func parseAPIError(status int, raw []byte) *APIError {
	out := &APIError{Status: status}
	var payload struct {
		Error  string                     `json:"error"`
		Errors map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		out.Message = strings.TrimSpace(string(raw))
		return out
	}
	out.Message = strings.TrimSpace(payload.Error)
	if len(payload.Errors) == 0 {
		return out
	}
	out.Fields = make(map[string]string, len(payload.Errors))
	keys := make([]string, 0, len(payload.Errors))
	for field, msg := range payload.Errors {
		out.Fields[field] = fieldMessage(msg)
		keys = append(keys, field)
	}
	if out.Message == "" {
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, out.Fields[k])
		}
		out.Message = strings.Join(parts, " ")
	}
	return out
}

// fieldMessage accepts either "msg" or ["msg", ...].
func fieldMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.TrimSpace(strings.Join(list, " "))
	}
	return strings.TrimSpace(string(raw))
}
