package market

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gopkg.in/validator.v2"
)

const (
	MaxCommentLength = 1000
	MaxTitleLength   = 200
	PriceDecimals    = 2
)

var MinTradeAmount = decimal.New(10, -2)

var (
	ErrInvalidSlug        = errors.New("slug may only contain letters, numbers, hyphens and underscores")
	ErrTitleRequired      = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title must be at most 200 characters")
	ErrInvalidStatus      = errors.New("unknown market status")
	ErrIllegalTransition  = errors.New("market status cannot move backwards")
	ErrSlugImmutable      = errors.New("slug cannot be changed once created")
	ErrInvalidAmount      = errors.New("amount must be a positive number with at most 2 decimals")
	ErrAmountTooSmall     = errors.New("amount must be at least 0.10")
	ErrEmptyComment       = errors.New("comment cannot be empty")
	ErrCommentTooLong     = errors.New("comment must be at most 1000 characters")
	ErrUsernameRequired   = errors.New("username is required")
	ErrPasswordRequired   = errors.New("password is required")
	ErrCreateStatusDenied = errors.New("new markets start as draft or open")
)

// FieldError ties a validation failure to the form field that caused it.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusOpen, StatusClosed, StatusResolved:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusDraft:
		return 0
	case StatusOpen:
		return 1
	case StatusClosed:
		return 2
	case StatusResolved:
		return 3
	}
	return -1
}

// CanTransition reports whether a market may move from one status to another.
// Staying put is allowed so that edits which leave the status alone pass.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusDraft {
		return to == StatusOpen
	}
	return to.rank() > from.rank()
}

func ValidateSlug(slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" || len(slug) > MaxTitleLength {
		return ErrInvalidSlug
	}
	for _, r := range slug {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ErrInvalidSlug
		}
	}
	return nil
}

// Normalize trims the free-text fields and defaults an empty status to draft.
func (f MarketForm) Normalize() MarketForm {
	f.Title = strings.TrimSpace(f.Title)
	f.Slug = strings.TrimSpace(f.Slug)
	f.Description = strings.TrimSpace(f.Description)
	if f.Status == "" {
		f.Status = StatusDraft
	}
	return f
}

// Validate checks field shapes only; status transition rules need the current
// market and live in ValidateUpdate.
func (f MarketForm) Validate() error {
	f = f.Normalize()
	if err := validator.Validate(f); err != nil {
		var errs validator.ErrorMap
		if errors.As(err, &errs) {
			if _, ok := errs["Title"]; ok {
				if f.Title == "" {
					return &FieldError{Field: "title", Err: ErrTitleRequired}
				}
				return &FieldError{Field: "title", Err: ErrTitleTooLong}
			}
			if _, ok := errs["Slug"]; ok {
				return &FieldError{Field: "slug", Err: ErrInvalidSlug}
			}
		}
		return &FieldError{Field: "form", Err: err}
	}
	if !f.Status.Valid() {
		return &FieldError{Field: "status", Err: ErrInvalidStatus}
	}
	return nil
}

func (f MarketForm) ValidateCreate() error {
	if err := f.Validate(); err != nil {
		return err
	}
	switch f.Normalize().Status {
	case StatusDraft, StatusOpen:
		return nil
	}
	return &FieldError{Field: "status", Err: ErrCreateStatusDenied}
}

func (f MarketForm) ValidateUpdate(current Market) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f = f.Normalize()
	if f.Slug != current.Slug {
		return &FieldError{Field: "slug", Err: ErrSlugImmutable}
	}
	if !CanTransition(current.Status, f.Status) {
		return &FieldError{Field: "status", Err: ErrIllegalTransition}
	}
	return nil
}

// ParseAmount parses a user-entered USD amount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$"))
	if raw == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(PriceDecimals)) {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.LessThan(MinTradeAmount) {
		return decimal.Zero, ErrAmountTooSmall
	}
	return amount, nil
}

// ValidateComment returns the trimmed comment text.
func ValidateComment(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyComment
	}
	if utf8.RuneCountInString(text) > MaxCommentLength {
		return "", ErrCommentTooLong
	}
	return text, nil
}

func ValidateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" {
		return &FieldError{Field: "username", Err: ErrUsernameRequired}
	}
	if password == "" {
		return &FieldError{Field: "password", Err: ErrPasswordRequired}
	}
	return nil
}
