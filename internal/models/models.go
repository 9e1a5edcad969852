package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type Account struct {
	UserID          int64     `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	Balance         int       `json:"balance"`
	Blocked         bool      `json:"blocked"`
	PreferredWidth  *int      `json:"preferred_width,omitempty"`
	PreferredHeight *int      `json:"preferred_height,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// Dimensions returns the preferred size, or the default when none is stored.
func (a Account) Dimensions() Dimensions {
	if a.PreferredWidth == nil || a.PreferredHeight == nil {
		return DefaultDimensions
	}
	return Dimensions{Width: *a.PreferredWidth, Height: *a.PreferredHeight}
}

type Coupon struct {
	Code        string     `json:"code"`
	CreditValue int        `json:"credit_value"`
	MaxUses     int        `json:"max_uses"`
	UsedCount   int        `json:"used_count"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	CreatedBy   *int64     `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c Coupon) Remaining() int {
	return c.MaxUses - c.UsedCount
}

func (c Coupon) Expired(now time.Time) bool {
	return c.ValidUntil != nil && !c.ValidUntil.After(now)
}

func (c Coupon) Redeemable(now time.Time) bool {
	return c.UsedCount < c.MaxUses && !c.Expired(now)
}

// NormalizeCouponCode is applied on both creation and redemption.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type CouponRedemption struct {
	Code      string    `json:"code"`
	UserID    int64     `json:"user_id"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
}

type UsageRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Prompt       string    `json:"prompt"`
	RequestToken string    `json:"request_token"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	CreatedAt    time.Time `json:"created_at"`
}

type ReservationStatus string

const (
	// ReservationPending holds a debited credit awaiting the inference outcome.
	ReservationPending ReservationStatus = "pending"
	// ReservationCommitted is a final debit whose usage row is not yet written.
	ReservationCommitted ReservationStatus = "committed"
)

type Reservation struct {
	Token     string            `json:"token"`
	UserID    int64             `json:"user_id"`
	Prompt    string            `json:"prompt"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Status    ReservationStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

type Stats struct {
	Accounts       int `json:"accounts"`
	Blocked        int `json:"blocked"`
	TotalCredits   int `json:"total_credits"`
	Generations    int `json:"generations"`
	Generations24h int `json:"generations_24h"`
	Coupons        int `json:"coupons"`
	Pending        int `json:"pending_reservations"`
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

var DefaultDimensions = Dimensions{Width: 1024, Height: 1024}

// SupportedDimensions is the provider's list of accepted output sizes.
var SupportedDimensions = []Dimensions{
	{640, 1536},
	{768, 1344},
	{832, 1216},
	{896, 1152},
	{1024, 1024},
	{1152, 896},
	{1216, 832},
	{1344, 768},
	{1536, 640},
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

func (d Dimensions) IsZero() bool {
	return d.Width == 0 && d.Height == 0
}

func (d Dimensions) Supported() bool {
	for _, s := range SupportedDimensions {
		if s == d {
			return true
		}
	}
	return false
}

// ParseDimensions parses "WIDTHxHEIGHT".
func ParseDimensions(s string) (Dimensions, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Dimensions{}, fmt.Errorf("invalid size %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Dimensions{}, fmt.Errorf("invalid width in %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Dimensions{}, fmt.Errorf("invalid height in %q: %w", s, err)
	}
	return Dimensions{Width: width, Height: height}, nil
}
