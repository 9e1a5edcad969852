package service

import (
	"errors"
	"fmt"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrBlocked                 = errors.New("account is blocked")
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrCouponNotFound          = errors.New("coupon not found")
	ErrCouponExpired           = errors.New("coupon expired")
	ErrCouponExhausted         = errors.New("coupon exhausted")
	ErrCouponAlreadyRedeemed   = errors.New("coupon already redeemed by this account")
	ErrDuplicateCouponCode     = errors.New("coupon code already exists")
	ErrInvalidCouponParameters = errors.New("invalid coupon parameters")
	ErrGenerationFailed        = errors.New("generation failed")
	ErrReservationNotFound     = errors.New("reservation not found")
	ErrEmptyPrompt             = errors.New("prompt cannot be empty")
	ErrInvalidDimensions       = errors.New("unsupported image dimensions")
	ErrForbidden               = errors.New("caller is not privileged")
)

// GenerationError reports a failed provider call whose reservation was
// released. It matches both ErrGenerationFailed and the underlying cause.
type GenerationError struct {
	Token string
	Cause error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (request %s): %v", e.Token, e.Cause)
}

func (e *GenerationError) Unwrap() []error {
	return []error{ErrGenerationFailed, e.Cause}
}

// UserMessage maps ledger errors to short text suitable for end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccountNotFound):
		return "Account not found. Send /start first."
	case errors.Is(err, ErrBlocked):
		return "Your account is blocked."
	case errors.Is(err, ErrInsufficientCredits):
		return "Insufficient credits! Wait for the daily reset or use /coupon."
	case errors.Is(err, ErrCouponNotFound):
		return "Invalid coupon code."
	case errors.Is(err, ErrCouponExpired):
		return "This coupon has expired."
	case errors.Is(err, ErrCouponExhausted):
		return "This coupon has no uses left."
	case errors.Is(err, ErrCouponAlreadyRedeemed):
		return "You have already redeemed this coupon."
	case errors.Is(err, ErrDuplicateCouponCode):
		return "A coupon with this code already exists."
	case errors.Is(err, ErrInvalidCouponParameters):
		return "Coupon code, credit value and max uses must be set and positive."
	case errors.Is(err, ErrEmptyPrompt):
		return "The prompt cannot be empty."
	case errors.Is(err, ErrInvalidDimensions):
		return "That image size is not supported."
	case errors.Is(err, ErrForbidden):
		return "Admin access required."
	case errors.Is(err, ErrGenerationFailed):
		return "Image generation failed. Your credit was not charged, please try again."
	case errors.Is(err, ErrReservationNotFound):
		return "That request is no longer active."
	default:
		return "Something went wrong, please try again later."
	}
}
