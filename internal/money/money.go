package money

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrFractionalCoins = errors.New("coins cannot be fractional")
	ErrInvalidPercent  = errors.New("percent must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// ParseCoins parses a whole, positive coin amount such as "125" or "+125".
func ParseCoins(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	if trimmed[0] == '+' {
		trimmed = trimmed[1:]
	}
	if strings.Contains(trimmed, ".") {
		return 0, ErrFractionalCoins
	}
	if trimmed == "" || !isDigits(trimmed) {
		return 0, ErrInvalidAmount
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return 0, ErrInvalidAmount
	}
	return value, nil
}

// CeilMinutes converts elapsed seconds to billable minutes, rounding any partial
// minute up. Non-positive durations bill nothing.
func CeilMinutes(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return (seconds + 59) / 60
}

// ParsePercent parses a fee percentage like "20" or "12.5".
func ParsePercent(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, ErrInvalidPercent
	}
	if value.IsNegative() || value.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercent
	}
	return value, nil
}

// PlatformFee is floor(amount * percent / 100). It is always computed from the
// amount actually charged.
func PlatformFee(amount int64, percent decimal.Decimal) int64 {
	if amount <= 0 || percent.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(percent).Div(hundred).Floor().IntPart()
}

// Split divides a charged amount into the payee's share and the platform fee.
func Split(amount int64, percent decimal.Decimal) (payee, fee int64) {
	fee = PlatformFee(amount, percent)
	return amount - fee, fee
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
