package validator

import (
	"errors"
	"regexp"
	"strings"

	"coinledger/internal/models"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidKind     = errors.New("kind must be video_call, voice_call or ai_session")
	ErrInvalidRate     = errors.New("rate must be between 1 and 10000 coins per minute")
	ErrInvalidMinimum  = errors.New("minimum_minutes must be between 1 and 120")
	ErrInvalidTier     = errors.New("tier needs a name, a positive price and a period of 1 to 366 days")
)

const (
	maxRate        = 10000
	maxMinimum     = 120
	maxPeriodDays  = 366
	maxTierNameLen = 64
)

var (
	emailRegex    = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]{3,30}$`)
)

func ValidateEmail(email string) error {
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

func ValidateUsername(username string) error {
	if !usernameRegex.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

func ValidatePassword(password string) error {
	if len(password) < 8 {
		return ErrInvalidPassword
	}
	return nil
}

func ValidateKind(raw string) (models.SessionKind, error) {
	kind := models.SessionKind(strings.TrimSpace(raw))
	if !kind.Valid() {
		return "", ErrInvalidKind
	}
	return kind, nil
}

// ValidateSettings checks every rate a creator has enabled. Disabled kinds may
// carry any non-negative rate.
func ValidateSettings(settings models.CreatorSettings) error {
	rates := []struct {
		enabled bool
		rate    int64
	}{
		{settings.VideoCallEnabled, settings.VideoCallRate},
		{settings.VoiceCallEnabled, settings.VoiceCallRate},
		{settings.AISessionEnabled, settings.AISessionRate},
	}
	for _, r := range rates {
		if r.rate < 0 || r.rate > maxRate || (r.enabled && r.rate == 0) {
			return ErrInvalidRate
		}
	}
	if settings.MinimumMinutes < 1 || settings.MinimumMinutes > maxMinimum {
		return ErrInvalidMinimum
	}
	return nil
}

func ValidateTier(tier models.SubscriptionTier) error {
	name := strings.TrimSpace(tier.Name)
	if name == "" || len(name) > maxTierNameLen || tier.Price <= 0 || tier.PeriodDays < 1 || tier.PeriodDays > maxPeriodDays {
		return ErrInvalidTier
	}
	return nil
}
