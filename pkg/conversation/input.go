package conversation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "02.01.2006"

var (
	errInvalidPrice  = errors.New("invalid price")
	errNegativePrice = errors.New("negative price")
	errInvalidDate   = errors.New("invalid date")
	errDateInPast    = errors.New("date in past")
	errEmptyName     = errors.New("empty name")
	errInvalidPeriod = errors.New("invalid renewal period")
)

const maxNameLength = 64

// parseName validates a subscription name.
func parseName(text string) (string, error) {
	name := strings.TrimSpace(text)
	if name == "" {
		return "", errEmptyName
	}
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}
	return name, nil
}

// parsePrice accepts "9.99" and "9,99" and returns the amount formatted with
// two decimals.
func parsePrice(text string) (string, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(text), ",", ".")
	if normalized == "" {
		return "", errInvalidPrice
	}

	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return "", errInvalidPrice
	}
	if value < 0 {
		return "", errNegativePrice
	}

	return strconv.FormatFloat(value, 'f', 2, 64), nil
}

// parsePaymentDate accepts dd.mm.yyyy dates that are not before the day of now.
func parsePaymentDate(text string, now time.Time) (time.Time, error) {
	date, err := time.Parse(dateLayout, strings.TrimSpace(text))
	if err != nil {
		return time.Time{}, errInvalidDate
	}

	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if date.Before(today) {
		return time.Time{}, errDateInPast
	}

	return date, nil
}

// parsePeriodMonths accepts a whole number of months between 1 and 120.
func parsePeriodMonths(text string) (int, error) {
	months, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || months < 1 || months > maxRenewalMonths {
		return 0, errInvalidPeriod
	}
	return months, nil
}
