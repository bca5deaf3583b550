package handlers

import (
	"errors"

	"coinledger/internal/money"
)

var errInvalidAmount = errors.New("invalid amount")

func parseCoins(raw string) (int64, error) {
	amount, err := money.ParseCoins(raw)
	if err != nil {
		return 0, errInvalidAmount
	}
	return amount, nil
}
