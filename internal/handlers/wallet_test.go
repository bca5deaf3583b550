package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"coinledger/internal/models"
	"coinledger/internal/services"
	"coinledger/internal/store"
)

func TestGetWalletReportsAvailable(t *testing.T) {
	handler := newTestHandler(testDeps{
		wallets: stubWalletService{
			walletFn: func(_ context.Context, userID string) (models.Wallet, error) {
				return models.Wallet{UserID: userID, Balance: 300, HeldBalance: 125}, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodGet, "/wallet", "", "fan-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload walletResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Available != 175 || payload.HeldBalance != 125 {
		t.Fatalf("unexpected wallet %+v", payload)
	}
}

func TestAvailableBalance(t *testing.T) {
	handler := newTestHandler(testDeps{
		holds: stubHoldService{
			availableFn: func(_ context.Context, userID string) (int64, error) {
				if userID == "ghost" {
					return 0, services.ErrWalletNotFound
				}
				return 420, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodGet, "/wallet/available", "", "fan-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["available"] != float64(420) {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr = serve(t, handler, http.MethodGet, "/wallet/available", "", "ghost")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestSelfCheck(t *testing.T) {
	handler := newTestHandler(testDeps{
		transactions: stubTransactionStore{
			checkUserFn: func(_ context.Context, userID string) (store.BalanceCheck, error) {
				if userID == "ghost" {
					return store.BalanceCheck{}, sql.ErrNoRows
				}
				return store.BalanceCheck{UserID: userID, StoredBalance: 100, LedgerSum: 100, HeldBalance: 20, ActiveHoldsSum: 20}, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodGet, "/wallet/self-check", "", "fan-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"consistent":true`) {
		t.Fatalf("expected consistent wallet, got %s", rr.Body.String())
	}
	if rr := serve(t, handler, http.MethodGet, "/wallet/self-check", "", "ghost"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestListTransactionsInlinesMetadata(t *testing.T) {
	var gotType models.TransactionType
	handler := newTestHandler(testDeps{
		transactions: stubTransactionStore{
			listByUserFn: func(_ context.Context, _ string, txType models.TransactionType, _, _ int) ([]models.Transaction, error) {
				gotType = txType
				return []models.Transaction{{
					ID:       "tx-1",
					Amount:   -25,
					Type:     models.TxTipSent,
					Metadata: `{"message":"thanks"}`,
				}}, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodGet, "/wallet/transactions?type=tip_sent", "", "fan-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if gotType != models.TxTipSent {
		t.Fatalf("expected type filter, got %q", gotType)
	}
	var rows []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	metadata, ok := rows[0]["metadata"].(map[string]any)
	if !ok || metadata["message"] != "thanks" {
		t.Fatalf("expected inlined metadata, got %v", rows[0]["metadata"])
	}
}

func TestTipByUsername(t *testing.T) {
	var got services.TipRequest
	handler := newTestHandler(testDeps{
		users: stubUserStore{
			getByUsernameFn: func(context.Context, string) (models.User, error) {
				return models.User{ID: "creator-1"}, nil
			},
		},
		wallets: stubWalletService{
			tipFn: func(_ context.Context, req services.TipRequest) (services.TransferResult, error) {
				got = req
				return services.TransferResult{TransactionID: "tx-1"}, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodPost, "/tips", `{"to_username":"creator","amount":"25","message":"great stream","client_request_id":"tip-1"}`, "fan-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.FromUserID != "fan-1" || got.ToUserID != "creator-1" || got.Amount != 25 || got.Message != "great stream" {
		t.Fatalf("unexpected tip request %+v", got)
	}
}

func TestTipReplayReturnsOK(t *testing.T) {
	handler := newTestHandler(testDeps{
		wallets: stubWalletService{
			tipFn: func(context.Context, services.TipRequest) (services.TransferResult, error) {
				return services.TransferResult{Replayed: true}, nil
			},
		},
	})
	rr := serve(t, handler, http.MethodPost, "/tips", `{"to_user_id":"creator-1","amount":"25","client_request_id":"tip-1"}`, "fan-1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestTipValidation(t *testing.T) {
	handler := newTestHandler(testDeps{
		users: stubUserStore{
			getByUsernameFn: func(context.Context, string) (models.User, error) {
				return models.User{}, sql.ErrNoRows
			},
		},
	})
	cases := []struct {
		body string
		code int
	}{
		{`{"to_user_id":"creator-1","amount":"0"}`, http.StatusBadRequest},
		{`{"to_user_id":"creator-1","amount":"2.5"}`, http.StatusBadRequest},
		{`{"amount":"10"}`, http.StatusBadRequest},
		{`{"to_user_id":"creator-1","amount":"10","message":"` + strings.Repeat("x", 281) + `"}`, http.StatusBadRequest},
		{`{"to_username":"nobody","amount":"10"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		if rr := serve(t, handler, http.MethodPost, "/tips", tc.body, "fan-1"); rr.Code != tc.code {
			t.Fatalf("expected %d for %s, got %d", tc.code, tc.body, rr.Code)
		}
	}
}

func TestTipInsufficientBalance(t *testing.T) {
	handler := newTestHandler(testDeps{
		wallets: stubWalletService{
			tipFn: func(context.Context, services.TipRequest) (services.TransferResult, error) {
				return services.TransferResult{}, &services.InsufficientBalanceError{Needed: 25, Available: 5}
			},
		},
	})
	rr := serve(t, handler, http.MethodPost, "/tips", `{"to_user_id":"creator-1","amount":"25"}`, "fan-1")
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
}
