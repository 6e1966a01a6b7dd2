package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	ChargeStatusSuccess        ChargeStatus = "SUCCESS"
	ChargeStatusFailure        ChargeStatus = "FAILURE"
	ChargeStatusRequiresAction ChargeStatus = "REQUIRES_ACTION"
)

// ErrGatewayUnavailable is a transport-level failure (timeout, connection
// refused). It counts against the circuit breaker; business declines do not.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type ChargeResult struct {
	Status        ChargeStatus
	TransactionID string
	ResponseCode  string
	ErrorCode     string
	ErrorMessage  string
}

type RefundResult struct {
	RefundID string
}

// PaymentGateway abstracts the external card processor.
type PaymentGateway interface {
	Charge(ctx context.Context, token string, amount decimal.Decimal, currency string) (*ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error)
}

// Deterministic test tokens.
const (
	TokenSuccess      = "tok_success"
	TokenFail         = "tok_fail"
	TokenDeclined     = "tok_declined"
	Token3DSRequired  = "tok_3ds_required"
	TokenNetworkError = "tok_network_error"
)

// MockGateway maps the well-known tokens to fixed outcomes so flows are
// reproducible in tests and local runs.
type MockGateway struct{}

func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

func (g *MockGateway) Charge(ctx context.Context, token string, amount decimal.Decimal, currency string) (*ChargeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	switch token {
	case TokenSuccess:
		return &ChargeResult{
			Status:        ChargeStatusSuccess,
			TransactionID: fmt.Sprintf("txn_%s", uuid.NewString()),
			ResponseCode:  "00",
		}, nil
	case TokenFail:
		return &ChargeResult{
			Status:       ChargeStatusFailure,
			ErrorCode:    "PROCESSING_ERROR",
			ErrorMessage: "the gateway could not process the charge",
		}, nil
	case TokenDeclined:
		return &ChargeResult{
			Status:       ChargeStatusFailure,
			ErrorCode:    "CARD_DECLINED",
			ErrorMessage: "the card was declined",
		}, nil
	case Token3DSRequired:
		return &ChargeResult{
			Status:       ChargeStatusRequiresAction,
			ErrorCode:    "3DS_REQUIRED",
			ErrorMessage: "additional authentication required",
		}, nil
	case TokenNetworkError:
		return nil, fmt.Errorf("%w: simulated network error", ErrGatewayUnavailable)
	default:
		return &ChargeResult{
			Status:       ChargeStatusFailure,
			ErrorCode:    "INVALID_TOKEN",
			ErrorMessage: fmt.Sprintf("unknown gateway token %q", token),
		}, nil
	}
}

func (g *MockGateway) Refund(ctx context.Context, transactionID string, amount decimal.Decimal) (*RefundResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if transactionID == "" {
		return nil, errors.New("refund requires a gateway transaction id")
	}
	return &RefundResult{
		RefundID: fmt.Sprintf("re_%s_%d", transactionID, time.Now().Unix()),
	}, nil
}
