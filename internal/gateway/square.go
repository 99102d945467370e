package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/settings"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	sqclient "github.com/square/square-go-sdk/client"
	sqcore "github.com/square/square-go-sdk/core"
	sqoption "github.com/square/square-go-sdk/option"
)

const squareSignatureHeader = "X-Square-Hmacsha256-Signature"

var squareBaseURLs = map[string]string{
	"sandbox":    "https://connect.squareupsandbox.com",
	"production": "https://connect.squareup.com",
}

// SquarePayments is the part of the Square client the in-page adapters call.
type SquarePayments interface {
	Create(ctx context.Context, request *sq.CreatePaymentRequest, opts ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error)
}

// Square charges a tokenized card or wallet source in-page through the Square Payments API.
//
// Credentials: access_token, location_id, environment (sandbox|production),
// webhook_signature_key and notification_url for asynchronous updates.
type Square struct {
	method   string
	payments func(creds settings.Credentials) SquarePayments
}

func newSquarePayments(creds settings.Credentials) SquarePayments {
	baseURL, ok := squareBaseURLs[strings.ToLower(creds.Get("environment"))]
	if !ok {
		baseURL = squareBaseURLs["sandbox"]
	}
	sdk := sqclient.NewClient(
		sqoption.WithBaseURL(baseURL),
		sqoption.WithToken(creds.Get("access_token")),
	)
	return sdk.Payments
}

// NewSquareCard creates the in-page card adapter
func NewSquareCard() *Square {
	return &Square{method: MethodSquareCard, payments: newSquarePayments}
}

// NewSquareWallet creates the wallet (Apple Pay, Google Pay) adapter
func NewSquareWallet() *Square {
	return &Square{method: MethodSquareWallet, payments: newSquarePayments}
}

// NewSquareWith creates a Square adapter for method over a custom payments client
func NewSquareWith(method string, payments func(creds settings.Credentials) SquarePayments) *Square {
	return &Square{method: method, payments: payments}
}

func (a *Square) Method() string { return a.method }

func (a *Square) Kind() Kind { return KindSync }

func (a *Square) Supports(creds settings.Credentials) bool {
	return creds.Has("access_token", "location_id")
}

func (a *Square) BuildRequest(creds settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error) {
	if strings.TrimSpace(opts.SourceToken) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "source token is required")
	}
	req := baseRequest(a.method, order, attempt, opts)
	if a.method == MethodSquareWallet {
		req.Description = "Wallet payment for order " + order.ID
	}
	return req, nil
}

// Submit creates the payment. Square deduplicates on the idempotency key, so a
// timed-out submit may be repeated with the same request.
func (a *Square) Submit(ctx context.Context, creds settings.Credentials, req *ProviderRequest) (*Outcome, error) {
	amount := minorUnits(req.Amount)
	currency := sq.Currency(strings.ToUpper(req.Currency))
	locationID := creds.Get("location_id")
	referenceID := req.AttemptID
	note := req.Description
	autocomplete := true

	resp, err := a.payments(creds).Create(ctx, &sq.CreatePaymentRequest{
		IdempotencyKey: req.IdempotencyKey,
		SourceID:       req.SourceToken,
		AmountMoney:    &sq.Money{Amount: &amount, Currency: &currency},
		LocationID:     &locationID,
		ReferenceID:    &referenceID,
		Note:           &note,
		Autocomplete:   &autocomplete,
	})
	if err != nil {
		status := 0
		var apiErr *sqcore.APIError
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classify(err, "create square payment", status)
	}

	payment := resp.GetPayment()
	if payment == nil {
		return nil, apperrors.New(apperrors.CodeDependency, "square returned no payment")
	}
	result := squareResult(req.AttemptID, payment)
	result.Raw = rawJSON(payment)
	return &Outcome{Sync: result}, nil
}

type squareWebhookEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		ID     string `json:"id"`
		Object struct {
			Payment *sq.Payment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyCallback checks the webhook HMAC (notification URL followed by the raw body)
// and maps payment.updated events.
func (a *Square) VerifyCallback(_ context.Context, creds settings.Credentials, cb *Callback) (*Result, error) {
	key := creds.Get("webhook_signature_key")
	if key == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "square webhooks are not configured")
	}
	if !ValidSquareSignature(cb.Body, creds.Get("notification_url"), key, cb.Header.Get(squareSignatureHeader)) {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "invalid square signature")
	}

	var event squareWebhookEvent
	if err := json.Unmarshal(cb.Body, &event); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "decode square event")
	}
	payment := event.Data.Object.Payment
	if !strings.HasPrefix(event.Type, "payment.") || payment == nil {
		return nil, nil
	}
	referenceID := stringValue(payment.GetReferenceID())
	if referenceID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "square payment has no reference")
	}

	result := squareResult(referenceID, payment)
	result.Raw = json.RawMessage(cb.Body)
	return result, nil
}

// SquareSignature computes the webhook signature for body delivered to notificationURL.
func SquareSignature(body []byte, notificationURL, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSquareSignature compares header with the expected webhook signature.
func ValidSquareSignature(body []byte, notificationURL, key, header string) bool {
	if header == "" || key == "" {
		return false
	}
	expected := SquareSignature(body, notificationURL, key)
	return hmac.Equal([]byte(expected), []byte(header))
}

func squareResult(attemptID string, payment *sq.Payment) *Result {
	result := &Result{
		AttemptID:    attemptID,
		ProviderTxID: stringValue(payment.GetID()),
	}
	if money := payment.GetAmountMoney(); money != nil && money.GetAmount() != nil {
		amount := decimal.New(*money.GetAmount(), -2)
		result.Amount = &amount
	}

	switch strings.ToUpper(stringValue(payment.GetStatus())) {
	case "APPROVED", "COMPLETED":
		result.Status = models.AttemptStatusSucceeded
	case "FAILED":
		result.Status = models.AttemptStatusFailed
		result.FailureReason = "square payment failed"
	case "CANCELED":
		result.Status = models.AttemptStatusCanceled
		result.FailureReason = "square payment canceled"
	default:
		result.Status = models.AttemptStatusPending
	}
	return result
}

func stringValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
