package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/settings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// CheckoutSessions is the part of the Stripe client the hosted checkout adapter calls.
type CheckoutSessions interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
}

// HostedCheckout redirects to a Stripe Checkout session and resolves through its webhook.
//
// Credentials: secret_key, webhook_secret, success_url and cancel_url (defaults).
type HostedCheckout struct {
	sessions func(secretKey string) CheckoutSessions
}

// NewHostedCheckout creates the hosted checkout adapter over the live Stripe API
func NewHostedCheckout() *HostedCheckout {
	return &HostedCheckout{
		sessions: func(secretKey string) CheckoutSessions {
			return stripe.NewClient(secretKey).V1CheckoutSessions
		},
	}
}

// NewHostedCheckoutWith creates the adapter over a custom session client
func NewHostedCheckoutWith(sessions func(secretKey string) CheckoutSessions) *HostedCheckout {
	return &HostedCheckout{sessions: sessions}
}

func (a *HostedCheckout) Method() string { return MethodHostedCheckout }

func (a *HostedCheckout) Kind() Kind { return KindRedirect }

func (a *HostedCheckout) Supports(creds settings.Credentials) bool {
	return creds.Has("secret_key", "webhook_secret")
}

func (a *HostedCheckout) BuildRequest(creds settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error) {
	req := baseRequest(a.Method(), order, attempt, opts)
	req.ReturnURL = firstNonEmpty(opts.ReturnURL, creds.Get("success_url"))
	req.CancelURL = firstNonEmpty(opts.CancelURL, creds.Get("cancel_url"))
	if req.ReturnURL == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "return url is required for hosted checkout")
	}
	return req, nil
}

// Submit creates the checkout session. The attempt id travels as the client reference.
func (a *HostedCheckout) Submit(ctx context.Context, creds settings.Credentials, req *ProviderRequest) (*Outcome, error) {
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		ClientReferenceID: stripe.String(req.AttemptID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(minorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
			Quantity: stripe.Int64(1),
		}},
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("attempt_id", req.AttemptID)

	session, err := a.sessions(creds.Get("secret_key")).Create(ctx, params)
	if err != nil {
		status := 0
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			status = stripeErr.HTTPStatusCode
		}
		return nil, classify(err, "create checkout session", status)
	}

	return &Outcome{Redirect: &PendingRedirect{URL: session.URL, ProviderTxID: session.ID}}, nil
}

// VerifyCallback checks the Stripe-Signature header and maps checkout session events.
// Events that carry no payment outcome return a nil result.
func (a *HostedCheckout) VerifyCallback(_ context.Context, creds settings.Credentials, cb *Callback) (*Result, error) {
	event, err := webhook.ConstructEvent(cb.Body, cb.Header.Get("Stripe-Signature"), creds.Get("webhook_secret"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnauthorized, err, "verify checkout webhook")
	}
	if event.Data == nil {
		return nil, nil
	}

	var session stripe.CheckoutSession
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed,
		stripe.EventTypeCheckoutSessionExpired:
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "decode checkout session")
		}
	default:
		return nil, nil
	}
	if session.ClientReferenceID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "checkout session has no client reference")
	}

	amount := decimal.New(session.AmountTotal, -2)
	result := &Result{
		AttemptID:    session.ClientReferenceID,
		ProviderTxID: session.ID,
		Amount:       &amount,
		Raw:          json.RawMessage(event.Data.Raw),
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			result.Status = models.AttemptStatusSucceeded
		} else {
			result.Status = models.AttemptStatusPending
		}
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		result.Status = models.AttemptStatusSucceeded
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		result.Status = models.AttemptStatusFailed
		result.FailureReason = "checkout payment failed"
	case stripe.EventTypeCheckoutSessionExpired:
		result.Status = models.AttemptStatusCanceled
		result.FailureReason = "checkout session expired"
	}
	return result, nil
}
