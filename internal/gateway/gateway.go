package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/settings"

	"github.com/shopspring/decimal"
)

// Method ids of the built-in adapters.
const (
	MethodCardRedirect   = "card_redirect"
	MethodHostedCheckout = "hosted_checkout"
	MethodSquareCard     = "square_card"
	MethodSquareWallet   = "square_wallet"
	MethodManualQR       = "manual_qr"
	MethodCash           = "cash"
)

// Kind tells the orchestrator how an adapter completes a payment.
type Kind string

const (
	// KindRedirect adapters hand the customer to the provider and resolve through a callback.
	KindRedirect Kind = "redirect"
	// KindSync adapters resolve within Submit.
	KindSync Kind = "sync"
)

// Adapter is one external payment rail behind a uniform contract.
// Credentials are passed on every call so a refreshed snapshot takes effect immediately.
type Adapter interface {
	Method() string
	Kind() Kind
	Supports(creds settings.Credentials) bool
	BuildRequest(creds settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error)
	Submit(ctx context.Context, creds settings.Credentials, req *ProviderRequest) (*Outcome, error)
	VerifyCallback(ctx context.Context, creds settings.Credentials, cb *Callback) (*Result, error)
}

// RequestOptions carries caller input some adapters need.
type RequestOptions struct {
	SourceToken    string
	ReturnURL      string
	CancelURL      string
	AmountTendered *decimal.Decimal
}

// ProviderRequest is a fully built provider call for one attempt.
type ProviderRequest struct {
	Method         string
	AttemptID      string
	OrderID        string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	ReturnURL      string
	CancelURL      string
	NotifyURL      string
	SourceToken    string
	AmountTendered *decimal.Decimal
	Params         url.Values
	Signature      string
}

// Result is a normalized provider outcome for one attempt.
type Result struct {
	AttemptID                  string
	Status                     models.AttemptStatus
	ProviderTxID               string
	FailureReason              string
	RequiresManualVerification bool
	Amount                     *decimal.Decimal
	Raw                        json.RawMessage
}

// Resolution converts the result into the attempt write.
func (r *Result) Resolution(at time.Time) models.AttemptResolution {
	return models.AttemptResolution{
		Status:                     r.Status,
		ProviderTxID:               r.ProviderTxID,
		FailureReason:              r.FailureReason,
		RequiresManualVerification: r.RequiresManualVerification,
		RawPayload:                 r.Raw,
		ResolvedAt:                 at,
	}
}

// PendingRedirect sends the customer to a provider page.
type PendingRedirect struct {
	URL          string
	ProviderTxID string
}

// Outcome holds exactly one of Sync or Redirect.
type Outcome struct {
	Sync     *Result
	Redirect *PendingRedirect
}

// Callback is an inbound provider notification.
type Callback struct {
	Body   []byte
	Header http.Header
	Form   url.Values
}

// Method describes an available payment method.
type Method struct {
	ID                 string `json:"id"`
	Kind               Kind   `json:"kind"`
	ManualVerification bool   `json:"manual_verification"`
}

// Registry resolves methods to adapters against a credential snapshot.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates a registry of adapters, listed in the given order
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Method()]; !dup {
			r.order = append(r.order, a.Method())
		}
		r.adapters[a.Method()] = a
	}
	return r
}

// Methods lists every registered method id.
func (r *Registry) Methods() []string {
	return append([]string(nil), r.order...)
}

// Kind reports how the adapter registered for method completes a payment.
func (r *Registry) Kind(method string) (Kind, bool) {
	a, ok := r.adapters[method]
	if !ok {
		return "", false
	}
	return a.Kind(), true
}

// Available lists the methods that are registered, configured, enabled and supported.
func (r *Registry) Available(snap *settings.Snapshot) []Method {
	methods := []Method{}
	for _, id := range r.order {
		if _, _, err := r.Resolve(snap, id); err != nil {
			continue
		}
		a := r.adapters[id]
		methods = append(methods, Method{
			ID:                 id,
			Kind:               a.Kind(),
			ManualVerification: id == MethodManualQR,
		})
	}
	return methods
}

// Resolve returns the adapter and credentials for an available method.
func (r *Registry) Resolve(snap *settings.Snapshot, method string) (Adapter, settings.Credentials, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeMethodUnavailable, "payment method %q is not supported", method)
	}
	creds, ok := snap.For(method)
	if !ok || !creds.Enabled() || !a.Supports(creds) {
		return nil, nil, apperrors.Newf(apperrors.CodeMethodUnavailable, "payment method %q is not configured", method)
	}
	return a, creds, nil
}

// Verifier returns the adapter and credentials used to verify callbacks for method.
// A disabled method still verifies callbacks for attempts started before it was switched off.
func (r *Registry) Verifier(snap *settings.Snapshot, method string) (Adapter, settings.Credentials, error) {
	a, ok := r.adapters[method]
	if !ok {
		return nil, nil, apperrors.Newf(apperrors.CodeMethodUnavailable, "payment method %q is not supported", method)
	}
	creds, ok := snap.For(method)
	if !ok || !a.Supports(creds) {
		return nil, nil, apperrors.Newf(apperrors.CodeMethodUnavailable, "payment method %q is not configured", method)
	}
	return a, creds, nil
}

// classify maps a transport or provider error into the gateway error codes.
func classify(err error, op string, status int) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Wrap(apperrors.CodeGatewayTimeout, err, op)
	}
	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperrors.Wrap(apperrors.CodeGatewayTimeout, err, op)
	case status == http.StatusTooManyRequests || status >= 500 || status == 0:
		return apperrors.Wrap(apperrors.CodeDependency, err, op)
	default:
		return apperrors.Wrap(apperrors.CodeGatewayRejected, err, op)
	}
}

// minorUnits converts an amount to integer cents.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func baseRequest(method string, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) *ProviderRequest {
	return &ProviderRequest{
		Method:         method,
		AttemptID:      attempt.ID,
		OrderID:        order.ID,
		IdempotencyKey: attempt.IdempotencyKey,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		Description:    "Order " + order.ID,
		ReturnURL:      opts.ReturnURL,
		CancelURL:      opts.CancelURL,
		SourceToken:    opts.SourceToken,
		AmountTendered: opts.AmountTendered,
	}
}

func rawJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
