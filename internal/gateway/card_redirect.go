package gateway

import (
	"context"
	"net/url"
	"strings"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/settings"

	"github.com/shopspring/decimal"
)

const defaultProcessURL = "https://sandbox.payfast.co.za/eng/process"

// CardRedirect sends the customer to a hosted card page and resolves through a signed
// instant payment notification.
//
// Credentials: merchant_id, merchant_key, passphrase (optional), process_url (optional),
// notify_url, return_url and cancel_url (defaults for callers that pass none).
type CardRedirect struct{}

// NewCardRedirect creates the card redirect adapter
func NewCardRedirect() *CardRedirect {
	return &CardRedirect{}
}

func (a *CardRedirect) Method() string { return MethodCardRedirect }

func (a *CardRedirect) Kind() Kind { return KindRedirect }

func (a *CardRedirect) Supports(creds settings.Credentials) bool {
	return creds.Has("merchant_id", "merchant_key", "notify_url")
}

// BuildRequest assembles the form fields and signs them once.
func (a *CardRedirect) BuildRequest(creds settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error) {
	req := baseRequest(a.Method(), order, attempt, opts)
	req.ReturnURL = firstNonEmpty(opts.ReturnURL, creds.Get("return_url"))
	req.CancelURL = firstNonEmpty(opts.CancelURL, creds.Get("cancel_url"))
	req.NotifyURL = creds.Get("notify_url")

	params := url.Values{}
	params.Set("merchant_id", creds.Get("merchant_id"))
	params.Set("merchant_key", creds.Get("merchant_key"))
	params.Set("return_url", req.ReturnURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("notify_url", req.NotifyURL)
	params.Set("m_payment_id", attempt.ID)
	params.Set("amount", attempt.Amount.StringFixed(2))
	params.Set("item_name", req.Description)
	if order.Customer.Name != "" {
		params.Set("name_first", order.Customer.Name)
	}

	req.Params = params
	req.Signature = Sign(params, creds.Get("passphrase"))
	return req, nil
}

// Submit checks the signature carried by req and returns the provider redirect.
func (a *CardRedirect) Submit(_ context.Context, creds settings.Credentials, req *ProviderRequest) (*Outcome, error) {
	if req.Signature == "" {
		return nil, apperrors.New(apperrors.CodeGatewayRejected, "card redirect request is not signed")
	}
	if !ValidSignature(req.Params, creds.Get("passphrase"), req.Signature) {
		return nil, apperrors.New(apperrors.CodeGatewayRejected, "card redirect signature does not match request")
	}

	query := url.Values{}
	for k, v := range req.Params {
		query[k] = v
	}
	query.Set("signature", req.Signature)

	processURL := firstNonEmpty(creds.Get("process_url"), defaultProcessURL)
	return &Outcome{Redirect: &PendingRedirect{URL: processURL + "?" + query.Encode()}}, nil
}

// VerifyCallback validates a notification and maps its payment status.
func (a *CardRedirect) VerifyCallback(_ context.Context, creds settings.Credentials, cb *Callback) (*Result, error) {
	form := cb.Form
	if len(form) == 0 {
		parsed, err := url.ParseQuery(string(cb.Body))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "decode card notification")
		}
		form = parsed
	}

	if !ValidSignature(form, creds.Get("passphrase"), form.Get("signature")) {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "invalid card notification signature")
	}
	if form.Get("merchant_id") != creds.Get("merchant_id") {
		return nil, apperrors.New(apperrors.CodeUnauthorized, "card notification is for another merchant")
	}
	attemptID := form.Get("m_payment_id")
	if attemptID == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "card notification has no payment reference")
	}

	result := &Result{
		AttemptID:    attemptID,
		ProviderTxID: form.Get("pf_payment_id"),
		Raw:          rawJSON(form),
	}
	if gross := form.Get("amount_gross"); gross != "" {
		amount, err := decimal.NewFromString(gross)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeValidation, err, "decode card notification amount")
		}
		result.Amount = &amount
	}

	switch strings.ToUpper(form.Get("payment_status")) {
	case "COMPLETE":
		result.Status = models.AttemptStatusSucceeded
	case "FAILED":
		result.Status = models.AttemptStatusFailed
		result.FailureReason = "card payment failed"
	case "CANCELLED":
		result.Status = models.AttemptStatusCanceled
		result.FailureReason = "card payment canceled by customer"
	default:
		result.Status = models.AttemptStatusPending
	}
	return result, nil
}
