package gateway

import (
	"context"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/settings"

	"github.com/shopspring/decimal"
)

// ManualQR displays a static payment QR code. The attempt succeeds immediately and stays
// flagged for manual verification until an operator confirms the funds.
//
// Credentials: qr_payload, account_name (optional).
type ManualQR struct{}

// NewManualQR creates the manual QR adapter
func NewManualQR() *ManualQR {
	return &ManualQR{}
}

func (a *ManualQR) Method() string { return MethodManualQR }

func (a *ManualQR) Kind() Kind { return KindSync }

func (a *ManualQR) Supports(creds settings.Credentials) bool {
	return creds.Has("qr_payload")
}

func (a *ManualQR) BuildRequest(_ settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error) {
	return baseRequest(a.Method(), order, attempt, opts), nil
}

func (a *ManualQR) Submit(_ context.Context, creds settings.Credentials, req *ProviderRequest) (*Outcome, error) {
	return &Outcome{Sync: &Result{
		AttemptID:                  req.AttemptID,
		Status:                     models.AttemptStatusSucceeded,
		ProviderTxID:               req.AttemptID,
		RequiresManualVerification: true,
		Amount:                     &req.Amount,
		Raw: rawJSON(map[string]string{
			"qr_payload":   creds.Get("qr_payload"),
			"account_name": creds.Get("account_name"),
			"reference":    req.AttemptID,
			"amount":       req.Amount.StringFixed(2),
		}),
	}}, nil
}

func (a *ManualQR) VerifyCallback(context.Context, settings.Credentials, *Callback) (*Result, error) {
	return nil, apperrors.New(apperrors.CodeValidation, "manual payments have no provider callback")
}

// Cash records money taken at the counter. A tendered amount below the total is rejected.
type Cash struct{}

// NewCash creates the cash adapter
func NewCash() *Cash {
	return &Cash{}
}

func (a *Cash) Method() string { return MethodCash }

func (a *Cash) Kind() Kind { return KindSync }

func (a *Cash) Supports(settings.Credentials) bool { return true }

func (a *Cash) BuildRequest(_ settings.Credentials, order *models.Order, attempt *models.PaymentAttempt, opts RequestOptions) (*ProviderRequest, error) {
	if opts.AmountTendered != nil && opts.AmountTendered.IsNegative() {
		return nil, apperrors.New(apperrors.CodeValidation, "amount tendered cannot be negative")
	}
	return baseRequest(a.Method(), order, attempt, opts), nil
}

func (a *Cash) Submit(_ context.Context, _ settings.Credentials, req *ProviderRequest) (*Outcome, error) {
	tendered := req.Amount
	if req.AmountTendered != nil {
		tendered = *req.AmountTendered
	}
	if tendered.LessThan(req.Amount) {
		return nil, apperrors.Newf(apperrors.CodeGatewayRejected,
			"amount tendered %s is less than total %s", tendered.StringFixed(2), req.Amount.StringFixed(2))
	}

	change := Change(req.Amount, &tendered)
	return &Outcome{Sync: &Result{
		AttemptID: req.AttemptID,
		Status:    models.AttemptStatusSucceeded,
		Amount:    &req.Amount,
		Raw: rawJSON(map[string]string{
			"tendered": tendered.StringFixed(2),
			"change":   change.StringFixed(2),
		}),
	}}, nil
}

func (a *Cash) VerifyCallback(context.Context, settings.Credentials, *Callback) (*Result, error) {
	return nil, apperrors.New(apperrors.CodeValidation, "cash payments have no provider callback")
}

// Change returns the change due for a cash result.
func Change(total decimal.Decimal, tendered *decimal.Decimal) decimal.Decimal {
	if tendered == nil || tendered.LessThan(total) {
		return decimal.Zero
	}
	return tendered.Sub(total)
}
