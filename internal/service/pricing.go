package service

import (
	"strings"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"

	"github.com/shopspring/decimal"
)

// Discount types
const (
	DiscountFixed   = "fixed"
	DiscountPercent = "percent"
)

var hundred = decimal.NewFromInt(100)

// Discount is an order-level reduction.
type Discount struct {
	Type  string          `json:"type"`
	Value decimal.Decimal `json:"value"`
}

// Totals are the monetary fields of an order.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Price computes order totals. The discount is capped at the subtotal and tax applies to
// the discounted amount; discount and tax are rounded to cents so that
// total == subtotal - discount + tax holds exactly.
func Price(items []models.LineItem, discount *Discount, taxRate decimal.Decimal) (Totals, error) {
	if taxRate.IsNegative() {
		return Totals{}, apperrors.New(apperrors.CodeValidation, "tax rate cannot be negative")
	}

	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Total())
	}

	off, err := discountAmount(subtotal, discount)
	if err != nil {
		return Totals{}, err
	}

	tax := subtotal.Sub(off).Mul(taxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Discount: off,
		Tax:      tax,
		Total:    subtotal.Sub(off).Add(tax),
	}, nil
}

func discountAmount(subtotal decimal.Decimal, d *Discount) (decimal.Decimal, error) {
	if d == nil || d.Type == "" {
		return decimal.Zero, nil
	}
	if d.Value.IsNegative() {
		return decimal.Zero, apperrors.New(apperrors.CodeValidation, "discount value cannot be negative")
	}

	var amount decimal.Decimal
	switch strings.ToLower(d.Type) {
	case DiscountFixed:
		amount = d.Value
	case DiscountPercent:
		if d.Value.GreaterThan(hundred) {
			return decimal.Zero, apperrors.New(apperrors.CodeValidation, "percent discount cannot exceed 100")
		}
		amount = subtotal.Mul(d.Value).Div(hundred)
	default:
		return decimal.Zero, apperrors.Newf(apperrors.CodeValidation, "unknown discount type %q", d.Type)
	}

	amount = amount.Round(2)
	if amount.GreaterThan(subtotal) {
		amount = subtotal
	}
	return amount, nil
}
