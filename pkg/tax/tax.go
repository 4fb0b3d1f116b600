package tax

import (
	"errors"
	"fmt"
	"time"

	"github.com/hfdrk/AI-Muhasebi-sub006/pkg/models"
)

// Monetary amounts are int64 kurus (cents); rates are basis points
// (1800 bp = 18%). Rounding is half-up on the kurus.

const bpDenominator = 10000

var (
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrRateRange      = errors.New("rate out of range")
)

// ValidRateBP accepts rates between 0 and 100 percent.
func ValidRateBP(bp int) bool {
	return bp >= 0 && bp <= bpDenominator
}

// Apply computes amount*rate with half-up rounding.
func Apply(amountCents int64, rateBP int) (int64, error) {
	if amountCents < 0 {
		return 0, ErrNegativeAmount
	}
	if !ValidRateBP(rateBP) {
		return 0, ErrRateRange
	}
	product := amountCents * int64(rateBP)
	return (product + bpDenominator/2) / bpDenominator, nil
}

// Compute fills the derived amounts of an invoice from its net amount
// and rates. Gross = net + VAT - withholding.
func Compute(inv *models.Invoice) error {
	vat, err := Apply(inv.NetAmountCents, inv.TaxRateBP)
	if err != nil {
		return fmt.Errorf("vat: %w", err)
	}
	withholding, err := Apply(inv.NetAmountCents, inv.WithholdingBP)
	if err != nil {
		return fmt.Errorf("withholding: %w", err)
	}
	inv.TaxAmountCents = vat
	inv.WithholdingCents = withholding
	inv.GrossAmountCents = inv.NetAmountCents + vat - withholding
	return nil
}

// PeriodOf returns the YYYY-MM period key for a date.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PeriodRange returns the half-open [start, end) interval of a period.
func PeriodRange(period string) (time.Time, time.Time, error) {
	if !models.ValidPeriod(period) {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period %q", period)
	}
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}

// Accumulate folds an invoice into a period summary. Cancelled invoices
// are counted but excluded from the totals.
func Accumulate(sum *models.TaxPeriodSummary, inv models.Invoice) {
	sum.InvoiceCount++
	if inv.Status == models.InvoiceStatusCancelled {
		sum.CancelledInvoiceCount++
		return
	}
	switch inv.Direction {
	case models.InvoiceDirectionSales:
		sum.SalesNetCents += inv.NetAmountCents
		sum.SalesVATCents += inv.TaxAmountCents
	case models.InvoiceDirectionPurchase:
		sum.PurchaseNetCents += inv.NetAmountCents
		sum.PurchaseVATCents += inv.TaxAmountCents
	}
	sum.WithholdingCents += inv.WithholdingCents
	sum.NetVATPositionCents = sum.SalesVATCents - sum.PurchaseVATCents
}
