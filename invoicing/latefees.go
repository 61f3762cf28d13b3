package invoicing

import (
	"context"
	"time"

	"invoicekits/apperrors"
	"invoicekits/models"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var percent = decimal.NewFromInt(100)

// UnpaidStatuses are the statuses a client can still be chased for.
var UnpaidStatuses = []string{string(models.InvoiceSent), string(models.InvoiceOverdue)}

// LateFee is the fee an account charges on an invoice of total: a flat
// amount or a percentage of the total, capped at max when max is positive,
// rounded half-even to cents.
func LateFee(total decimal.Decimal, feeType models.LateFeeType, amount, max decimal.Decimal) decimal.Decimal {
	var fee decimal.Decimal
	switch feeType {
	case models.LateFeeFlat:
		fee = amount
	case models.LateFeePercentage:
		fee = total.Mul(amount).Div(percent)
	default:
		return decimal.Zero
	}
	if max.IsPositive() && fee.GreaterThan(max) {
		fee = max
	}
	return fee.RoundBank(2)
}

// DaysPastDue counts whole days from the due date to now. It is negative
// before the due date.
func DaysPastDue(due, now time.Time) int {
	return int(StartOfDay(now).Sub(StartOfDay(due)).Hours() / 24)
}

// ApplyLateFee adds the account's late fee to inv and logs it. A fee is
// applied at most once per invoice and only while the invoice is unpaid; the
// returned log is nil when nothing was applied.
func ApplyLateFee(ctx context.Context, db *gorm.DB, inv models.Invoice, account models.Account, now time.Time) (*models.LateFeeLog, error) {
	fee := LateFee(inv.Total, account.LateFeeType, account.LateFeeAmount, account.LateFeeMaxAmount)
	if !fee.IsPositive() {
		return nil, nil
	}

	entry := models.LateFeeLog{
		InvoiceID:   inv.ID,
		AccountID:   inv.AccountID,
		FeeType:     account.LateFeeType,
		FeeAmount:   fee,
		DaysOverdue: DaysPastDue(inv.DueDate, now),
		TotalBefore: inv.Total,
		TotalAfter:  inv.Total.Add(fee),
		AppliedBy:   "system",
	}
	applied := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Invoice{}).
			Where("id = ? AND late_fee_applied_at IS NULL AND status IN ?", inv.ID, UnpaidStatuses).
			UpdateColumns(map[string]interface{}{
				"late_fee_amount":     fee,
				"total":               entry.TotalAfter,
				"late_fee_applied_at": now.UTC(),
			})
		if res.Error != nil {
			return apperrors.Wrap(res.Error).WithMessage("apply late fee").Mark(apperrors.ErrDatabase)
		}
		if res.RowsAffected != 1 {
			return nil
		}
		if err := tx.Create(&entry).Error; err != nil {
			return apperrors.Wrap(err).WithMessage("log late fee").Mark(apperrors.ErrDatabase)
		}
		applied = true
		return nil
	})
	if err != nil || !applied {
		return nil, err
	}
	return &entry, nil
}
