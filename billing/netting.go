package billing

import "github.com/shopspring/decimal"

// =============================================================================
// NETTING - Pure reductions over ledger rows
// =============================================================================
// Every aggregate in the engine is one of these folds. They never touch
// storage, so they are tested directly against slices of rows.

// cents rounds to the 2 decimal places the ledger is kept in.
func cents(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// NetPayments sums completed payments, subtracting refunds.
// Non-completed rows are ignored.
func NetPayments(payments []Payment) decimal.Decimal {
	net := decimal.Zero
	for _, p := range payments {
		if !p.Completed() {
			continue
		}
		net = net.Add(p.Signed())
	}
	return cents(net)
}

// StatusFor derives an invoice status from what is owed and what was paid.
// A patient portion <= 0 is always paid.
func StatusFor(patientPortion, amountPaid decimal.Decimal) InvoiceStatus {
	switch {
	case !patientPortion.IsPositive():
		return StatusPaid
	case amountPaid.GreaterThanOrEqual(patientPortion):
		return StatusPaid
	case amountPaid.IsPositive():
		return StatusPartiallyPaid
	default:
		return StatusPending
	}
}

// SumPatientPortion is the total charged to patients by these invoices.
func SumPatientPortion(invoices []Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		sum = sum.Add(inv.PatientPortion)
	}
	return cents(sum)
}

// SumTotalAmount is the gross revenue of these invoices.
func SumTotalAmount(invoices []Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		sum = sum.Add(inv.TotalAmount)
	}
	return cents(sum)
}

// SumInsuranceCovered is the insurance share of these invoices.
func SumInsuranceCovered(invoices []Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		sum = sum.Add(inv.InsuranceCoveredAmount)
	}
	return cents(sum)
}

// OutstandingBalance sums PatientPortion - AmountPaid over invoices that are
// not paid, floored at zero.
func OutstandingBalance(invoices []Invoice) decimal.Decimal {
	sum := decimal.Zero
	for _, inv := range invoices {
		if inv.Status == StatusPaid {
			continue
		}
		sum = sum.Add(inv.Balance())
	}
	if sum.IsNegative() {
		return decimal.Zero
	}
	return cents(sum)
}
