package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/rxbilling/billing"
	"github.com/warp/rxbilling/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

var now = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func month(y int, m time.Month) billing.Month {
	return billing.Month{Year: y, Month: m}
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, money(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

func newReconciler(t *testing.T, opts ...billing.Option) (*billing.Reconciler, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	opts = append([]billing.Option{
		billing.WithClock(fixedClock{at: now}),
		billing.WithLogger(zaptest.NewLogger(t)),
	}, opts...)
	return billing.NewReconciler(mem, opts...), mem
}

// issue records an invoice whose patient portion is total - insurance.
func issue(t *testing.T, r *billing.Reconciler, patient billing.PatientID, rx billing.PrescriptionID, at time.Time, total, insurance string) billing.Invoice {
	t.Helper()
	out, err := r.IssueInvoice(context.Background(), billing.NewInvoice{
		PatientID:              patient,
		PrescriptionID:         rx,
		InvoiceDate:            at,
		Description:            "Rx dispense",
		TotalAmount:            money(total),
		InsuranceCoveredAmount: money(insurance),
	})
	require.NoError(t, err)
	return out.Invoice
}

func submit(t *testing.T, r *billing.Reconciler, inv billing.InvoiceID, amount string, at time.Time, refund bool) *billing.Payment {
	t.Helper()
	p, err := r.SubmitPayment(context.Background(), billing.NewPayment{
		InvoiceID:   inv,
		Amount:      money(amount),
		PaymentDate: at,
		Method:      "card",
		IsRefund:    refund,
	})
	require.NoError(t, err)
	return p
}

func invoice(t *testing.T, s billing.Store, id billing.InvoiceID) billing.Invoice {
	t.Helper()
	inv, err := s.Invoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func statement(t *testing.T, s billing.Store, patient billing.PatientID, m billing.Month) billing.MonthlyStatement {
	t.Helper()
	st, err := s.MonthlyStatement(context.Background(), patient, m.Start())
	require.NoError(t, err)
	return st
}

func financial(t *testing.T, s billing.Store, m billing.Month) billing.FinancialStatement {
	t.Helper()
	st, err := s.FinancialStatement(context.Background(), m.Start())
	require.NoError(t, err)
	return st
}

func materialize(t *testing.T, r *billing.Reconciler, from, to billing.Month) {
	t.Helper()
	_, err := r.RebuildStatements(context.Background(), from, to)
	require.NoError(t, err)
}

// =============================================================================
// INVOICE BALANCE
// =============================================================================

func TestScenarioA_PartialThenFull(t *testing.T) {
	// GIVEN: an invoice of 100.00 owed by the patient
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1001, day(2025, time.March, 1), "100.00", "0")
	assert.Equal(t, billing.StatusPending, inv.Status)

	// WHEN: 60 is paid
	submit(t, r, inv.ID, "60", day(2025, time.March, 5), false)

	// THEN: partially paid
	got := invoice(t, mem, inv.ID)
	assertMoney(t, "60.00", got.AmountPaid)
	assert.Equal(t, billing.StatusPartiallyPaid, got.Status)

	// WHEN: the remaining 40 is paid
	submit(t, r, inv.ID, "40", day(2025, time.March, 9), false)

	// THEN: paid in full
	got = invoice(t, mem, inv.ID)
	assertMoney(t, "100.00", got.AmountPaid)
	assert.Equal(t, billing.StatusPaid, got.Status)
}

func TestScenarioB_RefundReopensPaidInvoice(t *testing.T) {
	// GIVEN: a fully paid invoice
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1001, day(2025, time.March, 1), "100.00", "0")
	submit(t, r, inv.ID, "60", day(2025, time.March, 5), false)
	submit(t, r, inv.ID, "40", day(2025, time.March, 9), false)
	require.Equal(t, billing.StatusPaid, invoice(t, mem, inv.ID).Status)

	// WHEN: 30 is refunded
	submit(t, r, inv.ID, "30", day(2025, time.March, 20), true)

	// THEN: the status moves backwards
	got := invoice(t, mem, inv.ID)
	assertMoney(t, "70.00", got.AmountPaid)
	assert.Equal(t, billing.StatusPartiallyPaid, got.Status)

	// WHEN: everything is refunded
	submit(t, r, inv.ID, "70", day(2025, time.March, 21), true)

	// THEN: back to pending
	got = invoice(t, mem, inv.ID)
	assert.True(t, got.AmountPaid.IsZero())
	assert.Equal(t, billing.StatusPending, got.Status)
}

func TestPendingPaymentsDoNotCount(t *testing.T) {
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1001, day(2025, time.March, 1), "100.00", "0")

	_, err := r.SubmitPayment(context.Background(), billing.NewPayment{
		InvoiceID:         inv.ID,
		Amount:            money("100"),
		PaymentDate:       day(2025, time.March, 2),
		Method:            "ach",
		TransactionStatus: billing.TxPending,
	})
	require.NoError(t, err)

	got := invoice(t, mem, inv.ID)
	assert.True(t, got.AmountPaid.IsZero())
	assert.Equal(t, billing.StatusPending, got.Status)
}

func TestZeroPatientPortion_PaidAtIssuance(t *testing.T) {
	r, _ := newReconciler(t)

	// GIVEN/WHEN: insurance covers the whole amount
	inv := issue(t, r, 1, 1001, day(2025, time.March, 1), "80.00", "80.00")

	// THEN: nothing is owed, so the invoice is already paid
	assert.Equal(t, billing.StatusPaid, inv.Status)
	assert.True(t, inv.PatientPortion.IsZero())
}

func TestAmountPaidEqualsNetCompletedPayments(t *testing.T) {
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1001, day(2025, time.January, 3), "250.00", "50.00")

	p1 := submit(t, r, inv.ID, "50", day(2025, time.January, 10), false)
	submit(t, r, inv.ID, "75.50", day(2025, time.February, 2), false)
	p3 := submit(t, r, inv.ID, "20", day(2025, time.February, 3), true)

	amount := money("80")
	_, err := r.AmendPayment(context.Background(), p1.ID, billing.PaymentPatch{Amount: &amount})
	require.NoError(t, err)
	require.NoError(t, r.RetractPayment(context.Background(), p3.ID))

	payments, err := mem.Payments(context.Background(), billing.PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)

	got := invoice(t, mem, inv.ID)
	assertMoney(t, billing.NetPayments(payments).String(), got.AmountPaid)
	assertMoney(t, "155.50", got.AmountPaid)
	assert.Equal(t, billing.StatusPartiallyPaid, got.Status)
}

// =============================================================================
// CASCADE
// =============================================================================

func TestScenarioC_BackdatedPaymentCascadesForward(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	jan, feb := month(2025, time.January), month(2025, time.February)

	// GIVEN: January closes at 50.00, February opens at 50.00 and closes at 80.00
	janInv := issue(t, r, 7, 1, day(2025, time.January, 4), "50.00", "0")
	issue(t, r, 7, 2, day(2025, time.February, 4), "30.00", "0")
	materialize(t, r, jan, feb)

	assertMoney(t, "50.00", statement(t, mem, 7, jan).ClosingBalance)
	assertMoney(t, "50.00", statement(t, mem, 7, feb).OpeningBalance)
	assertMoney(t, "80.00", statement(t, mem, 7, feb).ClosingBalance)

	// WHEN: a payment of 30.00 is backdated into January
	out, err := r.Apply(ctx, billing.CreatePayment(billing.NewPayment{
		InvoiceID:   janInv.ID,
		Amount:      money("30"),
		PaymentDate: day(2025, time.January, 20),
		Method:      "cash",
	}))
	require.NoError(t, err)

	// THEN: January closes lower and February follows without intervention
	assertMoney(t, "20.00", statement(t, mem, 7, jan).ClosingBalance)
	assertMoney(t, "20.00", statement(t, mem, 7, feb).OpeningBalance)
	assertMoney(t, "50.00", statement(t, mem, 7, feb).ClosingBalance)
	assert.Equal(t, []billing.Month{jan, feb}, out.Monthly)
	assert.Equal(t, []billing.Month{jan, feb}, out.Global)
}

func TestScenarioD_AmendMovesPaymentAcrossMonths(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	dec := month(2024, time.December)
	jan, feb, mar := month(2025, time.January), month(2025, time.February), month(2025, time.March)

	// GIVEN: 100.00 invoiced in December, 40.00 paid in January, Dec..Mar stored
	inv := issue(t, r, 3, 30, day(2024, time.December, 15), "100.00", "0")
	p := submit(t, r, inv.ID, "40", day(2025, time.January, 10), false)
	materialize(t, r, dec, mar)
	decBefore := statement(t, mem, 3, dec)
	decGlobalBefore := financial(t, mem, dec)

	assertMoney(t, "60.00", statement(t, mem, 3, jan).ClosingBalance)
	assertMoney(t, "60.00", statement(t, mem, 3, feb).ClosingBalance)

	// WHEN: the payment is moved to March
	moved := day(2025, time.March, 10)
	out, err := r.Apply(ctx, billing.AmendPayment(p.ID, billing.PaymentPatch{PaymentDate: &moved}))
	require.NoError(t, err)
	require.NotNil(t, out.Payment)
	assert.Equal(t, moved, out.Payment.PaymentDate)

	// THEN: January, February and March are recomputed, December is not
	assert.ElementsMatch(t, []billing.Month{jan, feb, mar}, out.Monthly)
	assert.ElementsMatch(t, []billing.Month{jan, feb, mar}, out.Global)

	janStmt := statement(t, mem, 3, jan)
	assertMoney(t, "0", janStmt.TotalPayments)
	assertMoney(t, "100.00", janStmt.ClosingBalance)

	febStmt := statement(t, mem, 3, feb)
	assertMoney(t, "100.00", febStmt.OpeningBalance)
	assertMoney(t, "100.00", febStmt.ClosingBalance)

	marStmt := statement(t, mem, 3, mar)
	assertMoney(t, "100.00", marStmt.OpeningBalance)
	assertMoney(t, "40.00", marStmt.TotalPayments)
	assertMoney(t, "60.00", marStmt.ClosingBalance)

	assert.Equal(t, decBefore, statement(t, mem, 3, dec))
	assert.Equal(t, decGlobalBefore, financial(t, mem, dec))

	assertMoney(t, "0", financial(t, mem, jan).PatientPayments)
	assertMoney(t, "40.00", financial(t, mem, mar).PatientPayments)
}

func TestContinuity_ClosingEqualsNextOpening(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	from, to := month(2025, time.January), month(2025, time.May)

	// GIVEN: a patient with activity spread over five months
	a := issue(t, r, 9, 1, day(2025, time.January, 2), "120.00", "20.00")
	b := issue(t, r, 9, 2, day(2025, time.February, 14), "300.00", "150.00")
	c := issue(t, r, 9, 3, day(2025, time.April, 1), "45.00", "0")
	materialize(t, r, from, to)

	// WHEN: payments land in random order, some backdated
	submit(t, r, c.ID, "45", day(2025, time.May, 2), false)
	submit(t, r, a.ID, "100", day(2025, time.January, 30), false)
	p := submit(t, r, b.ID, "200", day(2025, time.March, 3), false)
	submit(t, r, b.ID, "50", day(2025, time.March, 28), true)
	require.NoError(t, r.RetractPayment(ctx, p.ID))
	submit(t, r, b.ID, "150", day(2025, time.February, 28), false)

	// THEN: every stored month opens where the previous one closed
	stmts, err := mem.MonthlyStatements(ctx, billing.StatementFilter{PatientID: 9})
	require.NoError(t, err)
	require.Len(t, stmts, 5)
	assert.True(t, stmts[0].OpeningBalance.IsZero())
	for i := 1; i < len(stmts); i++ {
		assertMoney(t, stmts[i-1].ClosingBalance.String(), stmts[i].OpeningBalance,
			"opening of %s", stmts[i].Month())
	}
	for _, s := range stmts {
		assertMoney(t, s.OpeningBalance.Add(s.TotalCharges).Sub(s.TotalPayments).String(), s.ClosingBalance)
	}

	// AND: the last closing balance equals what the account still owes
	account, err := r.AccountStatement(ctx, 9)
	require.NoError(t, err)
	assertMoney(t, account.TotalBalance.String(), stmts[len(stmts)-1].ClosingBalance)
	assertMoney(t, "50.00", account.TotalBalance)
}

func TestOutstandingBalance_ReflectsLaterPayment(t *testing.T) {
	r, mem := newReconciler(t)
	jan, mar := month(2025, time.January), month(2025, time.March)

	// GIVEN: a January invoice and global statements for January..March
	inv := issue(t, r, 1, 1, day(2025, time.January, 5), "100.00", "0")
	materialize(t, r, jan, mar)
	assertMoney(t, "100.00", financial(t, mem, jan).OutstandingBalance)

	// WHEN: it is partially paid in March
	submit(t, r, inv.ID, "40", day(2025, time.March, 2), false)

	// THEN: every global statement ending after the invoice date follows
	for _, m := range billing.MonthsBetween(jan, mar) {
		assertMoney(t, "60.00", financial(t, mem, m).OutstandingBalance, "outstanding of %s", m)
	}
	assertMoney(t, "100.00", financial(t, mem, jan).TotalRevenue)
	assertMoney(t, "40.00", financial(t, mem, mar).PatientPayments)
}

func TestCascade_PagesThroughLaterMonths(t *testing.T) {
	// GIVEN: page size 1 and six stored months after the payment month
	r, mem := newReconciler(t, billing.WithPageSize(1))
	from := month(2024, time.December)
	inv := issue(t, r, 2, 1, day(2024, time.December, 1), "500.00", "0")
	materialize(t, r, from, month(2025, time.June))

	// WHEN: a December payment is recorded
	out, err := r.Apply(context.Background(), billing.CreatePayment(billing.NewPayment{
		InvoiceID: inv.ID, Amount: money("125"), PaymentDate: day(2024, time.December, 20), Method: "card",
	}))
	require.NoError(t, err)

	// THEN: all seven months were recomputed
	assert.Len(t, out.Monthly, 7)
	assert.Len(t, out.Global, 7)
	for _, m := range billing.MonthsBetween(month(2025, time.January), month(2025, time.June)) {
		assertMoney(t, "375.00", statement(t, mem, 2, m).OpeningBalance, "opening of %s", m)
	}
}

func TestCascade_OtherPatientsUntouched(t *testing.T) {
	r, mem := newReconciler(t)
	jan, feb := month(2025, time.January), month(2025, time.February)

	a := issue(t, r, 1, 1, day(2025, time.January, 5), "100.00", "0")
	issue(t, r, 2, 2, day(2025, time.January, 6), "70.00", "0")
	materialize(t, r, jan, feb)
	other := statement(t, mem, 2, feb)

	out, err := r.Apply(context.Background(), billing.CreatePayment(billing.NewPayment{
		InvoiceID: a.ID, Amount: money("10"), PaymentDate: day(2025, time.January, 9), Method: "card",
	}))
	require.NoError(t, err)

	assert.Equal(t, []billing.Month{jan, feb}, out.Monthly)
	assert.Equal(t, other, statement(t, mem, 2, feb))
}

// =============================================================================
// IDEMPOTENCE
// =============================================================================

func TestRecompute_Idempotent(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	feb := month(2025, time.February)

	inv := issue(t, r, 4, 1, day(2025, time.January, 12), "90.00", "10.00")
	submit(t, r, inv.ID, "30", day(2025, time.February, 3), false)

	calc := r.Calculator()
	first, err := calc.RecomputeMonth(ctx, mem, 4, feb)
	require.NoError(t, err)
	second, err := calc.RecomputeMonth(ctx, mem, 4, feb)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	g1, err := calc.RecomputeGlobalMonth(ctx, mem, feb)
	require.NoError(t, err)
	g2, err := calc.RecomputeGlobalMonth(ctx, mem, feb)
	require.NoError(t, err)
	assert.Equal(t, g1, g2)

	i1, err := calc.RecomputeInvoice(ctx, mem, inv.ID)
	require.NoError(t, err)
	i2, err := calc.RecomputeInvoice(ctx, mem, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, i1, i2)
}

// =============================================================================
// ATOMICITY
// =============================================================================

// faultyStore fails the forward cascade of the next unit of work, after the
// affected months were already recomputed inside it.
type faultyStore struct {
	*store.TxMemory
	failCascade bool
}

type faultyUnit struct {
	billing.Store
}

var errInjected = errors.New("injected failure")

func (u faultyUnit) MonthlyStatements(context.Context, billing.StatementFilter) ([]billing.MonthlyStatement, error) {
	return nil, errInjected
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(uow billing.Store) error {
		if f.failCascade {
			return fn(faultyUnit{Store: uow})
		}
		return fn(uow)
	})
}

type snapshot struct {
	invoices []billing.Invoice
	payments []billing.Payment
	monthly  []billing.MonthlyStatement
	global   []billing.FinancialStatement
}

func takeSnapshot(t *testing.T, s billing.Store) snapshot {
	t.Helper()
	ctx := context.Background()
	var (
		snap snapshot
		err  error
	)
	snap.invoices, err = s.Invoices(ctx, billing.InvoiceFilter{})
	require.NoError(t, err)
	snap.payments, err = s.Payments(ctx, billing.PaymentFilter{})
	require.NoError(t, err)
	snap.monthly, err = s.MonthlyStatements(ctx, billing.StatementFilter{})
	require.NoError(t, err)
	snap.global, err = s.FinancialStatements(ctx, billing.StatementFilter{})
	require.NoError(t, err)
	return snap
}

func TestAtomicity_FailureDuringCascadeRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	fs := &faultyStore{TxMemory: store.NewTxMemory()}
	r := billing.NewReconciler(fs, billing.WithClock(fixedClock{at: now}))

	// GIVEN: stored statements for January..March and a partially paid invoice
	inv := issue(t, r, 5, 1, day(2025, time.January, 5), "100.00", "0")
	p := submit(t, r, inv.ID, "25", day(2025, time.January, 6), false)
	materialize(t, r, month(2025, time.January), month(2025, time.March))
	before := takeSnapshot(t, fs)

	// WHEN: each kind of payment event fails during the forward cascade
	fs.failCascade = true
	amount := money("99")
	mutations := []billing.Mutation{
		billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: money("75"), PaymentDate: day(2025, time.January, 9), Method: "card"}),
		billing.AmendPayment(p.ID, billing.PaymentPatch{Amount: &amount}),
		billing.RetractPayment(p.ID),
	}
	for _, m := range mutations {
		_, err := r.Apply(ctx, m)

		// THEN: the caller sees a reconciliation failure with the cause attached
		require.Error(t, err, "event %s", m.Kind)
		assert.ErrorIs(t, err, billing.ErrReconciliation)
		assert.ErrorIs(t, err, errInjected)
		var rerr *billing.ReconcileError
		assert.ErrorAs(t, err, &rerr)
		assert.False(t, billing.IsValidation(err))

		// AND: no row changed
		assert.Equal(t, before, takeSnapshot(t, fs), "event %s", m.Kind)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// countingStore records how many transactions were opened.
type countingStore struct {
	*store.TxMemory
	txs int
}

func (c *countingStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	c.txs++
	return c.TxMemory.WithTx(ctx, fn)
}

func TestValidation_RejectedBeforeTransaction(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{TxMemory: store.NewTxMemory()}
	r := billing.NewReconciler(cs, billing.WithClock(fixedClock{at: now}))
	inv := issue(t, r, 1, 1, day(2025, time.January, 5), "100.00", "0")
	p := submit(t, r, inv.ID, "10", day(2025, time.January, 6), false)
	opened := cs.txs

	zero := decimal.Zero
	subCent := money("0.004")
	tests := []struct {
		name string
		m    billing.Mutation
		want billing.ReasonCode
	}{
		{"zero amount", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: zero, PaymentDate: now, Method: "card"}), billing.ReasonInvalidAmount},
		{"negative amount", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: money("-5"), PaymentDate: now, Method: "card"}), billing.ReasonInvalidAmount},
		{"sub-cent amount", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: subCent, PaymentDate: now, Method: "card"}), billing.ReasonInvalidAmount},
		{"fractional cent amount", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: money("10.005"), PaymentDate: now, Method: "card"}), billing.ReasonInvalidAmount},
		{"unknown invoice", billing.CreatePayment(billing.NewPayment{InvoiceID: 999, Amount: money("5"), PaymentDate: now, Method: "card"}), billing.ReasonNotFound},
		{"missing method", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: money("5"), PaymentDate: now}), billing.ReasonMissingField},
		{"missing date", billing.CreatePayment(billing.NewPayment{InvoiceID: inv.ID, Amount: money("5"), Method: "card"}), billing.ReasonMissingField},
		{"empty amend", billing.AmendPayment(p.ID, billing.PaymentPatch{}), billing.ReasonNoFieldsProvided},
		{"amend non-positive", billing.AmendPayment(p.ID, billing.PaymentPatch{Amount: &zero}), billing.ReasonInvalidAmount},
		{"amend sub-cent", billing.AmendPayment(p.ID, billing.PaymentPatch{Amount: &subCent}), billing.ReasonInvalidAmount},
		{"amend unknown", billing.AmendPayment(999, billing.PaymentPatch{Amount: &p.Amount}), billing.ReasonNotFound},
		{"amend bad id", billing.AmendPayment(0, billing.PaymentPatch{Amount: &p.Amount}), billing.ReasonInvalidID},
		{"retract unknown", billing.RetractPayment(999), billing.ReasonNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Apply(ctx, tt.m)
			require.Error(t, err)
			assert.True(t, billing.IsValidation(err))
			assert.Equal(t, tt.want, billing.ReasonOf(err))
			assert.False(t, errors.Is(err, billing.ErrReconciliation))
		})
	}
	assert.Equal(t, opened, cs.txs, "validation must not open a transaction")

	// GIVEN the rejected sub-cent payments
	// THEN nothing was stored and the invoice still shows the single 10.00 payment
	detail, err := r.Invoice(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, detail.Payments, 1)
	assertMoney(t, "10.00", detail.Payments[0].Amount)
	assertMoney(t, "10.00", detail.Invoice.AmountPaid)
}

func TestIssueInvoice_DuplicatePrescription(t *testing.T) {
	r, _ := newReconciler(t)
	issue(t, r, 1, 42, day(2025, time.January, 5), "10.00", "0")

	_, err := r.IssueInvoice(context.Background(), billing.NewInvoice{
		PatientID: 1, PrescriptionID: 42, InvoiceDate: day(2025, time.January, 6), TotalAmount: money("10"),
	})
	assert.ErrorIs(t, err, billing.ErrDuplicatePrescription)
	assert.Equal(t, billing.ReasonDuplicatePrescription, billing.ReasonOf(err))
}

func TestIssueInvoice_DefaultsDueDate(t *testing.T) {
	r, _ := newReconciler(t)
	inv := issue(t, r, 1, 42, day(2025, time.January, 5), "10.00", "0")
	assert.Equal(t, day(2025, time.February, 4), inv.DueDate)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentPayments_NoLostUpdate(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1, day(2025, time.January, 5), "1000.00", "0")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.SubmitPayment(ctx, billing.NewPayment{
				InvoiceID: inv.ID, Amount: money("5"), PaymentDate: day(2025, time.January, 10), Method: "card",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assertMoney(t, "100.00", invoice(t, mem, inv.ID).AmountPaid)
}

// =============================================================================
// READ SIDE
// =============================================================================

func TestMonthlyStatementFor_ComputedWhenNotStored(t *testing.T) {
	ctx := context.Background()
	r, mem := newReconciler(t)
	inv := issue(t, r, 1, 1, day(2025, time.January, 5), "100.00", "0")
	submit(t, r, inv.ID, "30", day(2025, time.January, 7), false)

	apr := month(2025, time.April)
	s, err := r.MonthlyStatementFor(ctx, 1, apr)
	require.NoError(t, err)
	assert.False(t, s.Stored())
	assertMoney(t, "70.00", s.OpeningBalance)
	assertMoney(t, "70.00", s.ClosingBalance)

	_, err = mem.MonthlyStatement(ctx, 1, apr.Start())
	assert.True(t, billing.IsNotFound(err), "computing on demand must not persist")
}

func TestLatestFinancialStatement(t *testing.T) {
	ctx := context.Background()
	r, _ := newReconciler(t)

	_, err := r.LatestFinancialStatement(ctx)
	assert.Equal(t, billing.ReasonNotFound, billing.ReasonOf(err))

	issue(t, r, 1, 1, day(2025, time.March, 5), "100.00", "0")
	materialize(t, r, month(2025, time.February), month(2025, time.April))

	latest, err := r.LatestFinancialStatement(ctx)
	require.NoError(t, err)
	assert.Equal(t, month(2025, time.April), latest.Month())
}

func TestMaterializeMonth_RejectsFuture(t *testing.T) {
	r, _ := newReconciler(t)
	_, err := r.MaterializeMonth(context.Background(), billing.MonthOf(now).Next())
	assert.Equal(t, billing.ReasonInvalidPeriod, billing.ReasonOf(err))
}

func TestAccountStatement_NewestFirst(t *testing.T) {
	r, _ := newReconciler(t)
	a := issue(t, r, 8, 1, day(2025, time.January, 5), "100.00", "40.00")
	issue(t, r, 8, 2, day(2025, time.March, 5), "20.00", "0")
	submit(t, r, a.ID, "10", day(2025, time.January, 9), false)

	stmt, err := r.AccountStatement(context.Background(), 8)
	require.NoError(t, err)
	require.Len(t, stmt.Lines, 2)
	assert.Equal(t, billing.PrescriptionID(2), stmt.Lines[0].PrescriptionID)
	assertMoney(t, "50.00", stmt.Lines[1].Balance)
	assertMoney(t, "70.00", stmt.TotalBalance)
}

// =============================================================================
// OPENING BALANCE AND MONTH BOUNDS
// =============================================================================

func TestOpeningBalance_UsesPaymentDatesAcrossMonths(t *testing.T) {
	r, mem := newReconciler(t)
	jan, feb, mar := month(2025, time.January), month(2025, time.February), month(2025, time.March)

	// GIVEN a January invoice of 100.00 with January through March stored
	inv := issue(t, r, 3, 1, day(2025, time.January, 10), "100.00", "0")
	materialize(t, r, jan, mar)

	// WHEN it is paid 60.00 in February
	submit(t, r, inv.ID, "60", day(2025, time.February, 5), false)

	// THEN January still closes at 100.00 although the invoice balance is 40.00
	assertMoney(t, "40.00", invoice(t, mem, inv.ID).Balance())
	assertMoney(t, "100.00", statement(t, mem, 3, jan).ClosingBalance)

	// AND February opens where January closed and takes the payment itself
	f := statement(t, mem, 3, feb)
	assertMoney(t, "100.00", f.OpeningBalance)
	assertMoney(t, "60.00", f.TotalPayments)
	assertMoney(t, "40.00", f.ClosingBalance)
	assertMoney(t, "40.00", statement(t, mem, 3, mar).OpeningBalance)
}

func TestMonthMembership_IsHalfOpen(t *testing.T) {
	ctx := context.Background()
	r, _ := newReconciler(t)
	jan, feb := month(2025, time.January), month(2025, time.February)
	inv := issue(t, r, 4, 1, day(2025, time.January, 10), "100.00", "0")

	// GIVEN a payment in January's last sub-millisecond and one at February's first instant
	lastInstant := feb.Start().Add(-time.Microsecond)
	require.True(t, lastInstant.After(jan.End()))
	submit(t, r, inv.ID, "10", lastInstant, false)
	submit(t, r, inv.ID, "20", feb.Start(), false)

	// THEN each lands in exactly one month
	js, err := r.MonthlyStatementFor(ctx, 4, jan)
	require.NoError(t, err)
	assertMoney(t, "10.00", js.TotalPayments)
	assertMoney(t, "90.00", js.ClosingBalance)

	fs, err := r.MonthlyStatementFor(ctx, 4, feb)
	require.NoError(t, err)
	assertMoney(t, "90.00", fs.OpeningBalance)
	assertMoney(t, "20.00", fs.TotalPayments)

	detail, err := r.MonthlyStatementDetail(ctx, 4, jan)
	require.NoError(t, err)
	require.Len(t, detail.Payments, 1)
	assertMoney(t, "10.00", detail.Payments[0].Amount)
}

func TestRecentMonthlyStatements_RollingWindow(t *testing.T) {
	ctx := context.Background()
	r, _ := newReconciler(t)
	inv := issue(t, r, 5, 1, day(2025, time.April, 3), "80.00", "0")
	submit(t, r, inv.ID, "30", day(2025, time.May, 3), false)

	// WHEN the last three months are listed in June
	got, err := r.RecentMonthlyStatements(ctx, 5, 3)
	require.NoError(t, err)

	// THEN they come newest first, computed where nothing is stored
	require.Len(t, got, 3)
	assert.Equal(t, month(2025, time.June), got[0].Month())
	assert.Equal(t, month(2025, time.May), got[1].Month())
	assert.Equal(t, month(2025, time.April), got[2].Month())
	assert.False(t, got[0].Stored())
	assert.True(t, got[2].Stored())
	assertMoney(t, "50.00", got[0].OpeningBalance)
	for i := 0; i < len(got)-1; i++ {
		assertMoney(t, got[i+1].ClosingBalance.String(), got[i].OpeningBalance, "continuity at %s", got[i].Month())
	}

	_, err = r.RecentMonthlyStatements(ctx, 5, 0)
	assert.Equal(t, billing.ReasonInvalidPeriod, billing.ReasonOf(err))
}
