// Package store provides in-process billing.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/warp/rxbilling/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type monthlyKey struct {
	PatientID billing.PatientID
	Month     billing.Month
}

// tables holds every row. Methods on tables assume the caller holds the lock.
type tables struct {
	invoices map[billing.InvoiceID]billing.Invoice
	payments map[billing.PaymentID]billing.Payment
	monthly  map[monthlyKey]billing.MonthlyStatement
	global   map[billing.Month]billing.FinancialStatement

	nextInvoice   billing.InvoiceID
	nextPayment   billing.PaymentID
	nextStatement int64
}

func newTables() *tables {
	return &tables{
		invoices: make(map[billing.InvoiceID]billing.Invoice),
		payments: make(map[billing.PaymentID]billing.Payment),
		monthly:  make(map[monthlyKey]billing.MonthlyStatement),
		global:   make(map[billing.Month]billing.FinancialStatement),
	}
}

// clone copies every map. Rows are values, so this is a full snapshot.
func (t *tables) clone() *tables {
	c := *t
	c.invoices = make(map[billing.InvoiceID]billing.Invoice, len(t.invoices))
	for k, v := range t.invoices {
		c.invoices[k] = v
	}
	c.payments = make(map[billing.PaymentID]billing.Payment, len(t.payments))
	for k, v := range t.payments {
		c.payments[k] = v
	}
	c.monthly = make(map[monthlyKey]billing.MonthlyStatement, len(t.monthly))
	for k, v := range t.monthly {
		c.monthly[k] = v
	}
	c.global = make(map[billing.Month]billing.FinancialStatement, len(t.global))
	for k, v := range t.global {
		c.global[k] = v
	}
	return &c
}

func inRange(t, from, until time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

func (t *tables) invoice(id billing.InvoiceID) (billing.Invoice, error) {
	inv, ok := t.invoices[id]
	if !ok {
		return billing.Invoice{}, errors.Wrapf(billing.ErrNotFound, "invoice %d", id)
	}
	return inv, nil
}

func (t *tables) invoiceByPrescription(id billing.PrescriptionID) (billing.Invoice, error) {
	for _, inv := range t.invoices {
		if inv.PrescriptionID == id {
			return inv, nil
		}
	}
	return billing.Invoice{}, errors.Wrapf(billing.ErrNotFound, "invoice for prescription %d", id)
}

func (t *tables) listInvoices(f billing.InvoiceFilter) []billing.Invoice {
	out := lo.Filter(lo.Values(t.invoices), func(inv billing.Invoice, _ int) bool {
		if f.PatientID != 0 && inv.PatientID != f.PatientID {
			return false
		}
		if f.Unpaid && inv.Status == billing.StatusPaid {
			return false
		}
		return inRange(inv.InvoiceDate, f.From, f.Until)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InvoiceDate.Equal(out[j].InvoiceDate) {
			return out[i].InvoiceDate.Before(out[j].InvoiceDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tables) createInvoice(inv *billing.Invoice) error {
	if _, err := t.invoiceByPrescription(inv.PrescriptionID); err == nil {
		return errors.Wrapf(billing.ErrDuplicatePrescription, "prescription %d", inv.PrescriptionID)
	}
	t.nextInvoice++
	inv.ID = t.nextInvoice
	t.invoices[inv.ID] = *inv
	return nil
}

func (t *tables) updateInvoiceBalance(id billing.InvoiceID, paid decimal.Decimal, status billing.InvoiceStatus, at time.Time) error {
	inv, err := t.invoice(id)
	if err != nil {
		return err
	}
	inv.AmountPaid = paid
	inv.Status = status
	inv.UpdatedAt = at
	t.invoices[id] = inv
	return nil
}

func (t *tables) payment(id billing.PaymentID) (billing.Payment, error) {
	p, ok := t.payments[id]
	if !ok {
		return billing.Payment{}, errors.Wrapf(billing.ErrNotFound, "payment %d", id)
	}
	return p, nil
}

func (t *tables) listPayments(f billing.PaymentFilter) []billing.Payment {
	out := lo.Filter(lo.Values(t.payments), func(p billing.Payment, _ int) bool {
		if f.PatientID != 0 && p.PatientID != f.PatientID {
			return false
		}
		if f.InvoiceID != 0 && p.InvoiceID != f.InvoiceID {
			return false
		}
		if f.CompletedOnly && !p.Completed() {
			return false
		}
		return inRange(p.PaymentDate, f.From, f.Until)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaymentDate.Equal(out[j].PaymentDate) {
			return out[i].PaymentDate.Before(out[j].PaymentDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *tables) createPayment(p *billing.Payment) error {
	if _, err := t.invoice(p.InvoiceID); err != nil {
		return err
	}
	t.nextPayment++
	p.ID = t.nextPayment
	t.payments[p.ID] = *p
	return nil
}

func (t *tables) updatePayment(p billing.Payment) error {
	existing, err := t.payment(p.ID)
	if err != nil {
		return err
	}
	existing.Amount = p.Amount
	existing.PaymentDate = p.PaymentDate
	existing.Method = p.Method
	existing.IsRefund = p.IsRefund
	existing.TransactionStatus = p.TransactionStatus
	existing.Notes = p.Notes
	existing.UpdatedAt = p.UpdatedAt
	t.payments[p.ID] = existing
	return nil
}

func (t *tables) deletePayment(id billing.PaymentID) error {
	if _, err := t.payment(id); err != nil {
		return err
	}
	delete(t.payments, id)
	return nil
}

func (t *tables) patientsWithActivity(until time.Time) []billing.PatientID {
	seen := make(map[billing.PatientID]bool)
	for _, inv := range t.invoices {
		if inv.InvoiceDate.Before(until) {
			seen[inv.PatientID] = true
		}
	}
	for _, p := range t.payments {
		if p.PaymentDate.Before(until) {
			seen[p.PatientID] = true
		}
	}
	ids := lo.Keys(seen)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// -----------------------------------------------------------------------------
// Statements
// -----------------------------------------------------------------------------

func (t *tables) monthlyStatement(patientID billing.PatientID, start time.Time) (billing.MonthlyStatement, error) {
	s, ok := t.monthly[monthlyKey{PatientID: patientID, Month: billing.MonthOf(start)}]
	if !ok {
		return billing.MonthlyStatement{}, errors.Wrapf(billing.ErrNotFound, "statement %s of patient %d", billing.MonthOf(start), patientID)
	}
	return s, nil
}

func (t *tables) listMonthly(f billing.StatementFilter) []billing.MonthlyStatement {
	out := lo.Filter(lo.Values(t.monthly), func(s billing.MonthlyStatement, _ int) bool {
		if f.PatientID != 0 && s.PatientID != f.PatientID {
			return false
		}
		return f.After.IsZero() || s.PeriodStart.After(f.After)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].PatientID < out[j].PatientID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t *tables) upsertMonthly(s *billing.MonthlyStatement) {
	k := monthlyKey{PatientID: s.PatientID, Month: s.Month()}
	if existing, ok := t.monthly[k]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else {
		t.nextStatement++
		s.ID = t.nextStatement
	}
	t.monthly[k] = *s
}

func (t *tables) financialStatement(start time.Time) (billing.FinancialStatement, error) {
	s, ok := t.global[billing.MonthOf(start)]
	if !ok {
		return billing.FinancialStatement{}, errors.Wrapf(billing.ErrNotFound, "financial statement %s", billing.MonthOf(start))
	}
	return s, nil
}

func (t *tables) listGlobal(f billing.StatementFilter) []billing.FinancialStatement {
	out := lo.Filter(lo.Values(t.global), func(s billing.FinancialStatement, _ int) bool {
		return f.After.IsZero() || s.PeriodStart.After(f.After)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (t *tables) latestGlobal() (billing.FinancialStatement, error) {
	all := t.listGlobal(billing.StatementFilter{})
	if len(all) == 0 {
		return billing.FinancialStatement{}, errors.Wrap(billing.ErrNotFound, "financial statement")
	}
	return all[len(all)-1], nil
}

func (t *tables) upsertGlobal(s *billing.FinancialStatement) {
	k := s.Month()
	if existing, ok := t.global[k]; ok {
		s.ID = existing.ID
		s.CreatedAt = existing.CreatedAt
	} else {
		t.nextStatement++
		s.ID = t.nextStatement
	}
	t.global[k] = *s
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory is a billing.TxStore kept in process memory. WithTx holds the write
// lock for the whole unit of work, so transactions are serial.
type TxMemory struct {
	mu sync.RWMutex
	t  *tables
}

func NewTxMemory() *TxMemory {
	return &TxMemory{t: newTables()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *TxMemory) WithTx(ctx context.Context, fn func(billing.Store) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.t.clone()
	defer func() {
		if p := recover(); p != nil {
			m.t = snapshot
			panic(p)
		}
		if err != nil {
			m.t = snapshot
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&txView{t: m.t})
}

func (m *TxMemory) read() func() {
	m.mu.RLock()
	return m.mu.RUnlock
}

func (m *TxMemory) write() func() {
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *TxMemory) Invoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	defer m.read()()
	return m.t.invoice(id)
}

func (m *TxMemory) LockInvoice(ctx context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return m.Invoice(ctx, id)
}

func (m *TxMemory) InvoiceByPrescription(_ context.Context, id billing.PrescriptionID) (billing.Invoice, error) {
	defer m.read()()
	return m.t.invoiceByPrescription(id)
}

func (m *TxMemory) Invoices(_ context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	defer m.read()()
	return m.t.listInvoices(f), nil
}

func (m *TxMemory) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	defer m.write()()
	return m.t.createInvoice(inv)
}

func (m *TxMemory) UpdateInvoiceBalance(_ context.Context, id billing.InvoiceID, paid decimal.Decimal, status billing.InvoiceStatus, at time.Time) error {
	defer m.write()()
	return m.t.updateInvoiceBalance(id, paid, status, at)
}

func (m *TxMemory) Payment(_ context.Context, id billing.PaymentID) (billing.Payment, error) {
	defer m.read()()
	return m.t.payment(id)
}

func (m *TxMemory) Payments(_ context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	defer m.read()()
	return m.t.listPayments(f), nil
}

func (m *TxMemory) CreatePayment(_ context.Context, p *billing.Payment) error {
	defer m.write()()
	return m.t.createPayment(p)
}

func (m *TxMemory) UpdatePayment(_ context.Context, p billing.Payment) error {
	defer m.write()()
	return m.t.updatePayment(p)
}

func (m *TxMemory) DeletePayment(_ context.Context, id billing.PaymentID) error {
	defer m.write()()
	return m.t.deletePayment(id)
}

func (m *TxMemory) PatientsWithActivity(_ context.Context, until time.Time) ([]billing.PatientID, error) {
	defer m.read()()
	return m.t.patientsWithActivity(until), nil
}

func (m *TxMemory) MonthlyStatement(_ context.Context, patientID billing.PatientID, start time.Time) (billing.MonthlyStatement, error) {
	defer m.read()()
	return m.t.monthlyStatement(patientID, start)
}

func (m *TxMemory) MonthlyStatements(_ context.Context, f billing.StatementFilter) ([]billing.MonthlyStatement, error) {
	defer m.read()()
	return m.t.listMonthly(f), nil
}

func (m *TxMemory) UpsertMonthlyStatement(_ context.Context, s *billing.MonthlyStatement) error {
	defer m.write()()
	m.t.upsertMonthly(s)
	return nil
}

func (m *TxMemory) FinancialStatement(_ context.Context, start time.Time) (billing.FinancialStatement, error) {
	defer m.read()()
	return m.t.financialStatement(start)
}

func (m *TxMemory) FinancialStatements(_ context.Context, f billing.StatementFilter) ([]billing.FinancialStatement, error) {
	defer m.read()()
	return m.t.listGlobal(f), nil
}

func (m *TxMemory) LatestFinancialStatement(_ context.Context) (billing.FinancialStatement, error) {
	defer m.read()()
	return m.t.latestGlobal()
}

func (m *TxMemory) UpsertFinancialStatement(_ context.Context, s *billing.FinancialStatement) error {
	defer m.write()()
	m.t.upsertGlobal(s)
	return nil
}

// =============================================================================
// TRANSACTION VIEW - Same tables, caller already holds the lock
// =============================================================================

type txView struct {
	t *tables
}

func (v *txView) Invoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return v.t.invoice(id)
}

func (v *txView) LockInvoice(_ context.Context, id billing.InvoiceID) (billing.Invoice, error) {
	return v.t.invoice(id)
}

func (v *txView) InvoiceByPrescription(_ context.Context, id billing.PrescriptionID) (billing.Invoice, error) {
	return v.t.invoiceByPrescription(id)
}

func (v *txView) Invoices(_ context.Context, f billing.InvoiceFilter) ([]billing.Invoice, error) {
	return v.t.listInvoices(f), nil
}

func (v *txView) CreateInvoice(_ context.Context, inv *billing.Invoice) error {
	return v.t.createInvoice(inv)
}

func (v *txView) UpdateInvoiceBalance(_ context.Context, id billing.InvoiceID, paid decimal.Decimal, status billing.InvoiceStatus, at time.Time) error {
	return v.t.updateInvoiceBalance(id, paid, status, at)
}

func (v *txView) Payment(_ context.Context, id billing.PaymentID) (billing.Payment, error) {
	return v.t.payment(id)
}

func (v *txView) Payments(_ context.Context, f billing.PaymentFilter) ([]billing.Payment, error) {
	return v.t.listPayments(f), nil
}

func (v *txView) CreatePayment(_ context.Context, p *billing.Payment) error {
	return v.t.createPayment(p)
}

func (v *txView) UpdatePayment(_ context.Context, p billing.Payment) error {
	return v.t.updatePayment(p)
}

func (v *txView) DeletePayment(_ context.Context, id billing.PaymentID) error {
	return v.t.deletePayment(id)
}

func (v *txView) PatientsWithActivity(_ context.Context, until time.Time) ([]billing.PatientID, error) {
	return v.t.patientsWithActivity(until), nil
}

func (v *txView) MonthlyStatement(_ context.Context, patientID billing.PatientID, start time.Time) (billing.MonthlyStatement, error) {
	return v.t.monthlyStatement(patientID, start)
}

func (v *txView) MonthlyStatements(_ context.Context, f billing.StatementFilter) ([]billing.MonthlyStatement, error) {
	return v.t.listMonthly(f), nil
}

func (v *txView) UpsertMonthlyStatement(_ context.Context, s *billing.MonthlyStatement) error {
	v.t.upsertMonthly(s)
	return nil
}

func (v *txView) FinancialStatement(_ context.Context, start time.Time) (billing.FinancialStatement, error) {
	return v.t.financialStatement(start)
}

func (v *txView) FinancialStatements(_ context.Context, f billing.StatementFilter) ([]billing.FinancialStatement, error) {
	return v.t.listGlobal(f), nil
}

func (v *txView) LatestFinancialStatement(_ context.Context) (billing.FinancialStatement, error) {
	return v.t.latestGlobal()
}

func (v *txView) UpsertFinancialStatement(_ context.Context, s *billing.FinancialStatement) error {
	v.t.upsertGlobal(s)
	return nil
}

var (
	_ billing.TxStore = (*TxMemory)(nil)
	_ billing.Store   = (*txView)(nil)
)
