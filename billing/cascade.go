package billing

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// =============================================================================
// CASCADE - Forward re-derivation of stored statements
// =============================================================================

// normalizeMonths de-duplicates and sorts months ascending.
func normalizeMonths(months []Month) []Month {
	months = lo.Uniq(lo.Filter(months, func(m Month, _ int) bool { return !m.IsZero() }))
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })
	return months
}

// cascade recomputes the affected months, then every stored statement whose
// period starts strictly after the earliest affected month, ascending.
// Patient statements are limited to patientID; global statements are not.
func (r *Reconciler) cascade(ctx context.Context, uow Store, patientID PatientID, patientMonths, globalMonths []Month, out *Outcome) error {
	patientMonths = normalizeMonths(patientMonths)
	globalMonths = normalizeMonths(globalMonths)

	for _, m := range patientMonths {
		if _, err := r.calc.RecomputeMonth(ctx, uow, patientID, m); err != nil {
			return err
		}
		out.Monthly = append(out.Monthly, m)
	}
	for _, m := range globalMonths {
		if _, err := r.calc.RecomputeGlobalMonth(ctx, uow, m); err != nil {
			return err
		}
		out.Global = append(out.Global, m)
	}

	if len(patientMonths) > 0 {
		n, err := r.cascadeMonthly(ctx, uow, patientID, patientMonths)
		if err != nil {
			return errors.Wrapf(err, "cascade monthly statements of patient %d", patientID)
		}
		out.Monthly = append(out.Monthly, n...)
	}
	if len(globalMonths) > 0 {
		n, err := r.cascadeGlobal(ctx, uow, globalMonths)
		if err != nil {
			return errors.Wrap(err, "cascade financial statements")
		}
		out.Global = append(out.Global, n...)
	}
	return nil
}

// committed reports the statements an outcome rewrote. Only called after commit.
func (r *Reconciler) committed(out *Outcome) {
	r.observer.StatementsRecomputed(KindMonthly, len(out.Monthly))
	r.observer.StatementsRecomputed(KindGlobal, len(out.Global))
}

func (r *Reconciler) cascadeMonthly(ctx context.Context, uow Store, patientID PatientID, done []Month) ([]Month, error) {
	seen := lo.SliceToMap(done, func(m Month) (Month, bool) { return m, true })
	var recomputed []Month

	after := done[0].Start()
	for {
		page, err := uow.MonthlyStatements(ctx, StatementFilter{PatientID: patientID, After: after, Limit: r.pageSize})
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			after = s.PeriodStart
			m := s.Month()
			if seen[m] {
				continue
			}
			if _, err := r.calc.RecomputeMonth(ctx, uow, patientID, m); err != nil {
				return nil, err
			}
			recomputed = append(recomputed, m)
		}
		if r.pageSize == 0 || len(page) < r.pageSize {
			return recomputed, nil
		}
	}
}

func (r *Reconciler) cascadeGlobal(ctx context.Context, uow Store, done []Month) ([]Month, error) {
	seen := lo.SliceToMap(done, func(m Month) (Month, bool) { return m, true })
	var recomputed []Month

	after := done[0].Start()
	for {
		page, err := uow.FinancialStatements(ctx, StatementFilter{After: after, Limit: r.pageSize})
		if err != nil {
			return nil, err
		}
		for _, s := range page {
			after = s.PeriodStart
			m := s.Month()
			if seen[m] {
				continue
			}
			if _, err := r.calc.RecomputeGlobalMonth(ctx, uow, m); err != nil {
				return nil, err
			}
			recomputed = append(recomputed, m)
		}
		if r.pageSize == 0 || len(page) < r.pageSize {
			return recomputed, nil
		}
	}
}
