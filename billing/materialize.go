package billing

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// MATERIALIZATION - Persisting statements for a closed or current month
// =============================================================================
// Statements only exist once something writes them. A payment cascade writes
// the months it touches; MaterializeMonth writes every patient's statement for
// a month plus the global one, whether or not a payment landed in it.

// MaterializeMonth persists the statements of every patient with ledger
// activity up to the end of month, plus the financial statement, then cascades
// forward through later stored months. Future months are rejected.
func (r *Reconciler) MaterializeMonth(ctx context.Context, month Month) (out *Outcome, err error) {
	started := r.clock.Now()
	defer func() { r.observer.MutationApplied(EventMaterialize, err, r.clock.Now().Sub(started)) }()

	if month.IsZero() {
		return nil, newValidationError(ReasonInvalidPeriod, "period", "period is required")
	}
	if month.After(MonthOf(started)) {
		return nil, newValidationError(ReasonInvalidPeriod, "period", "period %s has not started", month)
	}

	out = &Outcome{RunID: uuid.NewString(), Kind: EventMaterialize}
	log := r.log.With(zap.String("run_id", out.RunID), zap.String("event", string(EventMaterialize)), zap.Stringer("period", month))

	err = r.store.WithTx(ctx, func(uow Store) error {
		patients, err := uow.PatientsWithActivity(ctx, month.Next().Start())
		if err != nil {
			return errors.Wrap(err, "list active patients")
		}
		for _, id := range patients {
			if err := r.cascade(ctx, uow, id, []Month{month}, nil, out); err != nil {
				return err
			}
		}
		return r.cascade(ctx, uow, 0, nil, []Month{month}, out)
	})
	if err != nil {
		log.Error("materialization rolled back", zap.Error(err))
		return nil, reconcileFailure(string(EventMaterialize), err)
	}

	r.committed(out)

	log.Info("statements materialized",
		zap.Int("monthly_recomputed", len(out.Monthly)),
		zap.Int("global_recomputed", len(out.Global)),
		zap.Duration("elapsed", r.clock.Now().Sub(started)),
	)
	return out, nil
}

// RebuildStatements materializes every month from..to inclusive, one unit of
// work per month, ascending. It stops at the first failure; months already
// committed stay committed.
func (r *Reconciler) RebuildStatements(ctx context.Context, from, to Month) ([]*Outcome, error) {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, newValidationError(ReasonInvalidPeriod, "period", "invalid range %s..%s", from, to)
	}
	var outcomes []*Outcome
	for _, m := range MonthsBetween(from, to) {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := r.MaterializeMonth(ctx, m)
		if err != nil {
			return outcomes, errors.Wrapf(err, "rebuild %s", m)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}
