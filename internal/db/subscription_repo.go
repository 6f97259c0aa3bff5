package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Curay1998/SAAS-POS-sub003/internal/billing"
	"github.com/Curay1998/SAAS-POS-sub003/internal/types"
)

const subscriptionColumns = `id, owner_id, COALESCE(external_id, ''), provider_customer_id,
	 status, plan_id, quantity, cancel_at, last_applied_event_id,
	 last_applied_event_at, version, created_at, updated_at`

// SubscriptionRepo persists subscription aggregates and the webhook
// idempotency ledger. It implements billing.Store: each reconciliation runs
// in a single transaction so the ledger insert and the aggregate update
// commit atomically.
type SubscriptionRepo struct {
	db      DBTX
	starter TxStarter
	logger  *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo. db serves plain queries;
// starter opens the reconciliation transactions. A *pgxpool.Pool satisfies
// both.
func NewSubscriptionRepo(db DBTX, starter TxStarter, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, starter: starter, logger: logger}
}

// InTx runs fn inside a transaction. Rollback on error, commit otherwise.
func (r *SubscriptionRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx billing.TxStore) error) error {
	pgTx, err := r.starter.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &txStore{db: pgTx}); err != nil {
		return err
	}

	if err := pgTx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// Create inserts a new aggregate row. The caller assigns the ID.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions
		   (id, owner_id, external_id, provider_customer_id, status, plan_id, quantity)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`,
		sub.ID, sub.OwnerID, sub.ExternalID, sub.ProviderCustomerID,
		sub.Status, sub.PlanID, sub.Quantity,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.NewAppError(
				types.ErrCodeConflictSubscription,
				"a subscription with this external reference already exists",
				err,
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}
	return nil
}

// GetByOwner returns the owner's most recent subscription.
func (r *SubscriptionRepo) GetByOwner(ctx context.Context, ownerID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE owner_id = $1
		 ORDER BY created_at DESC
		 LIMIT 1`,
		ownerID,
	)
	return scanSubscription(row)
}

// GetByExternalID returns the aggregate for a provider subscription ID.
func (r *SubscriptionRepo) GetByExternalID(ctx context.Context, externalID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE external_id = $1`,
		externalID,
	)
	return scanSubscription(row)
}

// LinkExternal attaches the provider's subscription and customer identifiers
// to a provisional row created by the checkout flow. It only fills empty
// references: once set, external identifiers are immutable.
func (r *SubscriptionRepo) LinkExternal(ctx context.Context, id, externalID, providerCustomerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET external_id = COALESCE(external_id, NULLIF($1, '')),
		     provider_customer_id = CASE WHEN provider_customer_id = '' THEN $2 ELSE provider_customer_id END,
		     updated_at = NOW()
		 WHERE id = $3`,
		externalID, providerCustomerID, id,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return types.NewAppError(
				types.ErrCodeConflictSubscription,
				"external reference already linked to another subscription",
				err,
			)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link external reference", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// PurgeAppliedBefore deletes idempotency records older than the cutoff and
// returns the number of rows removed. The provider stops redelivering long
// before any sane retention window, so purged IDs cannot collide again.
func (r *SubscriptionRepo) PurgeAppliedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_events WHERE applied_at < $1`,
		before,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge webhook events", err)
	}
	return tag.RowsAffected(), nil
}

// txStore is the transactional view handed to the reconciler.
type txStore struct {
	db DBTX
}

func (t *txStore) GetForUpdate(ctx context.Context, externalID string) (*types.Subscription, error) {
	row := t.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE external_id = $1
		 FOR UPDATE`,
		externalID,
	)
	return scanSubscription(row)
}

func (t *txStore) ReserveEvent(ctx context.Context, eventID string) (bool, error) {
	tag, err := t.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id) VALUES ($1)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reserve event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txStore) Apply(ctx context.Context, sub *types.Subscription) error {
	tag, err := t.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     plan_id = $2,
		     quantity = $3,
		     cancel_at = $4,
		     last_applied_event_id = $5,
		     last_applied_event_at = $6,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $7`,
		sub.Status, sub.PlanID, sub.Quantity, sub.CancelAt,
		sub.LastAppliedEventID, sub.LastAppliedEventAt, sub.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription transition", err)
	}
	if tag.RowsAffected() == 0 {
		// The row was locked by GetForUpdate in this transaction, so a miss
		// here means it was deleted out from under us.
		return types.NewAppError(types.ErrCodeConflictConcurrent, "subscription row vanished during transaction", nil)
	}
	sub.Version++
	return nil
}

// scanSubscription reads one aggregate row.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.ExternalID, &sub.ProviderCustomerID,
		&sub.Status, &sub.PlanID, &sub.Quantity, &sub.CancelAt,
		&sub.LastAppliedEventID, &sub.LastAppliedEventAt, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription", err)
	}
	return &sub, nil
}
