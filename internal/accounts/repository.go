package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"billingsync/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
// The repository accepts this so the same code works inside or outside a
// transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the PostgreSQL-backed Directory implementation.
//
// Schema:
//
//	CREATE TABLE accounts (
//	    id         TEXT PRIMARY KEY,
//	    billing_id TEXT NOT NULL UNIQUE,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Repository struct {
	db DBTX
}

// NewRepository creates a Repository backed by the given connection
// (pool or transaction).
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// Get returns the account for the given account-provider id.
func (r *Repository) Get(ctx context.Context, id string) (types.Account, bool, error) {
	var a types.Account
	err := r.db.QueryRow(ctx,
		`SELECT id, billing_id FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.BillingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Account{}, false, nil
		}
		return types.Account{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up account", err)
	}
	return a, true, nil
}

// GetByBillingID returns the account for the given billing customer id.
func (r *Repository) GetByBillingID(ctx context.Context, billingID string) (types.Account, bool, error) {
	var a types.Account
	err := r.db.QueryRow(ctx,
		`SELECT id, billing_id FROM accounts WHERE billing_id = $1`, billingID,
	).Scan(&a.ID, &a.BillingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Account{}, false, nil
		}
		return types.Account{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up account by billing id", err)
	}
	return a, true, nil
}

// Create records the mapping between id and billingID, idempotently.
// A concurrent duplicate insert surfaces as a unique violation, which is
// re-read and resolved the same way as a pre-existing row.
func (r *Repository) Create(ctx context.Context, id, billingID string) (types.Account, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO accounts (id, billing_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, id, billingID)
	if err != nil {
		if isUniqueViolation(err) {
			// billing_id collided with a different account row.
			return types.Account{}, types.NewAppErrorWithDetails(
				types.ErrCodeConflictAccountMapping,
				"billing customer is already mapped to a different account",
				err,
				map[string]any{"account_id": id},
			)
		}
		return types.Account{}, types.NewAppError(types.ErrCodeInternalDB, "failed to create account mapping", err)
	}

	// Read back whatever row now holds the id: either the one just inserted
	// or a pre-existing mapping.
	existing, ok, err := r.Get(ctx, id)
	if err != nil {
		return types.Account{}, err
	}
	if !ok {
		// ON CONFLICT DO NOTHING skipped the insert because the billing_id
		// unique index matched another account's row.
		return types.Account{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictAccountMapping,
			"billing customer is already mapped to a different account",
			nil,
			map[string]any{"account_id": id},
		)
	}
	if existing.BillingID != billingID {
		return types.Account{}, types.NewAppErrorWithDetails(
			types.ErrCodeConflictAccountMapping,
			"account is already mapped to a different billing customer",
			nil,
			map[string]any{"account_id": id},
		)
	}
	return existing, nil
}

// Delete removes the mapping for the given account-provider id.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete account mapping", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
