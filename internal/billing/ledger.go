package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/set-night/studiochat/internal/domain"
	"github.com/shopspring/decimal"
)

// Ledger is the Postgres credit ledger: one debit per submitted job and at
// most one refund per failed job, enforced by a unique (job_id, tx_type).
type Ledger struct {
	db      *pgxpool.Pool
	jobCost decimal.Decimal
	initial decimal.Decimal
}

func NewLedger(db *pgxpool.Pool, jobCost, initial decimal.Decimal) *Ledger {
	return &Ledger{db: db, jobCost: jobCost, initial: initial}
}

func (l *Ledger) ensureAccount(ctx context.Context, tx pgx.Tx, owner string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_accounts (owner_context_id, balance) VALUES ($1, $2)
		 ON CONFLICT (owner_context_id) DO NOTHING`, owner, l.initial)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// DeductJobs atomically charges one job cost per id. Ids already debited are
// skipped, so replaying a submission does not charge twice.
func (l *Ledger) DeductJobs(ctx context.Context, owner string, jobIDs []string) (charged decimal.Decimal, newBalance decimal.Decimal, err error) {
	if len(jobIDs) == 0 {
		return decimal.Zero, decimal.Zero, nil
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ensureAccount(ctx, tx, owner); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	// Lock account row and check balance
	var balance decimal.Decimal
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_context_id = $1 FOR UPDATE`, owner).Scan(&balance); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("lock account: %w", err)
	}

	total := JobsCost(len(jobIDs), l.jobCost)
	if balance.Sub(total).LessThan(decimal.Zero) {
		return decimal.Zero, decimal.Zero, domain.ErrInsufficientBalance
	}

	inserted := 0
	for _, id := range jobIDs {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (owner_context_id, job_id, amount, tx_type, description)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (job_id, tx_type) DO NOTHING`,
			owner, id, l.jobCost.Neg(), string(domain.TxTypeDebit), fmt.Sprintf("Image job %s", id))
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("create transaction: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	charged = JobsCost(inserted, l.jobCost)
	if err := tx.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance - $2, updated_at = now()
		 WHERE owner_context_id = $1 RETURNING balance`, owner, charged).Scan(&newBalance); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return charged, newBalance, nil
}

// RefundJob credits back the amount debited for jobID. It returns false when
// the job was never debited or has already been refunded.
func (l *Ledger) RefundJob(ctx context.Context, owner, jobID string) (bool, error) {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var debit decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT amount FROM credit_transactions WHERE job_id = $1 AND tx_type = $2`,
		jobID, string(domain.TxTypeDebit)).Scan(&debit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("find debit: %w", err)
	}
	amount := debit.Abs()

	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (owner_context_id, job_id, amount, tx_type, description)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (job_id, tx_type) DO NOTHING`,
		owner, jobID, amount, string(domain.TxTypeCredit), fmt.Sprintf("Refund for image job %s", jobID))
	if err != nil {
		return false, fmt.Errorf("create transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE credit_accounts SET balance = balance + $2, updated_at = now()
		 WHERE owner_context_id = $1`, owner, amount); err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Credit adds funds to the owner's balance.
func (l *Ledger) Credit(ctx context.Context, owner string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.ensureAccount(ctx, tx, owner); err != nil {
		return decimal.Zero, err
	}

	var balance decimal.Decimal
	if err := tx.QueryRow(ctx,
		`UPDATE credit_accounts SET balance = balance + $2, updated_at = now()
		 WHERE owner_context_id = $1 RETURNING balance`, owner, amount).Scan(&balance); err != nil {
		return decimal.Zero, fmt.Errorf("update balance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (owner_context_id, amount, tx_type, description)
		 VALUES ($1, $2, $3, $4)`, owner, amount, string(domain.TxTypeCredit), description); err != nil {
		return decimal.Zero, fmt.Errorf("create transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("commit: %w", err)
	}
	return balance, nil
}

func (l *Ledger) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.db.QueryRow(ctx,
		`SELECT balance FROM credit_accounts WHERE owner_context_id = $1`, owner).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return l.initial, nil
		}
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// JobsCost returns the cost of n jobs at the given unit price.
func JobsCost(n int, unit decimal.Decimal) decimal.Decimal {
	return unit.Mul(decimal.NewFromInt(int64(n)))
}
