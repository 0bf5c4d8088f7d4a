package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/shopspring/decimal"
)

type jobTxKey struct {
	jobID  string
	txType domain.TxType
}

// MemoryLedger mirrors Ledger in process for the memory driver and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	jobCost  decimal.Decimal
	initial  decimal.Decimal
	balances map[string]decimal.Decimal
	byJob    map[jobTxKey]domain.Transaction
	txs      []domain.Transaction
}

func NewMemoryLedger(jobCost, initial decimal.Decimal) *MemoryLedger {
	return &MemoryLedger{
		jobCost:  jobCost,
		initial:  initial,
		balances: make(map[string]decimal.Decimal),
		byJob:    make(map[jobTxKey]domain.Transaction),
	}
}

func (l *MemoryLedger) balanceLocked(owner string) decimal.Decimal {
	b, ok := l.balances[owner]
	if !ok {
		b = l.initial
		l.balances[owner] = b
	}
	return b
}

func (l *MemoryLedger) record(tx domain.Transaction) {
	tx.ID = int64(len(l.txs) + 1)
	tx.CreatedAt = time.Now()
	l.txs = append(l.txs, tx)
	if tx.JobID != nil {
		l.byJob[jobTxKey{*tx.JobID, tx.TxType}] = tx
	}
}

func (l *MemoryLedger) DeductJobs(_ context.Context, owner string, jobIDs []string) (decimal.Decimal, decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(owner)
	if balance.Sub(JobsCost(len(jobIDs), l.jobCost)).LessThan(decimal.Zero) {
		return decimal.Zero, decimal.Zero, domain.ErrInsufficientBalance
	}

	charged := decimal.Zero
	for _, id := range jobIDs {
		if _, ok := l.byJob[jobTxKey{id, domain.TxTypeDebit}]; ok {
			continue
		}
		jobID := id
		l.record(domain.Transaction{
			OwnerContextID: owner,
			JobID:          &jobID,
			Amount:         l.jobCost.Neg(),
			TxType:         domain.TxTypeDebit,
			Description:    fmt.Sprintf("Image job %s", id),
		})
		charged = charged.Add(l.jobCost)
	}
	balance = balance.Sub(charged)
	l.balances[owner] = balance
	return charged, balance, nil
}

func (l *MemoryLedger) RefundJob(_ context.Context, owner, jobID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	debit, ok := l.byJob[jobTxKey{jobID, domain.TxTypeDebit}]
	if !ok {
		return false, nil
	}
	if _, ok := l.byJob[jobTxKey{jobID, domain.TxTypeCredit}]; ok {
		return false, nil
	}
	amount := debit.Amount.Abs()
	id := jobID
	l.record(domain.Transaction{
		OwnerContextID: owner,
		JobID:          &id,
		Amount:         amount,
		TxType:         domain.TxTypeCredit,
		Description:    fmt.Sprintf("Refund for image job %s", jobID),
	})
	l.balances[owner] = l.balanceLocked(owner).Add(amount)
	return true, nil
}

func (l *MemoryLedger) Credit(_ context.Context, owner string, amount decimal.Decimal, description string) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, domain.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balanceLocked(owner).Add(amount)
	l.balances[owner] = balance
	l.record(domain.Transaction{
		OwnerContextID: owner,
		Amount:         amount,
		TxType:         domain.TxTypeCredit,
		Description:    description,
	})
	return balance, nil
}

func (l *MemoryLedger) Balance(_ context.Context, owner string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(owner), nil
}

// Transactions returns a copy of every recorded transaction of the owner.
func (l *MemoryLedger) Transactions(owner string) []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.Transaction
	for _, tx := range l.txs {
		if tx.OwnerContextID == owner {
			out = append(out, tx)
		}
	}
	return out
}
