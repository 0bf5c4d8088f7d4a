package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxTypeDebit  TxType = "debit"
	TxTypeCredit TxType = "credit"
)

// Transaction is one ledger row. Job-bound rows are unique per (JobID, TxType).
type Transaction struct {
	ID             int64
	OwnerContextID string
	JobID          *string
	Amount         decimal.Decimal
	TxType         TxType
	Description    string
	CreatedAt      time.Time
}
