package ledger

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────
// Funds Ledger
//
// Each owner has one account with an available and a frozen balance.
// A job's cost is frozen at submission and later either charged to the
// platform account (owner 0) or refunded back to available.
// ─────────────────────────────────────────────

// Account is an owner's balance, updated with optimistic versioning.
type Account struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	OwnerID   int64     `json:"owner_id" gorm:"uniqueIndex"`
	Available int64     `json:"available"`
	Frozen    int64     `json:"frozen"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionType categorises ledger entries.
type TransactionType string

const (
	TxDeposit      TransactionType = "DEPOSIT"       // admin grant
	TxFreeze       TransactionType = "FREEZE"        // reserve funds for a job
	TxCharge       TransactionType = "CHARGE"        // frozen funds consumed by a completed job
	TxRefund       TransactionType = "REFUND"        // frozen funds returned
	TxDirectDebit  TransactionType = "DIRECT_DEBIT"  // instant purchase (priority boost)
	TxDirectCredit TransactionType = "DIRECT_CREDIT" // instant purchase reversed
	TxIncome       TransactionType = "INCOME"        // platform side of a charge or debit
	TxPayout       TransactionType = "PAYOUT"        // platform side of a direct credit
)

// Fund names which balance of the account a transaction moved.
type Fund string

const (
	FundAvailable Fund = "available"
	FundFrozen    Fund = "frozen"
)

// Transaction is an immutable ledger entry, one per balance touched.
type Transaction struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	AccountID    uint            `json:"account_id" gorm:"index"`
	OwnerID      int64           `json:"owner_id" gorm:"index"`
	Type         TransactionType `json:"type"`
	Fund         Fund            `json:"fund"`
	Amount       int64           `json:"amount"` // positive = credit, negative = debit
	BalanceAfter int64           `json:"balance_after"`
	JobID        string          `json:"job_id,omitempty" gorm:"index"`
	Remark       string          `json:"remark,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TableName keeps the audit table distinct from other "transactions".
func (Transaction) TableName() string {
	return "ledger_transactions"
}

// ─────────────────────────────────────────────
// Ledger defines the funds operations used by the broker.
// Every amount must be positive. Version conflicts are retried a bounded
// number of times before surfacing as apperr.ErrLedgerConflict.
// ─────────────────────────────────────────────

type Ledger interface {
	// GetAccount returns the owner's account, creating it if needed.
	GetAccount(ctx context.Context, ownerID int64) (*Account, error)

	// Deposit adds funds to available.
	Deposit(ctx context.Context, ownerID int64, amount int64, remark string) (*Account, error)

	// Freeze moves available → frozen. Fails with ErrInsufficientBalance.
	Freeze(ctx context.Context, ownerID int64, amount int64, jobID string) error

	// Charge moves the owner's frozen → platform available. Each job is
	// settled (charged or refunded) at most once; later calls are no-ops.
	Charge(ctx context.Context, ownerID int64, amount int64, jobID string) error

	// Refund moves frozen → available, at most once per job.
	Refund(ctx context.Context, ownerID int64, amount int64, jobID string) error

	// DirectDebit moves the owner's available → platform available.
	DirectDebit(ctx context.Context, ownerID int64, amount int64, jobID, remark string) error

	// DirectCredit reverses a DirectDebit.
	DirectCredit(ctx context.Context, ownerID int64, amount int64, jobID, remark string) error

	// Transactions lists the owner's most recent entries.
	Transactions(ctx context.Context, ownerID int64, limit int) ([]Transaction, error)
}
