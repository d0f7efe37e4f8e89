package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taskmgr818/stargraph-broker/internal/apperr"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// ─────────────────────────────────────────────
// ledgerService implements Ledger
// ─────────────────────────────────────────────

type ledgerService struct {
	db              *gorm.DB
	conflictRetries uint
	retryDelay      time.Duration
}

// NewLedger creates a Ledger backed by the given DB. conflictRetries bounds
// the attempts made for one operation when account versions collide.
func NewLedger(db *gorm.DB, conflictRetries int) Ledger {
	if conflictRetries < 1 {
		conflictRetries = 1
	}
	return &ledgerService{
		db:              db,
		conflictRetries: uint(conflictRetries),
		retryDelay:      20 * time.Millisecond,
	}
}

// movement is one balance change inside an operation.
type movement struct {
	ownerID int64
	txType  TransactionType
	fund    Fund
	delta   int64
}

// GetAccount returns the owner's account, creating one if not exists.
func (s *ledgerService) GetAccount(ctx context.Context, ownerID int64) (*Account, error) {
	return s.getOrCreateAccountTx(s.db.WithContext(ctx), ownerID)
}

// Deposit adds funds to available.
func (s *ledgerService) Deposit(ctx context.Context, ownerID int64, amount int64, remark string) (*Account, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	accs, err := s.apply(ctx, "", remark, movement{ownerID, TxDeposit, FundAvailable, amount})
	if err != nil {
		return nil, err
	}
	return accs[0], nil
}

// Freeze reserves funds for a job.
func (s *ledgerService) Freeze(ctx context.Context, ownerID int64, amount int64, jobID string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := s.apply(ctx, jobID, "",
		movement{ownerID, TxFreeze, FundAvailable, -amount},
		movement{ownerID, TxFreeze, FundFrozen, amount},
	)
	return err
}

// Charge consumes frozen funds into the platform account. A job that is
// already charged or refunded is left alone.
func (s *ledgerService) Charge(ctx context.Context, ownerID int64, amount int64, jobID string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.settle(ctx, ownerID, jobID,
		movement{ownerID, TxCharge, FundFrozen, -amount},
		movement{model.PlatformOwnerID, TxIncome, FundAvailable, amount},
	)
}

// Refund returns frozen funds to available. A job that is already charged
// or refunded is left alone, so retried refunds never return funds twice.
func (s *ledgerService) Refund(ctx context.Context, ownerID int64, amount int64, jobID string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	return s.settle(ctx, ownerID, jobID,
		movement{ownerID, TxRefund, FundFrozen, -amount},
		movement{ownerID, TxRefund, FundAvailable, amount},
	)
}

// DirectDebit takes available funds straight into the platform account.
func (s *ledgerService) DirectDebit(ctx context.Context, ownerID int64, amount int64, jobID, remark string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := s.apply(ctx, jobID, remark,
		movement{ownerID, TxDirectDebit, FundAvailable, -amount},
		movement{model.PlatformOwnerID, TxIncome, FundAvailable, amount},
	)
	return err
}

// DirectCredit returns a direct debit from the platform account.
func (s *ledgerService) DirectCredit(ctx context.Context, ownerID int64, amount int64, jobID, remark string) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	_, err := s.apply(ctx, jobID, remark,
		movement{model.PlatformOwnerID, TxPayout, FundAvailable, -amount},
		movement{ownerID, TxDirectCredit, FundAvailable, amount},
	)
	return err
}

// Transactions lists the owner's most recent ledger entries.
func (s *ledgerService) Transactions(ctx context.Context, ownerID int64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// ─────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────

// apply runs all movements in one DB transaction, retrying on version conflict.
// Returns the touched accounts in first-seen order.
func (s *ledgerService) apply(ctx context.Context, jobID, remark string, moves ...movement) ([]*Account, error) {
	return s.run(ctx, jobID, func(tx *gorm.DB) ([]*Account, error) {
		return s.applyTx(tx, jobID, remark, moves)
	})
}

// settle applies a job's one terminal movement. The settled check runs in
// the same transaction as the balance update, and the account version
// check serialises concurrent settlements of the same owner.
func (s *ledgerService) settle(ctx context.Context, ownerID int64, jobID string, moves ...movement) error {
	if jobID == "" {
		return apperr.New(apperr.KindInvalidArgument, "settlement requires a job id")
	}
	_, err := s.run(ctx, jobID, func(tx *gorm.DB) ([]*Account, error) {
		var prior Transaction
		err := tx.Where("owner_id = ? AND job_id = ? AND type IN ?", ownerID, jobID,
			[]TransactionType{TxCharge, TxRefund}).
			Limit(1).Find(&prior).Error
		if err != nil {
			return nil, err
		}
		if prior.ID != 0 {
			return nil, &settledError{prior: prior.Type}
		}
		return s.applyTx(tx, jobID, "", moves)
	})

	var settled *settledError
	if errors.As(err, &settled) {
		log.WithFields(log.Fields{
			"job_id":   jobID,
			"owner_id": ownerID,
			"prior":    settled.prior,
			"wanted":   moves[0].txType,
		}).Warn("[ledger] job already settled, ignoring")
		return nil
	}
	return err
}

// settledError aborts the transaction of a job that is already settled.
type settledError struct {
	prior TransactionType
}

func (e *settledError) Error() string {
	return fmt.Sprintf("job already settled by %s", e.prior)
}

// run executes fn in one DB transaction, retrying on version conflict.
func (s *ledgerService) run(ctx context.Context, jobID string, fn func(tx *gorm.DB) ([]*Account, error)) ([]*Account, error) {
	var result []*Account
	err := retry.Do(
		func() error {
			accs, err := s.withTx(ctx, fn)
			if err != nil {
				return err
			}
			result = accs
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.conflictRetries),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, apperr.ErrLedgerConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithFields(log.Fields{"job_id": jobID, "attempt": n + 1}).
				Debug("[ledger] version conflict, retrying")
		}),
	)
	return result, err
}

func (s *ledgerService) applyTx(tx *gorm.DB, jobID, remark string, moves []movement) ([]*Account, error) {
	accounts := make(map[int64]*Account)
	var order []*Account

	for _, m := range moves {
		acc, ok := accounts[m.ownerID]
		if !ok {
			loaded, err := s.getOrCreateAccountTx(tx, m.ownerID)
			if err != nil {
				return nil, err
			}
			acc = loaded
			accounts[m.ownerID] = acc
			order = append(order, acc)
		}

		switch m.fund {
		case FundAvailable:
			acc.Available += m.delta
			if acc.Available < 0 {
				return nil, apperr.ErrInsufficientBalance
			}
		case FundFrozen:
			acc.Frozen += m.delta
			if acc.Frozen < 0 {
				return nil, apperr.New(apperr.KindInvalidArgument,
					fmt.Sprintf("owner %d frozen balance below %d", m.ownerID, -m.delta))
			}
		}
	}

	now := time.Now()
	for _, acc := range order {
		res := tx.Model(&Account{}).
			Where("id = ? AND version = ?", acc.ID, acc.Version).
			Updates(map[string]interface{}{
				"available":  acc.Available,
				"frozen":     acc.Frozen,
				"version":    acc.Version + 1,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, apperr.ErrLedgerConflict
		}
		acc.Version++
		acc.UpdatedAt = now
	}

	for _, m := range moves {
		acc := accounts[m.ownerID]
		after := acc.Available
		if m.fund == FundFrozen {
			after = acc.Frozen
		}
		txn := Transaction{
			AccountID:    acc.ID,
			OwnerID:      m.ownerID,
			Type:         m.txType,
			Fund:         m.fund,
			Amount:       m.delta,
			BalanceAfter: after,
			JobID:        jobID,
			Remark:       remark,
			CreatedAt:    now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *ledgerService) withTx(ctx context.Context, fn func(tx *gorm.DB) ([]*Account, error)) ([]*Account, error) {
	var result []*Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accs, err := fn(tx)
		if err != nil {
			return err
		}
		result = accs
		return nil
	})
	return result, err
}

func (s *ledgerService) getOrCreateAccountTx(tx *gorm.DB, ownerID int64) (*Account, error) {
	var acc Account
	err := tx.Where("owner_id = ?", ownerID).First(&acc).Error
	if err == nil {
		return &acc, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	// Another instance may create the same account concurrently.
	acc = Account{OwnerID: ownerID, UpdatedAt: time.Now()}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("owner_id = ?", ownerID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

func checkAmount(amount int64) error {
	if amount <= 0 {
		return apperr.New(apperr.KindInvalidArgument, fmt.Sprintf("amount must be positive, got %d", amount))
	}
	return nil
}
