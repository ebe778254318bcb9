// Package scheduler runs the periodic settlement sweeps: due pending
// transactions, due recurring templates, and due goal installments.
package scheduler

import (
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/locks"
	"financemate/internal/logger"
	"financemate/internal/models"
	"financemate/internal/services"
)

// Settler applies due settlement work. Each due item settles in its own
// database transaction so one failure never blocks the rest of the sweep.
type Settler struct {
	db             *gorm.DB
	accountService services.AccountServicer
	budgetService  services.BudgetServicer
	goalService    services.GoalServicer
	accountLocks   *locks.KeyedMutex
}

// NewSettler creates a Settler sharing the services' account locks.
func NewSettler(db *gorm.DB, accountService services.AccountServicer, budgetService services.BudgetServicer, goalService services.GoalServicer, accountLocks *locks.KeyedMutex) *Settler {
	return &Settler{
		db:             db,
		accountService: accountService,
		budgetService:  budgetService,
		goalService:    goalService,
		accountLocks:   accountLocks,
	}
}

// Run executes all three sweeps for one tick.
func (s *Settler) Run(now time.Time) {
	s.ProcessPendingTransactions(now)
	s.ProcessRecurringTransactions(now)
	s.ProcessDueGoals(now)
}

// ProcessPendingTransactions settles every pending transaction whose date
// has arrived. Settlement gets exactly one attempt: a business rejection
// (budget exceeded, insufficient funds, account or category gone) marks
// the transaction failed, while infrastructure errors leave it pending
// for the next sweep.
func (s *Settler) ProcessPendingTransactions(now time.Time) {
	var due []models.Transaction
	err := s.db.Where("status = ? AND date <= ?", models.TransactionStatusPending, now).
		Find(&due).Error
	if err != nil {
		logger.Get().Errorw("listing due pending transactions failed", "error", err)
		return
	}

	for i := range due {
		transaction := &due[i]
		if err := s.settleTransaction(transaction, now); err != nil {
			if isSettlementRejection(err) {
				logger.Get().Infow("pending transaction failed settlement",
					"transaction_id", transaction.ID,
					"reason", err.Error(),
				)
				s.markFailed(transaction)
				continue
			}
			logger.Get().Errorw("settling pending transaction failed",
				"transaction_id", transaction.ID,
				"error", err,
			)
		}
	}
}

// ProcessRecurringTransactions ticks every recurring template whose next
// date has arrived: a new completed transaction dated now is spawned with
// the template's fields, and the template's next date advances one
// interval from now. A template whose spawn is rejected is skipped and
// stays due for the next sweep.
func (s *Settler) ProcessRecurringTransactions(now time.Time) {
	var due []models.Transaction
	err := s.db.Where("is_recurring = ? AND next_recurring_date <= ?", true, now).
		Find(&due).Error
	if err != nil {
		logger.Get().Errorw("listing due recurring templates failed", "error", err)
		return
	}

	for i := range due {
		template := &due[i]
		if err := s.tickRecurring(template, now); err != nil {
			if isSettlementRejection(err) {
				logger.Get().Infow("skipping recurring template this tick",
					"transaction_id", template.ID,
					"reason", err.Error(),
				)
				continue
			}
			logger.Get().Errorw("ticking recurring template failed",
				"transaction_id", template.ID,
				"error", err,
			)
		}
	}
}

// ProcessDueGoals applies one installment to every ongoing goal whose
// next contribution date has arrived.
func (s *Settler) ProcessDueGoals(now time.Time) {
	var due []models.Goal
	err := s.db.Where("status = ? AND next_contribution_date <= ?", models.GoalStatusOngoing, now).
		Find(&due).Error
	if err != nil {
		logger.Get().Errorw("listing due goals failed", "error", err)
		return
	}

	for i := range due {
		goal := &due[i]
		if err := s.goalService.ProcessInstallment(goal, now); err != nil {
			logger.Get().Errorw("processing goal installment failed",
				"goal_id", goal.ID,
				"error", err,
			)
		}
	}
}

// settleTransaction settles one due pending transaction. The sweep's
// pre-lock query is only a candidate list: the row is re-read inside the
// locked database transaction and skipped when another actor settled,
// failed, or deleted it in the meantime. When a concurrent update moved
// the row to another account, the lock is re-acquired on the new one.
func (s *Settler) settleTransaction(transaction *models.Transaction, now time.Time) error {
	accountID := transaction.AccountID
	for {
		s.accountLocks.Lock(accountID)
		retryAccountID := ""
		err := s.db.Transaction(func(tx *gorm.DB) error {
			fresh, err := s.freshTransaction(tx, transaction.ID)
			if err != nil || fresh == nil {
				return err
			}
			if fresh.Status != models.TransactionStatusPending {
				return nil
			}
			if fresh.AccountID != accountID {
				retryAccountID = fresh.AccountID
				return nil
			}

			account, err := s.freshAccount(tx, fresh.UserID, fresh.AccountID)
			if err != nil {
				return err
			}
			if err := s.applyEffects(tx, account, fresh); err != nil {
				return err
			}
			processed := now
			if err := tx.Model(fresh).Updates(map[string]any{
				"status":            models.TransactionStatusCompleted,
				"last_processed_at": &processed,
			}).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			return nil
		})
		s.accountLocks.Unlock(accountID)
		if retryAccountID != "" {
			accountID = retryAccountID
			continue
		}
		return err
	}
}

// tickRecurring spawns one occurrence of a due recurring template. Like
// settleTransaction it treats the pre-lock query result as a candidate
// and re-reads the template inside the locked database transaction.
func (s *Settler) tickRecurring(template *models.Transaction, now time.Time) error {
	accountID := template.AccountID
	for {
		s.accountLocks.Lock(accountID)
		retryAccountID := ""
		err := s.db.Transaction(func(tx *gorm.DB) error {
			fresh, err := s.freshTransaction(tx, template.ID)
			if err != nil || fresh == nil {
				return err
			}
			if !fresh.IsRecurring || fresh.NextRecurringDate == nil || fresh.NextRecurringDate.After(now) {
				return nil
			}
			if fresh.AccountID != accountID {
				retryAccountID = fresh.AccountID
				return nil
			}

			next, err := services.AddInterval(now, fresh.RecurringInterval)
			if err != nil {
				return err
			}
			account, err := s.freshAccount(tx, fresh.UserID, fresh.AccountID)
			if err != nil {
				return err
			}

			spawned := &models.Transaction{
				UserID:      fresh.UserID,
				AccountID:   fresh.AccountID,
				CategoryID:  fresh.CategoryID,
				Type:        fresh.Type,
				Amount:      fresh.Amount,
				Description: fresh.Description,
				Date:        services.TruncateToDay(now),
				Status:      models.TransactionStatusCompleted,
			}
			if err := s.applyEffects(tx, account, spawned); err != nil {
				return err
			}
			processed := now
			spawned.LastProcessedAt = &processed
			if err := tx.Create(spawned).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}

			if err := tx.Model(fresh).Updates(map[string]any{
				"next_recurring_date": &next,
				"last_processed_at":   &processed,
			}).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			return nil
		})
		s.accountLocks.Unlock(accountID)
		if retryAccountID != "" {
			accountID = retryAccountID
			continue
		}
		return err
	}
}

// freshTransaction re-reads a transaction row; a nil result with nil
// error means the row was deleted since the sweep query.
func (s *Settler) freshTransaction(tx *gorm.DB, id string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := tx.First(&transaction, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &transaction, nil
}

// applyEffects mirrors create-time settlement: for expenses the budget
// consumption must succeed before the account is debited.
func (s *Settler) applyEffects(tx *gorm.DB, account *models.Account, transaction *models.Transaction) error {
	switch transaction.Type {
	case models.TransactionTypeExpense:
		if _, err := s.budgetService.CheckAndConsume(tx, transaction.UserID, transaction.CategoryID, transaction.Amount); err != nil {
			return err
		}
		return s.accountService.Debit(tx, account, transaction.Amount)
	default:
		return s.accountService.Credit(tx, account, transaction.Amount)
	}
}

func (s *Settler) markFailed(transaction *models.Transaction) {
	err := s.db.Model(transaction).Update("status", models.TransactionStatusFailed).Error
	if err != nil {
		logger.Get().Errorw("marking transaction failed errored",
			"transaction_id", transaction.ID,
			"error", err,
		)
	}
}

func (s *Settler) freshAccount(tx *gorm.DB, userID, accountID string) (*models.Account, error) {
	var account models.Account
	if err := tx.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// isSettlementRejection reports whether the error is a business rejection
// of the settlement rather than an infrastructure failure.
func isSettlementRejection(err error) bool {
	for _, sentinel := range []*apperrors.AppError{
		apperrors.ErrInsufficientFunds,
		apperrors.ErrBudgetExceeded,
		apperrors.ErrBudgetNotApplicable,
		apperrors.ErrAccountNotFound,
		apperrors.ErrCategoryNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}
