package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/gosimple/slug"
	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/locks"
	"financemate/internal/logger"
	"financemate/internal/models"
	"financemate/internal/pagination"
)

const savingsCategoryName = "Savings"

// goalService implements the savings goal contribution engine. Every
// contribution is a real debit on the funding account, mirrored by a
// goal-linked audit transaction in the Savings category.
type goalService struct {
	db             *gorm.DB
	accountService AccountServicer
	accountLocks   *locks.KeyedMutex
}

// NewGoalService creates a new GoalServicer.
func NewGoalService(db *gorm.DB, accountService AccountServicer, accountLocks *locks.KeyedMutex) GoalServicer {
	return &goalService{
		db:             db,
		accountService: accountService,
		accountLocks:   accountLocks,
	}
}

// CreateGoal creates a savings goal and debits the first installment from
// the funding account immediately. The goal fails to create when the
// account cannot cover the first contribution.
func (s *goalService) CreateGoal(userID string, input CreateGoalInput) (*models.Goal, error) {
	if input.TotalAmount <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "total amount must be greater than zero")
	}
	if input.ContributionAmount <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "contribution amount must be greater than zero")
	}
	if input.ContributionAmount > input.TotalAmount {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "contribution amount cannot exceed the total amount")
	}
	if err := validateContributionInterval(input.ContributionInterval); err != nil {
		return nil, err
	}

	account, err := s.resolveAccount(userID, input.AccountID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next, err := AddInterval(now, input.ContributionInterval)
	if err != nil {
		return nil, err
	}

	goal := &models.Goal{
		UserID:               userID,
		AccountID:            account.ID,
		Name:                 input.Name,
		Description:          input.Description,
		TotalAmount:          input.TotalAmount,
		ContributionAmount:   input.ContributionAmount,
		ContributionInterval: input.ContributionInterval,
		NoOfInstallments:     ceilDiv(input.TotalAmount, input.ContributionAmount),
		CurrentInstallment:   1,
		Balance:              input.TotalAmount - input.ContributionAmount,
		NextContributionDate: next,
		Status:               models.GoalStatusOngoing,
	}
	if goal.Balance <= 0 {
		goal.Balance = 0
		goal.Status = models.GoalStatusCompleted
	}

	s.accountLocks.Lock(account.ID)
	defer s.accountLocks.Unlock(account.ID)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		fresh, err := s.freshAccount(tx, userID, account.ID)
		if err != nil {
			return err
		}
		if err := s.accountService.Debit(tx, fresh, input.ContributionAmount); err != nil {
			return err
		}
		if err := tx.Create(goal).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return s.recordContribution(tx, goal, input.ContributionAmount, now)
	})
	if err != nil {
		return nil, err
	}
	return goal, nil
}

// ProcessInstallment applies one due installment. Recoverable conditions
// (funding account gone, balance too low) are logged and skipped so the
// goal stays due and is retried on the next sweep; only persistence
// failures surface as errors.
//
// The caller's goal value is only a candidate from the sweep query: the
// row is re-read inside the locked database transaction, and a goal that
// was deleted or completed in the meantime is skipped. The funding
// account is immutable, so it is a stable lock key.
func (s *goalService) ProcessInstallment(goal *models.Goal, now time.Time) error {
	s.accountLocks.Lock(goal.AccountID)
	defer s.accountLocks.Unlock(goal.AccountID)

	return s.db.Transaction(func(tx *gorm.DB) error {
		var fresh models.Goal
		if err := tx.First(&fresh, "id = ?", goal.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if fresh.Status != models.GoalStatusOngoing {
			return nil
		}
		*goal = fresh

		account, err := s.freshAccount(tx, goal.UserID, goal.AccountID)
		if errors.Is(err, apperrors.ErrAccountNotFound) {
			logger.Get().Warnw("skipping goal installment, funding account missing",
				"goal_id", goal.ID,
				"account_id", goal.AccountID,
			)
			return nil
		}
		if err != nil {
			return err
		}

		// The final installment only takes what is still owed.
		amount := goal.ContributionAmount
		if goal.Balance < amount {
			amount = goal.Balance
		}
		if amount <= 0 {
			goal.Balance = 0
			goal.Status = models.GoalStatusCompleted
			if err := tx.Save(goal).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			return nil
		}

		if account.Balance < amount {
			logger.Get().Infow("skipping goal installment, insufficient funds",
				"goal_id", goal.ID,
				"account_id", account.ID,
				"amount", amount,
				"balance", account.Balance,
			)
			return nil
		}

		if err := s.accountService.Debit(tx, account, amount); err != nil {
			return err
		}

		goal.Balance -= amount
		goal.CurrentInstallment++
		next, err := AddInterval(now, goal.ContributionInterval)
		if err != nil {
			return err
		}
		goal.NextContributionDate = next
		if goal.Balance <= 0 || goal.CurrentInstallment >= goal.NoOfInstallments {
			goal.Balance = 0
			goal.Status = models.GoalStatusCompleted
		}

		if err := tx.Save(goal).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return s.recordContribution(tx, goal, amount, now)
	})
}

// GetUserGoals retrieves a paginated list of the user's goals.
func (s *goalService) GetUserGoals(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Goal], error) {
	page.Defaults()

	var totalItems int64
	if err := s.db.Model(&models.Goal{}).Where("user_id = ?", userID).Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var goals []models.Goal
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").
		Scopes(pagination.Paginate(page)).Find(&goals).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	result := pagination.NewPageResponse(goals, page.Page, page.PageSize, totalItems)
	return &result, nil
}

// GetGoalByID retrieves a goal by ID for a specific user.
func (s *goalService) GetGoalByID(userID, goalID string) (*models.Goal, error) {
	var goal models.Goal
	if err := s.db.Where("id = ? AND user_id = ?", goalID, userID).First(&goal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrGoalNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &goal, nil
}

// UpdateGoal edits an ongoing goal. The funding account is immutable, and
// a completed goal cannot be changed. Raising or lowering the contribution
// amount re-plans the remaining installments; changing the interval
// re-anchors the next contribution date at now.
//
// The goal is re-read under the account lock inside one database
// transaction so an edit racing the installment sweep starts from the
// committed installment counters, not a stale read.
func (s *goalService) UpdateGoal(userID, goalID string, input UpdateGoalInput) (*models.Goal, error) {
	if input.ContributionAmount != nil && *input.ContributionAmount <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "contribution amount must be greater than zero")
	}
	if input.ContributionInterval != nil {
		if err := validateContributionInterval(*input.ContributionInterval); err != nil {
			return nil, err
		}
	}

	snapshot, err := s.GetGoalByID(userID, goalID)
	if err != nil {
		return nil, err
	}

	s.accountLocks.Lock(snapshot.AccountID)
	defer s.accountLocks.Unlock(snapshot.AccountID)

	var goal *models.Goal
	err = s.db.Transaction(func(tx *gorm.DB) error {
		goal, err = s.lockedGoal(tx, userID, goalID)
		if err != nil {
			return err
		}
		if goal.Status == models.GoalStatusCompleted {
			return apperrors.ErrGoalCompleted
		}
		if input.AccountID != nil && *input.AccountID != goal.AccountID {
			return apperrors.WithMessage(apperrors.ErrImmutableField, "The funding account of a goal cannot be changed")
		}

		if input.Name != nil {
			goal.Name = *input.Name
		}
		if input.Description != nil {
			goal.Description = *input.Description
		}
		if input.ContributionAmount != nil {
			goal.ContributionAmount = *input.ContributionAmount
			goal.NoOfInstallments = goal.CurrentInstallment + ceilDiv(goal.Balance, goal.ContributionAmount)
		}
		if input.ContributionInterval != nil {
			goal.ContributionInterval = *input.ContributionInterval
			next, err := AddInterval(time.Now(), goal.ContributionInterval)
			if err != nil {
				return err
			}
			goal.NextContributionDate = next
		}

		if err := tx.Save(goal).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return goal, nil
}

// DeleteGoal removes a goal. An ongoing goal refunds everything
// contributed so far to the funding account; a completed goal is deleted
// without touching balances. Past contribution transactions stay as audit
// records. The refund is computed from the row re-read under the lock so
// a sweep racing the delete cannot skew the amount.
func (s *goalService) DeleteGoal(userID, goalID string) error {
	snapshot, err := s.GetGoalByID(userID, goalID)
	if err != nil {
		return err
	}

	s.accountLocks.Lock(snapshot.AccountID)
	defer s.accountLocks.Unlock(snapshot.AccountID)

	return s.db.Transaction(func(tx *gorm.DB) error {
		goal, err := s.lockedGoal(tx, userID, goalID)
		if err != nil {
			return err
		}

		if goal.Status == models.GoalStatusOngoing {
			contributed := goal.TotalAmount - goal.Balance
			account, err := s.freshAccount(tx, userID, goal.AccountID)
			switch {
			case errors.Is(err, apperrors.ErrAccountNotFound):
				logger.Get().Warnw("deleting goal without refund, funding account missing",
					"goal_id", goal.ID,
					"account_id", goal.AccountID,
				)
			case err != nil:
				return err
			case contributed > 0:
				if err := s.accountService.Credit(tx, account, contributed); err != nil {
					return err
				}
			}
		}
		if err := tx.Delete(goal).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
}

// recordContribution writes the goal-linked audit transaction for one
// contribution, in the user's Savings category.
func (s *goalService) recordContribution(tx *gorm.DB, goal *models.Goal, amount int64, now time.Time) error {
	category, err := s.findOrCreateSavingsCategory(tx, goal.UserID)
	if err != nil {
		return err
	}
	transaction := &models.Transaction{
		UserID:      goal.UserID,
		AccountID:   goal.AccountID,
		CategoryID:  category.ID,
		Type:        models.TransactionTypeExpense,
		Amount:      amount,
		Description: fmt.Sprintf("Contribution for goal: %s", goal.Name),
		Date:        TruncateToDay(now),
		Status:      models.TransactionStatusCompleted,
		GoalID:      &goal.ID,
	}
	processed := now
	transaction.LastProcessedAt = &processed
	if err := tx.Create(transaction).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

// findOrCreateSavingsCategory returns the user's Savings expense category,
// creating it on first use.
func (s *goalService) findOrCreateSavingsCategory(tx *gorm.DB, userID string) (*models.Category, error) {
	savingsSlug := slug.Make(savingsCategoryName)

	var category models.Category
	err := tx.Where("user_id = ? AND slug = ?", userID, savingsSlug).First(&category).Error
	if err == nil {
		return &category, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	category = models.Category{
		UserID: userID,
		Name:   savingsCategoryName,
		Slug:   savingsSlug,
		Type:   models.CategoryTypeExpense,
	}
	if err := tx.Create(&category).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &category, nil
}

func (s *goalService) resolveAccount(userID, accountID string) (*models.Account, error) {
	if accountID != "" {
		return s.accountService.GetAccountByID(userID, accountID)
	}
	return s.accountService.GetDefaultAccount(userID)
}

// lockedGoal re-reads a goal inside the caller's database transaction so
// mutations start from the committed state.
func (s *goalService) lockedGoal(tx *gorm.DB, userID, goalID string) (*models.Goal, error) {
	var goal models.Goal
	if err := tx.Where("id = ? AND user_id = ?", goalID, userID).First(&goal).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrGoalNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &goal, nil
}

func (s *goalService) freshAccount(tx *gorm.DB, userID, accountID string) (*models.Account, error) {
	var account models.Account
	if err := tx.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// validateContributionInterval rejects intervals the contribution engine
// does not support. Yearly contributions are not offered.
func validateContributionInterval(interval models.Interval) error {
	switch interval {
	case models.IntervalDaily, models.IntervalWeekly, models.IntervalMonthly:
		return nil
	default:
		return apperrors.ErrInvalidInterval
	}
}

func ceilDiv(total, step int64) int {
	return int((total + step - 1) / step)
}
