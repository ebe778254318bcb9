package services

import (
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/locks"
	"financemate/internal/logger"
	"financemate/internal/models"
	"financemate/internal/pagination"
)

// transactionService orchestrates the transaction lifecycle. Every
// balance or budget effect flows through the account service's ledger
// operations and the budget tracker, inside one database transaction per
// operation, with the touched accounts locked for the duration.
type transactionService struct {
	db             *gorm.DB
	accountService AccountServicer
	budgetService  BudgetServicer
	accountLocks   *locks.KeyedMutex
}

// NewTransactionService creates a new TransactionServicer.
func NewTransactionService(db *gorm.DB, accountService AccountServicer, budgetService BudgetServicer, accountLocks *locks.KeyedMutex) TransactionServicer {
	return &transactionService{
		db:             db,
		accountService: accountService,
		budgetService:  budgetService,
		accountLocks:   accountLocks,
	}
}

// CreateTransaction creates a transaction against the given account or,
// when no account is specified, the user's default account.
//
// A transaction dated after today is recorded as pending and has no
// balance or budget effect until the settlement sweep picks it up. A
// transaction dated today or earlier settles immediately: expenses must
// pass the budget check before the account is debited, incomes credit
// unconditionally. All checks run before any persisted mutation; the
// enclosing database transaction rolls back partial writes.
func (s *transactionService) CreateTransaction(userID string, input CreateTransactionInput) (*TransactionResult, error) {
	if input.Amount <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must be greater than zero")
	}
	if input.CategoryID == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "category ID is required")
	}

	account, err := s.resolveAccount(userID, input.AccountID)
	if err != nil {
		return nil, err
	}

	category, err := s.resolveCategory(s.db, userID, input.CategoryID, input.Type)
	if err != nil {
		return nil, err
	}

	date := input.Date
	if date.IsZero() {
		date = time.Now()
	}
	date = TruncateToDay(date)
	today := TruncateToDay(time.Now())

	status := models.TransactionStatusCompleted
	if date.After(today) {
		status = models.TransactionStatusPending
	}

	transaction := &models.Transaction{
		UserID:      userID,
		AccountID:   account.ID,
		CategoryID:  category.ID,
		Type:        input.Type,
		Amount:      input.Amount,
		Description: input.Description,
		Date:        date,
		Status:      status,
	}

	if input.IsRecurring {
		next, err := AddInterval(date, input.RecurringInterval)
		if err != nil {
			return nil, err
		}
		transaction.IsRecurring = true
		transaction.RecurringInterval = input.RecurringInterval
		transaction.NextRecurringDate = &next
	}

	s.accountLocks.Lock(account.ID)
	defer s.accountLocks.Unlock(account.ID)

	var check BudgetCheck
	err = s.db.Transaction(func(tx *gorm.DB) error {
		// Re-read the balance inside the critical section.
		fresh, err := s.lockedAccount(tx, userID, account.ID)
		if err != nil {
			return err
		}

		if status == models.TransactionStatusCompleted {
			check, err = s.applyEffects(tx, fresh, transaction)
			if err != nil {
				return err
			}
			now := time.Now()
			transaction.LastProcessedAt = &now
		}

		if err := tx.Create(transaction).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TransactionResult{Transaction: transaction, BudgetWarning: check.Warning}, nil
}

// UpdateTransaction edits a transaction using revert-then-reapply: the
// stored transaction's completed effects are fully reversed, then the new
// field values are applied exactly as on create, all in one database
// transaction. The date is immutable, as is the account of a goal-linked
// transaction.
//
// The lock set is derived from the stored account, which a concurrent
// update can move between the read and the lock. The row is re-read under
// the lock and the whole operation retried when the stored account no
// longer matches the locked one.
func (s *transactionService) UpdateTransaction(userID, transactionID string, input UpdateTransactionInput) (*TransactionResult, error) {
	if input.Date != nil {
		return nil, apperrors.WithMessage(apperrors.ErrImmutableField, "The transaction date cannot be changed")
	}
	if input.Amount != nil && *input.Amount <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must be greater than zero")
	}
	if input.AccountID != nil && *input.AccountID != "" {
		if _, err := s.accountService.GetAccountByID(userID, *input.AccountID); err != nil {
			return nil, err
		}
	}

	for {
		snapshot, err := s.GetTransactionByID(userID, transactionID)
		if err != nil {
			return nil, err
		}
		newAccountID := snapshot.AccountID
		if input.AccountID != nil && *input.AccountID != "" {
			newAccountID = *input.AccountID
		}

		s.lockAccounts(snapshot.AccountID, newAccountID)
		result, retry, err := s.updateLocked(userID, transactionID, snapshot.AccountID, newAccountID, input)
		s.unlockAccounts(snapshot.AccountID, newAccountID)
		if retry {
			continue
		}
		return result, err
	}
}

func (s *transactionService) updateLocked(userID, transactionID, lockedAccountID, newAccountID string, input UpdateTransactionInput) (*TransactionResult, bool, error) {
	var transaction *models.Transaction
	var check BudgetCheck
	retry := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		transaction, err = s.lockedTransaction(tx, userID, transactionID)
		if err != nil {
			return err
		}
		if transaction.AccountID != lockedAccountID {
			retry = true
			return nil
		}

		if transaction.GoalID != nil && newAccountID != transaction.AccountID {
			return apperrors.WithMessage(apperrors.ErrImmutableField, "The account of a goal contribution cannot be changed")
		}

		newType := transaction.Type
		if input.Type != nil {
			newType = *input.Type
		}
		newAmount := transaction.Amount
		if input.Amount != nil {
			newAmount = *input.Amount
		}
		newCategoryID := transaction.CategoryID
		if input.CategoryID != nil && *input.CategoryID != "" {
			newCategoryID = *input.CategoryID
		}
		if _, err := s.resolveCategory(tx, userID, newCategoryID, newType); err != nil {
			return err
		}

		oldAccount, err := s.lockedAccount(tx, userID, transaction.AccountID)
		if err != nil {
			return err
		}

		// Revert the stored effects before anything else so the reapply
		// below starts from the pre-transaction baseline.
		if transaction.Status == models.TransactionStatusCompleted {
			if err := s.revertEffects(tx, oldAccount, transaction); err != nil {
				return err
			}
		}

		target := oldAccount
		if newAccountID != oldAccount.ID {
			target, err = s.lockedAccount(tx, userID, newAccountID)
			if err != nil {
				return err
			}
		}

		transaction.AccountID = newAccountID
		transaction.CategoryID = newCategoryID
		transaction.Type = newType
		transaction.Amount = newAmount
		if input.Description != nil {
			transaction.Description = *input.Description
		}

		// Status is recomputed from the (immutable) date, as on create.
		status := models.TransactionStatusCompleted
		if transaction.Date.After(TruncateToDay(time.Now())) {
			status = models.TransactionStatusPending
		}
		transaction.Status = status

		if input.IsRecurring != nil {
			transaction.IsRecurring = *input.IsRecurring
		}
		if input.RecurringInterval != nil {
			transaction.RecurringInterval = *input.RecurringInterval
		}
		if transaction.IsRecurring {
			next, err := AddInterval(transaction.Date, transaction.RecurringInterval)
			if err != nil {
				return err
			}
			transaction.NextRecurringDate = &next
		} else {
			transaction.RecurringInterval = ""
			transaction.NextRecurringDate = nil
		}

		if status == models.TransactionStatusCompleted {
			check, err = s.applyEffects(tx, target, transaction)
			if err != nil {
				return err
			}
			now := time.Now()
			transaction.LastProcessedAt = &now
		}

		if err := tx.Save(transaction).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil || retry {
		return nil, retry, err
	}

	return &TransactionResult{Transaction: transaction, BudgetWarning: check.Warning}, false, nil
}

// DeleteTransaction removes a transaction, reversing its completed
// effects first. The reversal is computed from the stored fields and is
// best-effort: a missing account or a balance too low to take back a
// credited income is logged as an inconsistency instead of blocking the
// delete. The row is re-read under the account lock, as in
// UpdateTransaction, and the delete retried when a concurrent update
// moved it to another account.
func (s *transactionService) DeleteTransaction(userID, transactionID string) error {
	for {
		snapshot, err := s.GetTransactionByID(userID, transactionID)
		if err != nil {
			return err
		}

		s.accountLocks.Lock(snapshot.AccountID)
		retry := false
		err = s.db.Transaction(func(tx *gorm.DB) error {
			transaction, err := s.lockedTransaction(tx, userID, transactionID)
			if err != nil {
				return err
			}
			if transaction.AccountID != snapshot.AccountID {
				retry = true
				return nil
			}

			if transaction.Status == models.TransactionStatusCompleted {
				account, err := s.lockedAccount(tx, userID, transaction.AccountID)
				switch {
				case errors.Is(err, apperrors.ErrAccountNotFound):
					logger.Get().Warnw("deleting transaction without reverting effects, account missing",
						"transaction_id", transaction.ID,
						"account_id", transaction.AccountID,
					)
				case err != nil:
					return err
				default:
					if err := s.revertEffectsBestEffort(tx, account, transaction); err != nil {
						return err
					}
				}
			}

			if err := tx.Delete(transaction).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			return nil
		})
		s.accountLocks.Unlock(snapshot.AccountID)
		if retry {
			continue
		}
		return err
	}
}

// GetUserTransactions retrieves a paginated, filtered list of the user's
// transactions.
func (s *transactionService) GetUserTransactions(userID string, page pagination.PageRequest, filter TransactionFilter) (*pagination.PageResponse[models.Transaction], error) {
	page.Defaults()

	base := s.db.Model(&models.Transaction{}).Where("user_id = ?", userID)
	base = applyTransactionFilters(base, filter)

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var transactions []models.Transaction
	if err := base.Order("date DESC").Scopes(pagination.Paginate(page)).Find(&transactions).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	result := pagination.NewPageResponse(transactions, page.Page, page.PageSize, totalItems)
	return &result, nil
}

// GetTransactionByID retrieves a transaction by ID for a specific user.
func (s *transactionService) GetTransactionByID(userID, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.Where("id = ? AND user_id = ?", transactionID, userID).First(&transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &transaction, nil
}

// applyEffects settles a transaction against the account and, for
// expenses, the category budget. The budget consumption happens before
// the debit; a failure of either rolls back the enclosing database
// transaction, so no partial effect survives.
func (s *transactionService) applyEffects(tx *gorm.DB, account *models.Account, transaction *models.Transaction) (BudgetCheck, error) {
	switch transaction.Type {
	case models.TransactionTypeExpense:
		check, err := s.budgetService.CheckAndConsume(tx, transaction.UserID, transaction.CategoryID, transaction.Amount)
		if err != nil {
			return BudgetCheck{}, err
		}
		if err := s.accountService.Debit(tx, account, transaction.Amount); err != nil {
			return BudgetCheck{}, err
		}
		return check, nil
	case models.TransactionTypeIncome:
		return BudgetCheck{}, s.accountService.Credit(tx, account, transaction.Amount)
	default:
		return BudgetCheck{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "unsupported transaction type")
	}
}

// revertEffects undoes a completed transaction's settlement exactly:
// expenses are credited back and their budget consumption restored,
// incomes are debited back. Reverting an income fails when the balance no
// longer covers it.
func (s *transactionService) revertEffects(tx *gorm.DB, account *models.Account, transaction *models.Transaction) error {
	switch transaction.Type {
	case models.TransactionTypeExpense:
		if err := s.accountService.Credit(tx, account, transaction.Amount); err != nil {
			return err
		}
		return s.budgetService.Revert(tx, transaction.UserID, transaction.CategoryID, transaction.Amount)
	case models.TransactionTypeIncome:
		return s.accountService.Debit(tx, account, transaction.Amount)
	default:
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "unsupported transaction type")
	}
}

// revertEffectsBestEffort is the delete-path variant of revertEffects: an
// income whose credit has since been spent is clawed back only up to the
// current balance, and the shortfall is logged, so the delete never drives
// the balance negative or fails.
func (s *transactionService) revertEffectsBestEffort(tx *gorm.DB, account *models.Account, transaction *models.Transaction) error {
	if transaction.Type == models.TransactionTypeIncome && account.Balance < transaction.Amount {
		logger.Get().Warnw("income revert clamped to current balance",
			"transaction_id", transaction.ID,
			"account_id", account.ID,
			"amount", transaction.Amount,
			"balance", account.Balance,
		)
		return s.accountService.Debit(tx, account, account.Balance)
	}
	return s.revertEffects(tx, account, transaction)
}

// resolveAccount returns the explicit account (which must belong to the
// user) or the user's default account when none is given.
func (s *transactionService) resolveAccount(userID, accountID string) (*models.Account, error) {
	if accountID != "" {
		return s.accountService.GetAccountByID(userID, accountID)
	}
	return s.accountService.GetDefaultAccount(userID)
}

// resolveCategory fetches the category and checks it matches the
// transaction type, using the caller's database handle.
func (s *transactionService) resolveCategory(db *gorm.DB, userID, categoryID string, transactionType models.TransactionType) (*models.Category, error) {
	var category models.Category
	if err := db.Where("id = ? AND user_id = ?", categoryID, userID).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCategoryNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if string(category.Type) != string(transactionType) {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "category type does not match transaction type")
	}
	return &category, nil
}

// lockedTransaction re-reads a transaction inside the caller's database
// transaction so reverts work from the committed row, not the pre-lock
// snapshot.
func (s *transactionService) lockedTransaction(tx *gorm.DB, userID, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := tx.Where("id = ? AND user_id = ?", transactionID, userID).First(&transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &transaction, nil
}

// lockedAccount re-reads an account inside the caller's database
// transaction so balance checks see the committed state.
func (s *transactionService) lockedAccount(tx *gorm.DB, userID, accountID string) (*models.Account, error) {
	var account models.Account
	if err := tx.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// lockAccounts acquires the keyed mutexes for the given account IDs in
// sorted order so concurrent updates touching the same pair cannot
// deadlock.
func (s *transactionService) lockAccounts(ids ...string) {
	for _, id := range dedupSorted(ids) {
		s.accountLocks.Lock(id)
	}
}

func (s *transactionService) unlockAccounts(ids ...string) {
	sorted := dedupSorted(ids)
	for i := len(sorted) - 1; i >= 0; i-- {
		s.accountLocks.Unlock(sorted[i])
	}
}

func dedupSorted(ids []string) []string {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)
	return sorted
}

// applyTransactionFilters narrows a transaction query by the optional
// filter fields.
func applyTransactionFilters(db *gorm.DB, filter TransactionFilter) *gorm.DB {
	if filter.AccountID != nil {
		db = db.Where("account_id = ?", *filter.AccountID)
	}
	if filter.CategoryID != nil {
		db = db.Where("category_id = ?", *filter.CategoryID)
	}
	if filter.Type != nil {
		db = db.Where("type = ?", *filter.Type)
	}
	if filter.Status != nil {
		db = db.Where("status = ?", *filter.Status)
	}
	if filter.FromDate != nil {
		db = db.Where("date >= ?", *filter.FromDate)
	}
	if filter.ToDate != nil {
		db = db.Where("date <= ?", *filter.ToDate)
	}
	return db
}
