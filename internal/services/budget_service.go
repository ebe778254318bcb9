package services

import (
	"errors"

	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/models"
	"financemate/internal/pagination"
)

// budgetService handles budget business logic: CRUD on budgets and the
// tracker operations (CheckAndConsume/Revert) used by the transaction
// lifecycle and the settlement sweeps.
type budgetService struct {
	db *gorm.DB
}

// NewBudgetService creates a new BudgetServicer.
func NewBudgetService(db *gorm.DB) BudgetServicer {
	return &budgetService{db: db}
}

// CreateBudget creates a budget for an expense category. One budget per
// (user, category); creating it puts the category under budget control.
func (s *budgetService) CreateBudget(userID, categoryID string, limit int64) (*models.Budget, error) {
	if limit <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "budget limit must be greater than zero")
	}

	budget := &models.Budget{
		UserID:         userID,
		CategoryID:     categoryID,
		Limit:          limit,
		RemainingLimit: limit,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var category models.Category
		if err := tx.Where("id = ? AND user_id = ?", categoryID, userID).First(&category).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrCategoryNotFound
			}
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		if category.Type == models.CategoryTypeIncome {
			return apperrors.ErrBudgetNotApplicable
		}

		var count int64
		if err := tx.Model(&models.Budget{}).Where("user_id = ? AND category_id = ?", userID, categoryID).Count(&count).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if count > 0 {
			return apperrors.ErrDuplicateBudget
		}

		if err := tx.Create(budget).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		if err := tx.Model(&category).Update("on_track", true).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return budget, nil
}

// GetUserBudgets returns a paginated list of budgets for the user.
func (s *budgetService) GetUserBudgets(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Budget], error) {
	page.Defaults()

	base := s.db.Model(&models.Budget{}).Where("user_id = ?", userID)

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var budgets []models.Budget
	if err := base.Preload("Category").Scopes(pagination.Paginate(page)).Find(&budgets).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	result := pagination.NewPageResponse(budgets, page.Page, page.PageSize, totalItems)
	return &result, nil
}

// GetBudgetByID retrieves a budget by ID for a specific user.
func (s *budgetService) GetBudgetByID(userID, budgetID string) (*models.Budget, error) {
	var budget models.Budget
	if err := s.db.Preload("Category").Where("id = ? AND user_id = ?", budgetID, userID).First(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrBudgetNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &budget, nil
}

// UpdateBudget changes the budget's limit. The remaining limit is re-based
// so the amount already consumed stays consumed: remaining = newLimit -
// consumed, clamped into [0, newLimit].
func (s *budgetService) UpdateBudget(userID, budgetID string, limit int64) (*models.Budget, error) {
	if limit <= 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "budget limit must be greater than zero")
	}

	budget, err := s.GetBudgetByID(userID, budgetID)
	if err != nil {
		return nil, err
	}

	consumed := budget.Limit - budget.RemainingLimit
	remaining := limit - consumed
	if remaining < 0 {
		remaining = 0
	}

	if err := s.db.Model(budget).Updates(map[string]interface{}{
		"limit_amount":    limit,
		"remaining_limit": remaining,
	}).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	budget.Limit = limit
	budget.RemainingLimit = remaining
	return budget, nil
}

// DeleteBudget removes a budget and releases its category from budget
// control.
func (s *budgetService) DeleteBudget(userID, budgetID string) error {
	budget, err := s.GetBudgetByID(userID, budgetID)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(budget).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if err := tx.Model(&models.Category{}).
			Where("id = ? AND user_id = ?", budget.CategoryID, userID).
			Update("on_track", false).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
}

// CheckAndConsume atomically checks the category's budget and consumes
// amount from its remaining limit. The check and the decrement are one
// step so two concurrently settled transactions cannot both pass the
// check; callers hold the account lock and the database transaction.
//
// A category without a budget is not under budget control: the call
// succeeds without consuming anything (Tracked=false). Income categories
// never carry a budget.
func (s *budgetService) CheckAndConsume(tx *gorm.DB, userID, categoryID string, amount int64) (BudgetCheck, error) {
	var category models.Category
	if err := tx.Where("id = ? AND user_id = ?", categoryID, userID).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BudgetCheck{}, apperrors.ErrCategoryNotFound
		}
		return BudgetCheck{}, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	if category.Type == models.CategoryTypeIncome {
		return BudgetCheck{}, apperrors.ErrBudgetNotApplicable
	}

	var budget models.Budget
	if err := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return BudgetCheck{Tracked: false}, nil
		}
		return BudgetCheck{}, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	if amount > budget.RemainingLimit {
		return BudgetCheck{}, apperrors.ErrBudgetExceeded
	}

	// Near-threshold warning: the consumption crosses below 10% of the
	// original limit. Integer form of amount >= remainingBefore * 0.9.
	warning := amount*10 >= budget.RemainingLimit*9

	budget.RemainingLimit -= amount
	if err := tx.Model(&budget).Update("remaining_limit", budget.RemainingLimit).Error; err != nil {
		return BudgetCheck{}, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	return BudgetCheck{Tracked: true, Warning: warning}, nil
}

// Revert returns previously consumed amount to the category's budget.
// Callers only revert amounts they consumed, so the remaining limit is
// capped at the limit rather than failing; a missing budget is a no-op
// (the budget may have been deleted since the transaction settled).
func (s *budgetService) Revert(tx *gorm.DB, userID, categoryID string, amount int64) error {
	var budget models.Budget
	if err := tx.Where("user_id = ? AND category_id = ?", userID, categoryID).First(&budget).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	budget.RemainingLimit += amount
	if budget.RemainingLimit > budget.Limit {
		budget.RemainingLimit = budget.Limit
	}

	if err := tx.Model(&budget).Update("remaining_limit", budget.RemainingLimit).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}
