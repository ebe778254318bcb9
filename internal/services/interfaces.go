package services

import (
	"time"

	"gorm.io/gorm"

	"financemate/internal/models"
	"financemate/internal/pagination"
)

// UserUpdateFields holds the mutable fields of a user profile.
type UserUpdateFields struct {
	Email     *string
	FirstName *string
	LastName  *string
}

// UserServicer defines the contract for user-related business logic.
type UserServicer interface {
	CreateUser(email, password, firstName, lastName string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	AttemptLogin(email, password string) (*models.User, error)
	UpdateUser(userID string, fields UserUpdateFields) (*models.User, error)
	DeleteUser(userID string) error
	StoreRefreshTokenHash(userID, tokenHash string) error
	GetRefreshTokenHash(userID string) (string, error)
}

// AccountUpdateFields holds the mutable fields of an account.
type AccountUpdateFields struct {
	Name      *string
	IsDefault *bool
}

// AccountServicer defines the contract for account-related business logic,
// including the ledger operations every balance mutation goes through.
type AccountServicer interface {
	CreateAccount(userID, name string, accountType models.AccountType, balance int64, isDefault bool) (*models.Account, error)
	GetUserAccounts(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Account], error)
	GetAccountByID(userID, accountID string) (*models.Account, error)
	GetDefaultAccount(userID string) (*models.Account, error)
	UpdateAccount(userID, accountID string, fields AccountUpdateFields) (*models.Account, error)
	DeleteAccount(userID, accountID string) error

	// Credit increases the account balance unconditionally.
	Credit(tx *gorm.DB, account *models.Account, amount int64) error
	// Debit decreases the account balance, failing with ErrInsufficientFunds
	// when the balance is lower than amount.
	Debit(tx *gorm.DB, account *models.Account, amount int64) error
}

// CategoryServicer defines the contract for category-related business logic.
type CategoryServicer interface {
	CreateCategory(userID, name string, categoryType models.CategoryType) (*models.Category, error)
	GetUserCategories(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Category], error)
	GetCategoryByID(userID, categoryID string) (*models.Category, error)
	UpdateCategory(userID, categoryID, name string, categoryType models.CategoryType) (*models.Category, error)
	DeleteCategory(userID, categoryID string) error
}

// BudgetCheck is the outcome of a successful budget consumption attempt.
type BudgetCheck struct {
	// Tracked is false when the category carries no budget; in that case
	// nothing was consumed.
	Tracked bool
	// Warning is set when the consumption pushed the remaining limit below
	// 10% of the original limit. Advisory only.
	Warning bool
}

// BudgetServicer defines the contract for budget-related business logic.
// CheckAndConsume and Revert are the budget tracker used by the transaction
// lifecycle and the settlement sweeps; they run against the caller's
// database transaction so budget and balance mutations commit together.
type BudgetServicer interface {
	CreateBudget(userID, categoryID string, limit int64) (*models.Budget, error)
	GetUserBudgets(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Budget], error)
	GetBudgetByID(userID, budgetID string) (*models.Budget, error)
	UpdateBudget(userID, budgetID string, limit int64) (*models.Budget, error)
	DeleteBudget(userID, budgetID string) error

	CheckAndConsume(tx *gorm.DB, userID, categoryID string, amount int64) (BudgetCheck, error)
	Revert(tx *gorm.DB, userID, categoryID string, amount int64) error
}

// TransactionFilter holds optional filter parameters for listing transactions.
type TransactionFilter struct {
	AccountID  *string
	CategoryID *string
	Type       *models.TransactionType
	Status     *models.TransactionStatus
	FromDate   *time.Time
	ToDate     *time.Time
}

// CreateTransactionInput carries the fields for creating a transaction.
// AccountID may be empty, in which case the user's default account is used.
type CreateTransactionInput struct {
	AccountID         string
	CategoryID        string
	Type              models.TransactionType
	Amount            int64
	Description       string
	Date              time.Time
	IsRecurring       bool
	RecurringInterval models.Interval
}

// UpdateTransactionInput carries the changeable fields of a transaction.
// Nil pointers leave the field untouched. Date is present only to reject
// attempts to change it.
type UpdateTransactionInput struct {
	AccountID         *string
	CategoryID        *string
	Type              *models.TransactionType
	Amount            *int64
	Description       *string
	Date              *time.Time
	IsRecurring       *bool
	RecurringInterval *models.Interval
}

// TransactionResult pairs a persisted transaction with the advisory budget
// warning raised while applying it.
type TransactionResult struct {
	Transaction   *models.Transaction
	BudgetWarning bool
}

// TransactionServicer defines the contract for the transaction lifecycle.
type TransactionServicer interface {
	CreateTransaction(userID string, input CreateTransactionInput) (*TransactionResult, error)
	UpdateTransaction(userID, transactionID string, input UpdateTransactionInput) (*TransactionResult, error)
	DeleteTransaction(userID, transactionID string) error
	GetUserTransactions(userID string, page pagination.PageRequest, filter TransactionFilter) (*pagination.PageResponse[models.Transaction], error)
	GetTransactionByID(userID, transactionID string) (*models.Transaction, error)
}

// CreateGoalInput carries the fields for creating a savings goal.
// AccountID may be empty, in which case the user's default account is used.
type CreateGoalInput struct {
	AccountID            string
	Name                 string
	Description          string
	TotalAmount          int64
	ContributionAmount   int64
	ContributionInterval models.Interval
}

// UpdateGoalInput carries the changeable fields of a goal. AccountID is
// present only to reject attempts to change it.
type UpdateGoalInput struct {
	Name                 *string
	Description          *string
	AccountID            *string
	ContributionAmount   *int64
	ContributionInterval *models.Interval
}

// GoalServicer defines the contract for the goal contribution engine.
type GoalServicer interface {
	CreateGoal(userID string, input CreateGoalInput) (*models.Goal, error)
	GetUserGoals(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Goal], error)
	GetGoalByID(userID, goalID string) (*models.Goal, error)
	UpdateGoal(userID, goalID string, input UpdateGoalInput) (*models.Goal, error)
	DeleteGoal(userID, goalID string) error

	// ProcessInstallment applies one due installment to the goal. It is
	// fail-soft: recoverable conditions (missing account, insufficient
	// funds) skip the goal until the next sweep instead of failing it.
	ProcessInstallment(goal *models.Goal, now time.Time) error
}

// CategoryExpense is one row of the top-expense-categories report section.
type CategoryExpense struct {
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
	TotalSpent int64  `json:"total_spent"`
}

// GoalProgress reports how far along a goal is, in percent.
type GoalProgress struct {
	GoalID   string  `json:"goal_id"`
	Name     string  `json:"name"`
	Progress float64 `json:"progress"`
}

// TimelineEntry is one day of the income/expense timeline.
type TimelineEntry struct {
	Date    string `json:"date"`
	Income  int64  `json:"income"`
	Expense int64  `json:"expense"`
}

// Report aggregates a user's finances over a date range.
type Report struct {
	TotalIncome          int64             `json:"total_income"`
	TotalExpense         int64             `json:"total_expense"`
	NetSavings           int64             `json:"net_savings"`
	TopExpenseCategories []CategoryExpense `json:"top_expense_categories"`
	GoalProgress         []GoalProgress    `json:"goal_progress"`
	Timeline             []TimelineEntry   `json:"transactions_over_time"`
}

// ReportServicer defines the contract for the read-side report aggregation.
type ReportServicer interface {
	GenerateReport(userID string, start, end time.Time) (*Report, error)
}
