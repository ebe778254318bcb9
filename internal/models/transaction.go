package models

import "time"

// TransactionType represents the type of transaction.
type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "income"
	TransactionTypeExpense TransactionType = "expense"
)

// TransactionStatus represents the settlement state of a transaction.
// A transaction's effect on account balance and budget limit is applied
// exactly once, while the status is completed.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Interval represents a recurrence or contribution period.
type Interval string

const (
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
	IntervalMonthly Interval = "monthly"
	IntervalYearly  Interval = "yearly"
)

// Transaction represents a single income or expense event against an
// account. Recurring transactions act as templates: the settlement sweep
// spawns a new completed transaction on each interval tick and advances
// NextRecurringDate on the template.
type Transaction struct {
	Base
	UserID      string            `gorm:"type:uuid;not null;index" json:"user_id"`
	AccountID   string            `gorm:"type:uuid;not null;index" json:"account_id"`
	CategoryID  string            `gorm:"type:uuid;not null" json:"category_id"`
	Type        TransactionType   `gorm:"not null" json:"type"`
	Amount      int64             `gorm:"not null" json:"amount"`
	Description string            `json:"description"`
	Date        time.Time         `gorm:"not null" json:"date"`
	Status      TransactionStatus `gorm:"not null;default:'completed'" json:"status"`

	IsRecurring       bool       `gorm:"not null;default:false" json:"is_recurring"`
	RecurringInterval Interval   `json:"recurring_interval,omitempty"`
	NextRecurringDate *time.Time `json:"next_recurring_date,omitempty"`
	LastProcessedAt   *time.Time `json:"last_processed_at,omitempty"`

	// Set on contribution records spawned by the goal engine. The account
	// of a goal-linked transaction is immutable.
	GoalID *string `gorm:"type:uuid" json:"goal_id,omitempty"`

	Account  Account  `gorm:"foreignKey:AccountID" json:"account,omitempty"`
	Category Category `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}
