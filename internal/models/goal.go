package models

import "time"

// GoalStatus represents the lifecycle state of a savings goal.
type GoalStatus string

const (
	GoalStatusOngoing   GoalStatus = "ongoing"
	GoalStatusCompleted GoalStatus = "completed"
)

// Goal is a savings target funded in periodic installments debited from
// one account. Balance is the amount still to be saved; the goal completes
// when CurrentInstallment reaches NoOfInstallments or Balance reaches zero.
type Goal struct {
	Base
	UserID      string `gorm:"type:uuid;not null;index" json:"user_id"`
	AccountID   string `gorm:"type:uuid;not null" json:"account_id"`
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	TotalAmount          int64      `gorm:"not null" json:"total_amount"`
	ContributionAmount   int64      `gorm:"not null" json:"contribution_amount"`
	ContributionInterval Interval   `gorm:"not null" json:"contribution_interval"`
	NoOfInstallments     int        `gorm:"not null" json:"no_of_installments"`
	CurrentInstallment   int        `gorm:"not null" json:"current_installment"`
	Balance              int64      `gorm:"not null" json:"balance"`
	NextContributionDate time.Time  `gorm:"not null" json:"next_contribution_date"`
	Status               GoalStatus `gorm:"not null;default:'ongoing'" json:"status"`

	Account Account `gorm:"foreignKey:AccountID" json:"account,omitempty"`
}
