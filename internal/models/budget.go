package models

// Budget caps spending for one expense category. RemainingLimit starts
// equal to Limit, is consumed by settled expense transactions against the
// category and restored when such a transaction is reverted or deleted.
// Invariant: 0 <= RemainingLimit <= Limit.
type Budget struct {
	Base
	UserID         string `gorm:"type:uuid;not null;uniqueIndex:idx_budgets_user_category" json:"user_id"`
	CategoryID     string `gorm:"type:uuid;not null;uniqueIndex:idx_budgets_user_category" json:"category_id"`
	Limit          int64  `gorm:"column:limit_amount;not null" json:"limit"`
	RemainingLimit int64  `gorm:"not null" json:"remaining_limit"`

	Category Category `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}
