package models

// AccountType represents the type of account.
type AccountType string

const (
	AccountTypeCurrent AccountType = "current"
	AccountTypeSavings AccountType = "savings"
)

// Account holds a user's spendable balance. Balance is the authoritative
// amount in minor units and must never go negative; it is only mutated
// through the account service's Credit and Debit operations.
type Account struct {
	Base
	UserID    string      `gorm:"type:uuid;not null;uniqueIndex:idx_accounts_user_slug" json:"user_id"`
	Name      string      `gorm:"not null" json:"name"`
	Slug      string      `gorm:"not null;uniqueIndex:idx_accounts_user_slug" json:"slug"`
	Type      AccountType `gorm:"not null" json:"type"`
	Balance   int64       `gorm:"not null;default:0" json:"balance"`
	IsDefault bool        `gorm:"not null;default:false" json:"is_default"`

	Transactions []Transaction `gorm:"foreignKey:AccountID" json:"transactions,omitempty"`
	Goals        []Goal        `gorm:"foreignKey:AccountID" json:"goals,omitempty"`
}
