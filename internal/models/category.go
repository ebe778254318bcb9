package models

// CategoryType represents the type of category.
type CategoryType string

const (
	CategoryTypeIncome  CategoryType = "income"
	CategoryTypeExpense CategoryType = "expense"
)

// Category classifies transactions. OnTrack is true while a budget exists
// for the category; only on-track expense categories consume budget limit.
type Category struct {
	Base
	UserID  string       `gorm:"type:uuid;not null;uniqueIndex:idx_categories_user_slug" json:"user_id"`
	Name    string       `gorm:"not null" json:"name"`
	Slug    string       `gorm:"not null;uniqueIndex:idx_categories_user_slug" json:"slug"`
	Type    CategoryType `gorm:"not null" json:"type"`
	OnTrack bool         `gorm:"not null;default:false" json:"on_track"`

	Transactions []Transaction `gorm:"foreignKey:CategoryID" json:"transactions,omitempty"`
}
