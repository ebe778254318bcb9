package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gosimple/slug"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"financemate/internal/models"
)

// counter provides unique values across fixtures within a test run.
var counter atomic.Int64

func nextID() int64 {
	return counter.Add(1)
}

// CreateTestUser creates a user with a hashed password and unique email.
func CreateTestUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &models.User{
		Email:     fmt.Sprintf("user%d@test.com", nextID()),
		Password:  string(hash),
		FirstName: "Test",
		LastName:  "User",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// CreateTestAccount creates a current account with the given balance (in
// cents), marked as the user's default.
func CreateTestAccount(t *testing.T, db *gorm.DB, userID string, balance int64) *models.Account {
	t.Helper()
	return CreateTestAccountWithDefault(t, db, userID, balance, true)
}

// CreateTestAccountWithDefault creates a current account with the given
// balance and default flag.
func CreateTestAccountWithDefault(t *testing.T, db *gorm.DB, userID string, balance int64, isDefault bool) *models.Account {
	t.Helper()

	name := fmt.Sprintf("Test Account %d", nextID())
	account := &models.Account{
		UserID:    userID,
		Name:      name,
		Slug:      slug.Make(name),
		Type:      models.AccountTypeCurrent,
		Balance:   balance,
		IsDefault: isDefault,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// CreateTestCategory creates a category of the given type.
func CreateTestCategory(t *testing.T, db *gorm.DB, userID string, categoryType models.CategoryType) *models.Category {
	t.Helper()

	name := fmt.Sprintf("Test Category %d", nextID())
	category := &models.Category{
		UserID: userID,
		Name:   name,
		Slug:   slug.Make(name),
		Type:   categoryType,
	}
	if err := db.Create(category).Error; err != nil {
		t.Fatalf("failed to create test category: %v", err)
	}
	return category
}

// CreateTestBudget creates a budget with the given limit (in cents) and a
// full remaining limit, marking the category on track.
func CreateTestBudget(t *testing.T, db *gorm.DB, userID, categoryID string, limit int64) *models.Budget {
	t.Helper()

	budget := &models.Budget{
		UserID:         userID,
		CategoryID:     categoryID,
		Limit:          limit,
		RemainingLimit: limit,
	}
	if err := db.Create(budget).Error; err != nil {
		t.Fatalf("failed to create test budget: %v", err)
	}
	if err := db.Model(&models.Category{}).Where("id = ?", categoryID).Update("on_track", true).Error; err != nil {
		t.Fatalf("failed to mark test category on track: %v", err)
	}
	return budget
}

// CreateTestTransaction creates a completed transaction dated today.
func CreateTestTransaction(t *testing.T, db *gorm.DB, userID, accountID, categoryID string, txType models.TransactionType, amount int64) *models.Transaction {
	t.Helper()

	now := time.Now()
	tx := &models.Transaction{
		UserID:     userID,
		AccountID:  accountID,
		CategoryID: categoryID,
		Type:       txType,
		Amount:     amount,
		Date:       time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
		Status:     models.TransactionStatusCompleted,
	}
	if err := db.Create(tx).Error; err != nil {
		t.Fatalf("failed to create test transaction: %v", err)
	}
	return tx
}

// CreateTestGoal creates an ongoing goal funded from the given account.
// Balance starts at totalAmount less one contribution, mirroring the
// immediate first installment.
func CreateTestGoal(t *testing.T, db *gorm.DB, userID, accountID string, totalAmount, contributionAmount int64) *models.Goal {
	t.Helper()

	installments := int((totalAmount + contributionAmount - 1) / contributionAmount)
	goal := &models.Goal{
		UserID:               userID,
		AccountID:            accountID,
		Name:                 fmt.Sprintf("Test Goal %d", nextID()),
		TotalAmount:          totalAmount,
		ContributionAmount:   contributionAmount,
		ContributionInterval: models.IntervalMonthly,
		NoOfInstallments:     installments,
		CurrentInstallment:   1,
		Balance:              totalAmount - contributionAmount,
		NextContributionDate: time.Now().AddDate(0, 1, 0),
		Status:               models.GoalStatusOngoing,
	}
	if err := db.Create(goal).Error; err != nil {
		t.Fatalf("failed to create test goal: %v", err)
	}
	return goal
}
