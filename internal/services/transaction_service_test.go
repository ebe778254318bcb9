package services

import (
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"financemate/internal/locks"
	"financemate/internal/models"
	"financemate/internal/pagination"
	"financemate/internal/testutil"
)

func newTransactionFixture(t *testing.T) (*gorm.DB, TransactionServicer, BudgetServicer) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	accountSvc := NewAccountService(db)
	budgetSvc := NewBudgetService(db)
	txSvc := NewTransactionService(db, accountSvc, budgetSvc, locks.NewKeyedMutex())
	return db, txSvc, budgetSvc
}

func reloadAccount(t *testing.T, db *gorm.DB, id string) *models.Account {
	t.Helper()
	var account models.Account
	testutil.AssertNoError(t, db.First(&account, "id = ?", id).Error)
	return &account
}

func TestCreateTransaction(t *testing.T) {
	t.Run("income_credits_default_account", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)

		result, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			CategoryID: category.ID,
			Type:       models.TransactionTypeIncome,
			Amount:     5000,
		})
		testutil.AssertNoError(t, err)

		if result.Transaction.Status != models.TransactionStatusCompleted {
			t.Errorf("expected completed status, got %s", result.Transaction.Status)
		}
		if result.Transaction.AccountID != account.ID {
			t.Error("expected the default account to be resolved")
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 15000 {
			t.Errorf("expected balance 15000, got %d", got)
		}
	})

	t.Run("expense_debits_and_consumes_budget", func(t *testing.T) {
		db, svc, budgetSvc := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		budget := testutil.CreateTestBudget(t, db, user.ID, category.ID, 8000)

		result, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
		})
		testutil.AssertNoError(t, err)
		if result.BudgetWarning {
			t.Error("expected no budget warning at 3000 of 8000")
		}

		if got := reloadAccount(t, db, account.ID).Balance; got != 7000 {
			t.Errorf("expected balance 7000, got %d", got)
		}
		reloaded, err := budgetSvc.GetBudgetByID(user.ID, budget.ID)
		testutil.AssertNoError(t, err)
		if reloaded.RemainingLimit != 5000 {
			t.Errorf("expected remaining limit 5000, got %d", reloaded.RemainingLimit)
		}
	})

	t.Run("insufficient_funds_rolls_back_budget", func(t *testing.T) {
		db, svc, budgetSvc := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 1000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		budget := testutil.CreateTestBudget(t, db, user.ID, category.ID, 8000)

		_, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
		})
		testutil.AssertAppError(t, err, "INSUFFICIENT_FUNDS")

		if got := reloadAccount(t, db, account.ID).Balance; got != 1000 {
			t.Errorf("expected balance unchanged at 1000, got %d", got)
		}
		reloaded, err := budgetSvc.GetBudgetByID(user.ID, budget.ID)
		testutil.AssertNoError(t, err)
		if reloaded.RemainingLimit != 8000 {
			t.Errorf("expected remaining limit unchanged at 8000, got %d", reloaded.RemainingLimit)
		}
		var count int64
		testutil.AssertNoError(t, db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count).Error)
		if count != 0 {
			t.Errorf("expected no transaction rows, got %d", count)
		}
	})

	t.Run("budget_exceeded_leaves_balance_unchanged", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		testutil.CreateTestBudget(t, db, user.ID, category.ID, 2000)

		_, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
		})
		testutil.AssertAppError(t, err, "BUDGET_EXCEEDED")

		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance unchanged at 10000, got %d", got)
		}
	})

	t.Run("near_budget_exhaustion_sets_warning", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 20000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		testutil.CreateTestBudget(t, db, user.ID, category.ID, 10000)

		result, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     9500,
		})
		testutil.AssertNoError(t, err)
		if !result.BudgetWarning {
			t.Error("expected a budget warning at 95% consumption")
		}
	})

	t.Run("future_date_stays_pending", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		result, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
			Date:       time.Now().AddDate(0, 0, 7),
		})
		testutil.AssertNoError(t, err)

		if result.Transaction.Status != models.TransactionStatusPending {
			t.Errorf("expected pending status, got %s", result.Transaction.Status)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance untouched at 10000, got %d", got)
		}
	})

	t.Run("recurring_sets_next_date", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		result, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:         account.ID,
			CategoryID:        category.ID,
			Type:              models.TransactionTypeExpense,
			Amount:            1000,
			IsRecurring:       true,
			RecurringInterval: models.IntervalMonthly,
		})
		testutil.AssertNoError(t, err)

		if result.Transaction.NextRecurringDate == nil {
			t.Fatal("expected next recurring date to be set")
		}
		want := TruncateToDay(time.Now()).AddDate(0, 1, 0)
		if !result.Transaction.NextRecurringDate.Equal(want) {
			t.Errorf("expected next recurring date %v, got %v", want, result.Transaction.NextRecurringDate)
		}
	})

	t.Run("recurring_without_interval_rejected", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		_, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:   account.ID,
			CategoryID:  category.ID,
			Type:        models.TransactionTypeExpense,
			Amount:      1000,
			IsRecurring: true,
		})
		testutil.AssertAppError(t, err, "INVALID_INTERVAL")
	})

	t.Run("category_type_mismatch_rejected", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)

		_, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     1000,
		})
		testutil.AssertAppError(t, err, "INVALID_INPUT")
	})
}

func TestUpdateTransaction(t *testing.T) {
	t.Run("amount_change_reverts_then_reapplies", func(t *testing.T) {
		db, svc, budgetSvc := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		budget := testutil.CreateTestBudget(t, db, user.ID, category.ID, 8000)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
		})
		testutil.AssertNoError(t, err)

		newAmount := int64(5000)
		_, err = svc.UpdateTransaction(user.ID, created.Transaction.ID, UpdateTransactionInput{
			Amount: &newAmount,
		})
		testutil.AssertNoError(t, err)

		if got := reloadAccount(t, db, account.ID).Balance; got != 5000 {
			t.Errorf("expected balance 5000 after update, got %d", got)
		}
		reloaded, err := budgetSvc.GetBudgetByID(user.ID, budget.ID)
		testutil.AssertNoError(t, err)
		if reloaded.RemainingLimit != 3000 {
			t.Errorf("expected remaining limit 3000 after update, got %d", reloaded.RemainingLimit)
		}
	})

	t.Run("date_change_rejected", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		transaction := testutil.CreateTestTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 1000)

		newDate := time.Now().AddDate(0, 0, 1)
		_, err := svc.UpdateTransaction(user.ID, transaction.ID, UpdateTransactionInput{
			Date: &newDate,
		})
		testutil.AssertAppError(t, err, "IMMUTABLE_FIELD")
	})

	t.Run("move_between_accounts", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		source := testutil.CreateTestAccount(t, db, user.ID, 10000)
		target := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  source.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     4000,
		})
		testutil.AssertNoError(t, err)

		_, err = svc.UpdateTransaction(user.ID, created.Transaction.ID, UpdateTransactionInput{
			AccountID: &target.ID,
		})
		testutil.AssertNoError(t, err)

		if got := reloadAccount(t, db, source.ID).Balance; got != 10000 {
			t.Errorf("expected source balance restored to 10000, got %d", got)
		}
		if got := reloadAccount(t, db, target.ID).Balance; got != 6000 {
			t.Errorf("expected target balance 6000, got %d", got)
		}
	})

	t.Run("concurrent_amount_updates_keep_ledger_consistent", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     1000,
		})
		testutil.AssertNoError(t, err)

		// Whatever interleaving wins, the balance must reflect the stored
		// amount exactly once: each update reverts the committed row, not
		// the snapshot it happened to read first.
		for i := 0; i < 10; i++ {
			var wg sync.WaitGroup
			for _, amount := range []int64{2000, 3000, 4000, 5000} {
				wg.Add(1)
				go func(amount int64) {
					defer wg.Done()
					_, err := svc.UpdateTransaction(user.ID, created.Transaction.ID, UpdateTransactionInput{
						Amount: &amount,
					})
					if err != nil {
						t.Errorf("concurrent update failed: %v", err)
					}
				}(amount)
			}
			wg.Wait()

			stored, err := svc.GetTransactionByID(user.ID, created.Transaction.ID)
			testutil.AssertNoError(t, err)
			if got := reloadAccount(t, db, account.ID).Balance; got != 100000-stored.Amount {
				t.Fatalf("stored amount %d implies balance %d, account has %d", stored.Amount, 100000-stored.Amount, got)
			}
		}
	})

	t.Run("goal_linked_transaction_account_immutable", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		other := testutil.CreateTestAccount(t, db, user.ID, 100000)
		goalSvc := NewGoalService(db, NewAccountService(db), locks.NewKeyedMutex())

		goal, err := goalSvc.CreateGoal(user.ID, CreateGoalInput{
			AccountID:            account.ID,
			Name:                 "Vacation",
			TotalAmount:          50000,
			ContributionAmount:   10000,
			ContributionInterval: models.IntervalMonthly,
		})
		testutil.AssertNoError(t, err)

		var contribution models.Transaction
		testutil.AssertNoError(t, db.Where("goal_id = ?", goal.ID).First(&contribution).Error)

		_, err = svc.UpdateTransaction(user.ID, contribution.ID, UpdateTransactionInput{
			AccountID: &other.ID,
		})
		testutil.AssertAppError(t, err, "IMMUTABLE_FIELD")
	})

	t.Run("income_revert_can_fail_on_spent_funds", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 0)
		income := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		expense := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: income.ID,
			Type:       models.TransactionTypeIncome,
			Amount:     5000,
		})
		testutil.AssertNoError(t, err)

		// Spend most of the credited income, then try to shrink it.
		_, err = svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: expense.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     4000,
		})
		testutil.AssertNoError(t, err)

		newAmount := int64(500)
		_, err = svc.UpdateTransaction(user.ID, created.Transaction.ID, UpdateTransactionInput{
			Amount: &newAmount,
		})
		testutil.AssertAppError(t, err, "INSUFFICIENT_FUNDS")
	})
}

func TestDeleteTransaction(t *testing.T) {
	t.Run("expense_delete_restores_balance_and_budget", func(t *testing.T) {
		db, svc, budgetSvc := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		budget := testutil.CreateTestBudget(t, db, user.ID, category.ID, 8000)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
		})
		testutil.AssertNoError(t, err)

		testutil.AssertNoError(t, svc.DeleteTransaction(user.ID, created.Transaction.ID))

		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance restored to 10000, got %d", got)
		}
		reloaded, err := budgetSvc.GetBudgetByID(user.ID, budget.ID)
		testutil.AssertNoError(t, err)
		if reloaded.RemainingLimit != 8000 {
			t.Errorf("expected remaining limit restored to 8000, got %d", reloaded.RemainingLimit)
		}
		_, err = svc.GetTransactionByID(user.ID, created.Transaction.ID)
		testutil.AssertAppError(t, err, "TRANSACTION_NOT_FOUND")
	})

	t.Run("income_delete_clamps_at_zero", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 0)
		income := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		expense := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: income.ID,
			Type:       models.TransactionTypeIncome,
			Amount:     5000,
		})
		testutil.AssertNoError(t, err)

		_, err = svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: expense.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     4000,
		})
		testutil.AssertNoError(t, err)

		// Deleting the income would overdraw, so the reversal clamps the
		// balance at zero instead of failing.
		testutil.AssertNoError(t, svc.DeleteTransaction(user.ID, created.Transaction.ID))

		if got := reloadAccount(t, db, account.ID).Balance; got != 0 {
			t.Errorf("expected balance clamped at 0, got %d", got)
		}
	})

	t.Run("pending_delete_skips_reversal", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		created, err := svc.CreateTransaction(user.ID, CreateTransactionInput{
			AccountID:  account.ID,
			CategoryID: category.ID,
			Type:       models.TransactionTypeExpense,
			Amount:     3000,
			Date:       time.Now().AddDate(0, 0, 7),
		})
		testutil.AssertNoError(t, err)

		testutil.AssertNoError(t, svc.DeleteTransaction(user.ID, created.Transaction.ID))

		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance untouched at 10000, got %d", got)
		}
	})
}

func TestGetUserTransactions(t *testing.T) {
	t.Run("filters_by_type_and_status", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		income := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		expense := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)

		testutil.CreateTestTransaction(t, db, user.ID, account.ID, income.ID, models.TransactionTypeIncome, 1000)
		testutil.CreateTestTransaction(t, db, user.ID, account.ID, expense.ID, models.TransactionTypeExpense, 2000)
		testutil.CreateTestTransaction(t, db, user.ID, account.ID, expense.ID, models.TransactionTypeExpense, 3000)

		expenseType := models.TransactionTypeExpense
		page, err := svc.GetUserTransactions(user.ID, pagination.PageRequest{Page: 1, PageSize: 20}, TransactionFilter{Type: &expenseType})
		testutil.AssertNoError(t, err)
		if page.TotalItems != 2 {
			t.Errorf("expected 2 expense transactions, got %d", page.TotalItems)
		}

		pending := models.TransactionStatusPending
		page, err = svc.GetUserTransactions(user.ID, pagination.PageRequest{Page: 1, PageSize: 20}, TransactionFilter{Status: &pending})
		testutil.AssertNoError(t, err)
		if page.TotalItems != 0 {
			t.Errorf("expected no pending transactions, got %d", page.TotalItems)
		}
	})

	t.Run("other_users_excluded", func(t *testing.T) {
		db, svc, _ := newTransactionFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		other := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		otherAccount := testutil.CreateTestAccount(t, db, other.ID, 100000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		otherCategory := testutil.CreateTestCategory(t, db, other.ID, models.CategoryTypeExpense)

		testutil.CreateTestTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 1000)
		testutil.CreateTestTransaction(t, db, other.ID, otherAccount.ID, otherCategory.ID, models.TransactionTypeExpense, 2000)

		page, err := svc.GetUserTransactions(user.ID, pagination.PageRequest{Page: 1, PageSize: 20}, TransactionFilter{})
		testutil.AssertNoError(t, err)
		if page.TotalItems != 1 {
			t.Errorf("expected 1 transaction for the user, got %d", page.TotalItems)
		}
	})
}
