package scheduler

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"financemate/internal/locks"
	"financemate/internal/models"
	"financemate/internal/services"
	"financemate/internal/testutil"
)

func newSettlerFixture(t *testing.T) (*gorm.DB, *Settler) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	accountLocks := locks.NewKeyedMutex()
	accountSvc := services.NewAccountService(db)
	budgetSvc := services.NewBudgetService(db)
	goalSvc := services.NewGoalService(db, accountSvc, accountLocks)
	return db, NewSettler(db, accountSvc, budgetSvc, goalSvc, accountLocks)
}

func createPendingTransaction(t *testing.T, db *gorm.DB, userID, accountID, categoryID string, txType models.TransactionType, amount int64, date time.Time) *models.Transaction {
	t.Helper()
	transaction := &models.Transaction{
		UserID:     userID,
		AccountID:  accountID,
		CategoryID: categoryID,
		Type:       txType,
		Amount:     amount,
		Date:       date,
		Status:     models.TransactionStatusPending,
	}
	testutil.AssertNoError(t, db.Create(transaction).Error)
	return transaction
}

func createRecurringTemplate(t *testing.T, db *gorm.DB, userID, accountID, categoryID string, txType models.TransactionType, amount int64, nextDate time.Time) *models.Transaction {
	t.Helper()
	transaction := &models.Transaction{
		UserID:            userID,
		AccountID:         accountID,
		CategoryID:        categoryID,
		Type:              txType,
		Amount:            amount,
		Date:              services.TruncateToDay(nextDate.AddDate(0, -1, 0)),
		Status:            models.TransactionStatusCompleted,
		IsRecurring:       true,
		RecurringInterval: models.IntervalMonthly,
		NextRecurringDate: &nextDate,
	}
	testutil.AssertNoError(t, db.Create(transaction).Error)
	return transaction
}

func reloadTransaction(t *testing.T, db *gorm.DB, id string) *models.Transaction {
	t.Helper()
	var transaction models.Transaction
	testutil.AssertNoError(t, db.First(&transaction, "id = ?", id).Error)
	return &transaction
}

func reloadAccount(t *testing.T, db *gorm.DB, id string) *models.Account {
	t.Helper()
	var account models.Account
	testutil.AssertNoError(t, db.First(&account, "id = ?", id).Error)
	return &account
}

func TestProcessPendingTransactions(t *testing.T) {
	t.Run("due_income_settles", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeIncome, 5000, services.TruncateToDay(now))

		settler.ProcessPendingTransactions(now)

		settled := reloadTransaction(t, db, pending.ID)
		if settled.Status != models.TransactionStatusCompleted {
			t.Errorf("expected completed status, got %s", settled.Status)
		}
		if settled.LastProcessedAt == nil {
			t.Error("expected last processed timestamp to be set")
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 15000 {
			t.Errorf("expected balance 15000, got %d", got)
		}
	})

	t.Run("future_transaction_untouched", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 3000, services.TruncateToDay(now).AddDate(0, 0, 7))

		settler.ProcessPendingTransactions(now)

		if got := reloadTransaction(t, db, pending.ID).Status; got != models.TransactionStatusPending {
			t.Errorf("expected transaction to stay pending, got %s", got)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance untouched at 10000, got %d", got)
		}
	})

	t.Run("insufficient_funds_marks_failed", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 1000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 5000, services.TruncateToDay(now))

		settler.ProcessPendingTransactions(now)

		if got := reloadTransaction(t, db, pending.ID).Status; got != models.TransactionStatusFailed {
			t.Errorf("expected failed status, got %s", got)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 1000 {
			t.Errorf("expected balance unchanged at 1000, got %d", got)
		}

		// One attempt only: the failed transaction is never retried.
		settler.ProcessPendingTransactions(now.Add(time.Hour))
		if got := reloadTransaction(t, db, pending.ID).Status; got != models.TransactionStatusFailed {
			t.Errorf("expected transaction to stay failed, got %s", got)
		}
	})

	t.Run("stale_snapshot_settles_only_once", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeIncome, 5000, services.TruncateToDay(now))

		// Two sweeps holding the same pre-lock snapshot: the second must
		// see the committed status and apply nothing.
		first := *pending
		testutil.AssertNoError(t, settler.settleTransaction(&first, now))
		second := *pending
		testutil.AssertNoError(t, settler.settleTransaction(&second, now))

		if got := reloadAccount(t, db, account.ID).Balance; got != 15000 {
			t.Errorf("expected the income credited exactly once, balance 15000, got %d", got)
		}
	})

	t.Run("deleted_row_not_settled", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeIncome)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeIncome, 5000, services.TruncateToDay(now))

		stale := *pending
		testutil.AssertNoError(t, db.Delete(pending).Error)

		testutil.AssertNoError(t, settler.settleTransaction(&stale, now))

		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance untouched at 10000, got %d", got)
		}
	})

	t.Run("budget_exceeded_marks_failed", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		testutil.CreateTestBudget(t, db, user.ID, category.ID, 2000)
		now := time.Now()
		pending := createPendingTransaction(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 3000, services.TruncateToDay(now))

		settler.ProcessPendingTransactions(now)

		if got := reloadTransaction(t, db, pending.ID).Status; got != models.TransactionStatusFailed {
			t.Errorf("expected failed status, got %s", got)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance unchanged at 10000, got %d", got)
		}
	})
}

func TestProcessRecurringTransactions(t *testing.T) {
	t.Run("due_template_spawns_completed_child", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		now := time.Now()
		template := createRecurringTemplate(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 2000, services.TruncateToDay(now))

		settler.ProcessRecurringTransactions(now)

		var spawned models.Transaction
		testutil.AssertNoError(t, db.Where("id <> ? AND user_id = ?", template.ID, user.ID).First(&spawned).Error)
		if spawned.Status != models.TransactionStatusCompleted {
			t.Errorf("expected spawned transaction completed, got %s", spawned.Status)
		}
		if spawned.Amount != 2000 {
			t.Errorf("expected spawned amount 2000, got %d", spawned.Amount)
		}
		if spawned.IsRecurring {
			t.Error("expected spawned transaction to not be recurring itself")
		}
		if !spawned.Date.Equal(services.TruncateToDay(now)) {
			t.Errorf("expected spawned transaction dated today, got %v", spawned.Date)
		}

		if got := reloadAccount(t, db, account.ID).Balance; got != 8000 {
			t.Errorf("expected balance 8000, got %d", got)
		}

		advanced := reloadTransaction(t, db, template.ID)
		want := now.AddDate(0, 1, 0)
		if advanced.NextRecurringDate == nil || !advanced.NextRecurringDate.Equal(want) {
			t.Errorf("expected next recurring date %v, got %v", want, advanced.NextRecurringDate)
		}
	})

	t.Run("template_turned_off_mid_sweep_not_spawned", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 10000)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		now := time.Now()
		template := createRecurringTemplate(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 2000, services.TruncateToDay(now))

		// The template stops recurring between the sweep query and the
		// lock; the stale snapshot must not spawn anything.
		stale := *template
		testutil.AssertNoError(t, db.Model(template).Update("is_recurring", false).Error)

		testutil.AssertNoError(t, settler.tickRecurring(&stale, now))

		var count int64
		testutil.AssertNoError(t, db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count).Error)
		if count != 1 {
			t.Errorf("expected only the template row, got %d transactions", count)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 10000 {
			t.Errorf("expected balance untouched at 10000, got %d", got)
		}
	})

	t.Run("rejected_spawn_skips_and_stays_due", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 500)
		category := testutil.CreateTestCategory(t, db, user.ID, models.CategoryTypeExpense)
		now := time.Now()
		due := services.TruncateToDay(now)
		template := createRecurringTemplate(t, db, user.ID, account.ID, category.ID, models.TransactionTypeExpense, 2000, due)

		settler.ProcessRecurringTransactions(now)

		var count int64
		testutil.AssertNoError(t, db.Model(&models.Transaction{}).Where("user_id = ?", user.ID).Count(&count).Error)
		if count != 1 {
			t.Errorf("expected only the template row, got %d transactions", count)
		}
		unchanged := reloadTransaction(t, db, template.ID)
		if unchanged.NextRecurringDate == nil || !unchanged.NextRecurringDate.Equal(due) {
			t.Error("expected next recurring date untouched so the template stays due")
		}
	})
}

func TestProcessDueGoals(t *testing.T) {
	t.Run("due_goal_gets_installment", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		goal := testutil.CreateTestGoal(t, db, user.ID, account.ID, 50000, 10000)
		testutil.AssertNoError(t, db.Model(goal).Update("next_contribution_date", services.TruncateToDay(time.Now())).Error)

		settler.ProcessDueGoals(time.Now())

		var reloaded models.Goal
		testutil.AssertNoError(t, db.First(&reloaded, "id = ?", goal.ID).Error)
		if reloaded.CurrentInstallment != 2 {
			t.Errorf("expected installment to advance to 2, got %d", reloaded.CurrentInstallment)
		}
		if reloaded.Balance != 30000 {
			t.Errorf("expected goal balance 30000, got %d", reloaded.Balance)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 90000 {
			t.Errorf("expected account balance 90000, got %d", got)
		}
		if !reloaded.NextContributionDate.After(time.Now()) {
			t.Error("expected next contribution date pushed into the future")
		}
	})

	t.Run("not_yet_due_goal_untouched", func(t *testing.T) {
		db, settler := newSettlerFixture(t)
		defer testutil.TeardownTestDB(t, db)
		user := testutil.CreateTestUser(t, db)
		account := testutil.CreateTestAccount(t, db, user.ID, 100000)
		goal := testutil.CreateTestGoal(t, db, user.ID, account.ID, 50000, 10000)

		settler.ProcessDueGoals(time.Now())

		var reloaded models.Goal
		testutil.AssertNoError(t, db.First(&reloaded, "id = ?", goal.ID).Error)
		if reloaded.CurrentInstallment != 1 {
			t.Errorf("expected installment counter untouched, got %d", reloaded.CurrentInstallment)
		}
		if got := reloadAccount(t, db, account.ID).Balance; got != 100000 {
			t.Errorf("expected account balance untouched at 100000, got %d", got)
		}
	})
}
