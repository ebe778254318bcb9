package services

import (
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/models"
)

// reportService aggregates a user's completed transactions and goal
// standing into a single report. Pending and failed transactions never
// count, so the report reflects settled money only.
type reportService struct {
	db *gorm.DB
}

// NewReportService creates a new ReportServicer.
func NewReportService(db *gorm.DB) ReportServicer {
	return &reportService{db: db}
}

type typeTotal struct {
	Type  models.TransactionType
	Total int64
}

// GenerateReport builds the report for [start, end]. An end before start
// is rejected.
func (s *reportService) GenerateReport(userID string, start, end time.Time) (*Report, error) {
	start = TruncateToDay(start)
	end = TruncateToDay(end)
	if end.Before(start) {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "end date must not be before start date")
	}

	report := &Report{
		TopExpenseCategories: []CategoryExpense{},
		GoalProgress:         []GoalProgress{},
		Timeline:             []TimelineEntry{},
	}

	var totals []typeTotal
	err := s.completedInRange(userID, start, end).
		Select("type, SUM(amount) AS total").
		Group("type").
		Scan(&totals).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	for _, t := range totals {
		switch t.Type {
		case models.TransactionTypeIncome:
			report.TotalIncome = t.Total
		case models.TransactionTypeExpense:
			report.TotalExpense = t.Total
		}
	}
	report.NetSavings = report.TotalIncome - report.TotalExpense

	err = s.completedInRange(userID, start, end).
		Select("transactions.category_id, categories.name, SUM(transactions.amount) AS total_spent").
		Joins("JOIN categories ON categories.id = transactions.category_id").
		Where("transactions.type = ?", models.TransactionTypeExpense).
		Group("transactions.category_id, categories.name").
		Order("total_spent DESC").
		Limit(5).
		Scan(&report.TopExpenseCategories).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	if err := s.goalProgress(userID, report); err != nil {
		return nil, err
	}
	if err := s.timeline(userID, start, end, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (s *reportService) goalProgress(userID string, report *Report) error {
	var goals []models.Goal
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&goals).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	for _, g := range goals {
		progress := 0.0
		if g.TotalAmount > 0 {
			saved := g.TotalAmount - g.Balance
			progress = math.Round(float64(saved)/float64(g.TotalAmount)*10000) / 100
		}
		report.GoalProgress = append(report.GoalProgress, GoalProgress{
			GoalID:   g.ID,
			Name:     g.Name,
			Progress: progress,
		})
	}
	return nil
}

// timeline buckets completed transactions by calendar day. The grouping
// is done in Go so the query stays portable across database dialects.
func (s *reportService) timeline(userID string, start, end time.Time, report *Report) error {
	var transactions []models.Transaction
	err := s.completedInRange(userID, start, end).
		Select("type, amount, date").
		Find(&transactions).Error
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	buckets := make(map[string]*TimelineEntry)
	for _, t := range transactions {
		day := t.Date.Format("2006-01-02")
		entry, ok := buckets[day]
		if !ok {
			entry = &TimelineEntry{Date: day}
			buckets[day] = entry
		}
		switch t.Type {
		case models.TransactionTypeIncome:
			entry.Income += t.Amount
		case models.TransactionTypeExpense:
			entry.Expense += t.Amount
		}
	}

	days := make([]string, 0, len(buckets))
	for day := range buckets {
		days = append(days, day)
	}
	sort.Strings(days)
	for _, day := range days {
		report.Timeline = append(report.Timeline, *buckets[day])
	}
	return nil
}

func (s *reportService) completedInRange(userID string, start, end time.Time) *gorm.DB {
	return s.db.Model(&models.Transaction{}).
		Where("transactions.user_id = ?", userID).
		Where("transactions.status = ?", models.TransactionStatusCompleted).
		Where("transactions.date >= ? AND transactions.date <= ?", start, end)
}
