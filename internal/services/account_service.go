package services

import (
	"errors"

	"github.com/gosimple/slug"
	"gorm.io/gorm"

	apperrors "financemate/internal/errors"
	"financemate/internal/models"
	"financemate/internal/pagination"
)

// accountService handles account business logic and owns the ledger
// operations (Credit/Debit) every balance mutation goes through.
type accountService struct {
	db *gorm.DB
}

// NewAccountService creates a new AccountServicer.
func NewAccountService(db *gorm.DB) AccountServicer {
	return &accountService{db: db}
}

// CreateAccount creates a new account for a user. The first account a user
// creates is always the default one; marking a later account as default
// demotes the current default in the same transaction.
func (s *accountService) CreateAccount(userID, name string, accountType models.AccountType, balance int64, isDefault bool) (*models.Account, error) {
	if name == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "account name is required")
	}
	if balance < 0 {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "balance cannot be negative")
	}

	accountSlug := slug.Make(name)

	account := &models.Account{
		UserID:    userID,
		Name:      name,
		Slug:      accountSlug,
		Type:      accountType,
		Balance:   balance,
		IsDefault: isDefault,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var slugCount int64
		if err := tx.Model(&models.Account{}).Where("user_id = ? AND slug = ?", userID, accountSlug).Count(&slugCount).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if slugCount > 0 {
			return apperrors.WithMessage(apperrors.ErrDuplicateSlug, "Account name already exists")
		}

		var existing int64
		if err := tx.Model(&models.Account{}).Where("user_id = ?", userID).Count(&existing).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		if existing == 0 {
			// The sole account is always the default.
			account.IsDefault = true
		} else if isDefault {
			if err := tx.Model(&models.Account{}).
				Where("user_id = ? AND is_default = ?", userID, true).
				Update("is_default", false).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
		}

		if err := tx.Create(account).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// GetUserAccounts retrieves a paginated list of accounts for a user.
func (s *accountService) GetUserAccounts(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Account], error) {
	page.Defaults()

	base := s.db.Model(&models.Account{}).Where("user_id = ?", userID)

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var accounts []models.Account
	if err := base.Scopes(pagination.Paginate(page)).Find(&accounts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	result := pagination.NewPageResponse(accounts, page.Page, page.PageSize, totalItems)
	return &result, nil
}

// GetAccountByID retrieves an account by ID for a specific user.
func (s *accountService) GetAccountByID(userID, accountID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.Where("id = ? AND user_id = ?", accountID, userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// GetDefaultAccount retrieves the user's default account.
func (s *accountService) GetDefaultAccount(userID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.Where("user_id = ? AND is_default = ?", userID, true).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoDefaultAccount
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// UpdateAccount updates an existing account's name and default flag.
// Unsetting the default flag is ignored; a user cannot be left without a
// default account, it moves only when another account claims it.
func (s *accountService) UpdateAccount(userID, accountID string, fields AccountUpdateFields) (*models.Account, error) {
	account, err := s.GetAccountByID(userID, accountID)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		updates := make(map[string]interface{})

		if fields.Name != nil && *fields.Name != "" && *fields.Name != account.Name {
			newSlug := slug.Make(*fields.Name)
			var count int64
			if err := tx.Model(&models.Account{}).
				Where("user_id = ? AND slug = ? AND id <> ?", userID, newSlug, accountID).
				Count(&count).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			if count > 0 {
				return apperrors.WithMessage(apperrors.ErrDuplicateSlug, "Account name already exists")
			}
			updates["name"] = *fields.Name
			updates["slug"] = newSlug
		}

		if fields.IsDefault != nil && *fields.IsDefault && !account.IsDefault {
			if err := tx.Model(&models.Account{}).
				Where("user_id = ? AND is_default = ?", userID, true).
				Update("is_default", false).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			updates["is_default"] = true
		}

		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(account).Updates(updates).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reload to get fresh data.
	return s.GetAccountByID(userID, accountID)
}

// DeleteAccount removes an account. An account with transactions cannot be
// deleted, nor can the default account while other accounts exist. When the
// deletion leaves exactly one account, that account becomes the default.
func (s *accountService) DeleteAccount(userID, accountID string) error {
	account, err := s.GetAccountByID(userID, accountID)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		var txnCount int64
		if err := tx.Model(&models.Transaction{}).Where("account_id = ?", accountID).Count(&txnCount).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if txnCount > 0 {
			return apperrors.ErrAccountHasTransactions
		}

		var accountCount int64
		if err := tx.Model(&models.Account{}).Where("user_id = ?", userID).Count(&accountCount).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if accountCount > 1 && account.IsDefault {
			return apperrors.ErrDefaultAccountDelete
		}

		if err := tx.Delete(account).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		// Promote the sole survivor so the exactly-one-default invariant
		// holds whenever the user still has accounts.
		var remaining []models.Account
		if err := tx.Where("user_id = ?", userID).Find(&remaining).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if len(remaining) == 1 && !remaining[0].IsDefault {
			if err := tx.Model(&remaining[0]).Update("is_default", true).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
		}
		return nil
	})
}

// Credit increases the account balance and persists it on the given
// database transaction.
func (s *accountService) Credit(tx *gorm.DB, account *models.Account, amount int64) error {
	if amount < 0 {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "credit amount cannot be negative")
	}
	account.Balance += amount
	if err := tx.Model(account).Update("balance", account.Balance).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

// Debit decreases the account balance and persists it on the given
// database transaction. Fails with ErrInsufficientFunds when the balance
// would go negative.
func (s *accountService) Debit(tx *gorm.DB, account *models.Account, amount int64) error {
	if amount < 0 {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "debit amount cannot be negative")
	}
	if account.Balance < amount {
		return apperrors.ErrInsufficientFunds
	}
	account.Balance -= amount
	if err := tx.Model(account).Update("balance", account.Balance).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}
