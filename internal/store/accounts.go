package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Accounts stores usernames and password digests.
type Accounts struct {
	db *gorm.DB
}

// Find returns the account for username or ErrNotFound.
func (a *Accounts) Find(ctx context.Context, username string) (*Account, error) {
	var account Account
	err := a.db.WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("find account", err)
	}
	return &account, nil
}

// Create inserts a new account. A second account with the same username
// fails with ErrDuplicate, even when both inserts race.
func (a *Accounts) Create(ctx context.Context, username, digest string) (*Account, error) {
	account := &Account{Username: username, Password: digest}
	if err := a.db.WithContext(ctx).Create(account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicate
		}
		return nil, unavailable("create account", err)
	}
	return account, nil
}
