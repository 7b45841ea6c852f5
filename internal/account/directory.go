// Package account authenticates users, registering them on first contact.
package account

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-persistence/internal/auth"
	"github.com/Tyrowin/gochat-persistence/internal/store"
)

// ErrInvalidUsername is returned for an empty username.
var ErrInvalidUsername = errors.New("username must not be empty")

// Store is the account persistence the directory needs.
type Store interface {
	Find(ctx context.Context, username string) (*store.Account, error)
	Create(ctx context.Context, username, digest string) (*store.Account, error)
}

// Result is the outcome of AuthenticateOrRegister. Token is set only when
// Authenticated is true.
type Result struct {
	Authenticated bool
	Created       bool
	Username      string
	Token         *auth.Token
}

// Directory implements authenticate-or-register over a Store.
type Directory struct {
	accounts Store
	hasher   *auth.Hasher
	tokens   *auth.Authority
	log      *zap.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(accounts Store, hasher *auth.Hasher, tokens *auth.Authority, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{accounts: accounts, hasher: hasher, tokens: tokens, log: log}
}

// AuthenticateOrRegister verifies password against the stored account, or
// creates the account when username is unknown. A wrong password is a
// negative Result, not an error; storage and hashing failures are errors
// and yield no Result.
func (d *Directory) AuthenticateOrRegister(ctx context.Context, username, password string) (Result, error) {
	if username == "" {
		return Result{}, ErrInvalidUsername
	}

	existing, err := d.accounts.Find(ctx, username)
	switch {
	case err == nil:
		return d.authenticate(ctx, existing, password)
	case errors.Is(err, store.ErrNotFound):
		return d.register(ctx, username, password)
	default:
		return Result{}, fmt.Errorf("look up account: %w", err)
	}
}

func (d *Directory) authenticate(ctx context.Context, account *store.Account, password string) (Result, error) {
	ok, err := d.hasher.Verify(ctx, account.Password, password)
	if err != nil {
		return Result{}, fmt.Errorf("verify password: %w", err)
	}

	result := Result{Authenticated: ok, Username: account.Username}
	if ok {
		result.Token = d.issue(account.Username)
	} else {
		d.log.Info("authentication rejected", zap.String("username", account.Username))
	}
	return result, nil
}

func (d *Directory) register(ctx context.Context, username, password string) (Result, error) {
	digest, err := d.hasher.Hash(ctx, password)
	if err != nil {
		return Result{}, fmt.Errorf("hash password: %w", err)
	}

	account, err := d.accounts.Create(ctx, username, digest)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a registration race: someone else created the account
		// between Find and Create, so authenticate against theirs.
		d.log.Info("concurrent registration, authenticating existing account", zap.String("username", username))
		existing, err := d.accounts.Find(ctx, username)
		if err != nil {
			return Result{}, fmt.Errorf("reload account: %w", err)
		}
		return d.authenticate(ctx, existing, password)
	}
	if err != nil {
		return Result{}, fmt.Errorf("create account: %w", err)
	}

	d.log.Info("account registered", zap.String("username", account.Username))
	return Result{
		Authenticated: true,
		Created:       true,
		Username:      account.Username,
		Token:         d.issue(account.Username),
	}, nil
}

func (d *Directory) issue(username string) *auth.Token {
	if d.tokens == nil {
		return nil
	}
	token := d.tokens.Issue(username)
	return &token
}
