package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/civicdesk/accountguard/internal/models"
	pkgauth "github.com/civicdesk/accountguard/pkg/auth"
	pkglogger "github.com/civicdesk/accountguard/pkg/logger"
)

// IdentityAccountRepository defines the account operations the identity store needs
type IdentityAccountRepository interface {
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	Create(ctx context.Context, account *models.Account) error
}

// CredentialRepository stores password hashes by account
type CredentialRepository interface {
	GetPasswordHash(ctx context.Context, accountID string) (string, error)
	SetPasswordHash(ctx context.Context, accountID, hash string) error
}

// PasswordIdentityStore is the identity store adapter backed by bcrypt password hashes.
// Unknown emails and wrong passwords both return models.ErrUnauthorized after the
// same amount of hashing work.
type PasswordIdentityStore struct {
	accounts    IdentityAccountRepository
	credentials CredentialRepository
	hasher      *pkgauth.PasswordHasher
	logger      *slog.Logger
}

// NewPasswordIdentityStore creates a new PasswordIdentityStore
func NewPasswordIdentityStore(accounts IdentityAccountRepository, credentials CredentialRepository, hasher *pkgauth.PasswordHasher, logger *slog.Logger) *PasswordIdentityStore {
	return &PasswordIdentityStore{
		accounts:    accounts,
		credentials: credentials,
		hasher:      hasher,
		logger:      logger,
	}
}

// ResolveAccount maps an email to an active account id.
func (s *PasswordIdentityStore) ResolveAccount(ctx context.Context, email string) (string, error) {
	account, err := s.accounts.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	if !account.IsActive() {
		return "", fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
	}
	return account.ID, nil
}

// VerifyCredentials checks the password for the email and returns the account id.
func (s *PasswordIdentityStore) VerifyCredentials(ctx context.Context, email, password string) (string, error) {
	accountID, err := s.ResolveAccount(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			s.hasher.CompareDummy(password)
		}
		return "", err
	}

	hash, err := s.credentials.GetPasswordHash(ctx, accountID)
	if errors.Is(err, models.ErrNotFound) {
		s.hasher.CompareDummy(password)
		return "", fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
	}
	if err != nil {
		return "", fmt.Errorf("load credentials: %w", err)
	}

	if err := s.hasher.Compare(hash, password); err != nil {
		return "", fmt.Errorf("%w: invalid credentials", models.ErrUnauthorized)
	}
	return accountID, nil
}

// BurnHash performs a dummy comparison so a short-circuited login costs as much as a real one.
func (s *PasswordIdentityStore) BurnHash(password string) {
	s.hasher.CompareDummy(password)
}

// RegisterAccount creates an account with a password. Used by operator bootstrap.
func (s *PasswordIdentityStore) RegisterAccount(ctx context.Context, email, displayName, role, password string) (*models.Account, error) {
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	if role != models.RoleUser && role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	account := &models.Account{
		ID:          uuid.NewString(),
		Email:       normalizeEmail(email),
		DisplayName: strings.TrimSpace(displayName),
		Role:        role,
		Status:      models.AccountStatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	if err := s.credentials.SetPasswordHash(ctx, account.ID, hash); err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	s.logger.InfoContext(ctx, "account registered",
		slog.String("account_id", account.ID),
		slog.String("email", pkglogger.SanitizedEmail(account.Email)),
		slog.String("role", role))
	return account, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
