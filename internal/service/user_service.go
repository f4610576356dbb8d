package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"piquante-api/internal/domain"
	"piquante-api/internal/repository"
)

const (
	minPasswordLength = 8
	// bcrypt rejects longer passwords
	maxPasswordLength = 72
)

// TokenIssuer signs credentials for an authenticated user.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// LoginResult is what a successful login hands back to the client.
type LoginResult struct {
	UserID string
	Token  string
}

// UserService describes account lifecycle operations.
type UserService interface {
	Signup(ctx context.Context, email, password string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	// Lookup returns the account a token was issued for, or ErrUnauthenticated
	// when it no longer exists.
	Lookup(ctx context.Context, userID string) (*domain.User, error)
}

type userService struct {
	users    repository.UserRepository
	tokens   TokenIssuer
	hashCost int
}

// NewUserService builds a UserService. A non-positive hashCost selects bcrypt.DefaultCost.
func NewUserService(users repository.UserRepository, tokens TokenIssuer, hashCost int) UserService {
	if hashCost <= 0 {
		hashCost = bcrypt.DefaultCost
	}
	return &userService{
		users:    users,
		tokens:   tokens,
		hashCost: hashCost,
	}
}

func (s *userService) Signup(ctx context.Context, email, password string) (*domain.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, invalidf("email is required")
	}
	if len(password) < minPasswordLength {
		return nil, invalidf("password must be at least %d characters", minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return nil, invalidf("password must be at most %d bytes", maxPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailTaken
		}
		return nil, storeErr("create user", err)
	}

	return sanitizeUser(user), nil
}

func (s *userService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, storeErr("find user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &LoginResult{UserID: user.ID, Token: token}, nil
}

func (s *userService) Lookup(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
		}
		return nil, storeErr("find user", err)
	}
	return sanitizeUser(user), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	return &domain.User{
		ID:        user.ID,
		Email:     user.Email,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}
}
