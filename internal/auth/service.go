package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"parley/internal/storage"
)

// Error codes the auth service produces. The handler forwards them verbatim
// in ERROR envelopes.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUserExists      = "USER_EXISTS"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeInvalidPassword = "INVALID_PASSWORD"
	CodeDatabaseError   = "DATABASE_ERROR"
	CodeInternalError   = "INTERNAL_ERROR"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 50
	minPasswordLength = 6
	maxPasswordLength = 100
)

// Error is a failed auth outcome with a stable protocol code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func failf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Service validates credentials against the user repository.
type Service struct {
	users  storage.UserRepository
	hasher *PasswordHasher
}

// NewService creates an auth service.
func NewService(users storage.UserRepository, hasher *PasswordHasher) *Service {
	return &Service{users: users, hasher: hasher}
}

// normalize trims and validates both fields, lowercasing the username.
func normalize(username, password string) (string, string, *Error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	if username == "" || password == "" {
		return "", "", failf(CodeValidationError, "username and password are required")
	}

	username = storage.NormalizeUsername(username)
	if n := utf8.RuneCountInString(username); n < minUsernameLength || n > maxUsernameLength {
		return "", "", failf(CodeValidationError, "username must be %d-%d characters", minUsernameLength, maxUsernameLength)
	}
	if n := utf8.RuneCountInString(password); n < minPasswordLength || n > maxPasswordLength {
		return "", "", failf(CodeValidationError, "password must be %d-%d characters", minPasswordLength, maxPasswordLength)
	}
	return username, password, nil
}

// Register creates a new account and returns the normalized username.
func (s *Service) Register(ctx context.Context, username, password string) (string, *Error) {
	username, password, authErr := normalize(username, password)
	if authErr != nil {
		return "", authErr
	}

	exists, err := s.users.ExistsByUsername(ctx, username)
	if err != nil {
		slog.Error("registration lookup failed", "username", username, "error", err)
		return "", failf(CodeDatabaseError, "could not check username availability")
	}
	if exists {
		return "", failf(CodeUserExists, "username %q is taken", username)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		slog.Error("password hashing failed", "username", username, "error", err)
		return "", failf(CodeInternalError, "could not process credentials")
	}

	if _, err := s.users.Save(ctx, &storage.User{Username: username, PasswordHash: hash}); err != nil {
		if storage.IsStorageError(err) {
			slog.Error("registration insert failed", "username", username, "error", err)
			return "", failf(CodeDatabaseError, "could not create account")
		}
		slog.Error("registration failed", "username", username, "error", err)
		return "", failf(CodeInternalError, "could not create account")
	}

	slog.Info("user registered", "username", username)
	return username, nil
}

// Login checks credentials and returns the stored username.
func (s *Service) Login(ctx context.Context, username, password string) (string, *Error) {
	username, password, authErr := normalize(username, password)
	if authErr != nil {
		return "", authErr
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		slog.Error("login lookup failed", "username", username, "error", err)
		return "", failf(CodeDatabaseError, "could not look up account")
	}
	if user == nil {
		return "", failf(CodeUserNotFound, "no account for %q", username)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return "", failf(CodeInvalidPassword, "wrong password")
	}

	slog.Info("user logged in", "username", user.Username)
	return user.Username, nil
}
