// Package service verifies login credentials against the user store. It runs before the session
// manager is asked to open a session.
package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketplace-auth/backend/internal/security"
	userdomain "marketplace-auth/backend/internal/user/domain"
)

// Sentinel errors for the authenticator; the HTTP handler maps them to status codes.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
)

// UserRepo is the minimal user repository needed by the authenticator.
type UserRepo interface {
	GetByEmail(ctx context.Context, email string) (*userdomain.User, error)
	Create(ctx context.Context, u *userdomain.User) error
}

// Authenticator checks email/password pairs with bcrypt.
type Authenticator struct {
	users  UserRepo
	hasher *security.Hasher
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator with the given dependencies.
func NewAuthenticator(users UserRepo, hasher *security.Hasher) *Authenticator {
	return &Authenticator{users: users, hasher: hasher, now: time.Now}
}

// Authenticate returns the active user whose password matches. Unknown email, disabled account and
// wrong password all return ErrInvalidCredentials, and each costs one bcrypt comparison.
func (a *Authenticator) Authenticate(ctx context.Context, email, password string) (*userdomain.User, error) {
	email = userdomain.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	user, err := a.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == "" {
		_ = a.hasher.CompareDummy([]byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := a.hasher.Compare(user.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive() {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Register creates a user with a hashed password. Used to bootstrap the first admin account.
func (a *Authenticator) Register(ctx context.Context, email, password, name string, role userdomain.Role) (*userdomain.User, error) {
	email = userdomain.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	existing, err := a.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrEmailAlreadyRegistered
	}
	hashed, err := a.hasher.Hash([]byte(password))
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	user := &userdomain.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         role,
		Status:       userdomain.UserStatusActive,
		PasswordHash: hashed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

var simpleEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	if !simpleEmail.MatchString(email) {
		return errors.New("invalid email format")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < 12 {
		return errors.New("password must be at least 12 characters")
	}
	var hasUpper, hasLower, hasNumber, hasSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasNumber = true
		default:
			hasSymbol = true
		}
	}
	if !hasUpper {
		return errors.New("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return errors.New("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return errors.New("password must contain at least one number")
	}
	if !hasSymbol {
		return errors.New("password must contain at least one symbol")
	}
	return nil
}
