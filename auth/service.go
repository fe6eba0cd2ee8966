package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"leasechain/ledger"
)

const (
	minPasswordLen  = 8
	defaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "rentald"
)

var (
	// ErrInvalidCredentials signals wrong email or password.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakPassword signals password doesn't meet requirements.
	ErrWeakPassword = errors.New("auth: password must be at least 8 characters")
	// ErrInvalidToken is wrapped by every token verification failure.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// sessionClaims is the JWT payload. The subject is the user id.
type sessionClaims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service registers users, issues session tokens and links ledger addresses.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// LoginResult bundles the token and domain user returned after a successful login.
type LoginResult struct {
	Token string
	User  User
}

type Option func(*Service)

// WithTokenTTL overrides how long issued tokens stay valid.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo Repository, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a user. Role defaults to tenant; a ledger address is
// optional and the unassigned sentinel counts as none.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if len(req.Password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	email := strings.TrimSpace(req.Email)
	fullName := strings.TrimSpace(req.FullName)
	if email == "" || fullName == "" {
		return nil, fmt.Errorf("auth: email and full_name are required")
	}

	role := Role(strings.TrimSpace(string(req.Role)))
	if role == "" {
		role = RoleTenant
	}
	if !isValidRole(role) {
		return nil, fmt.Errorf("auth: invalid role %q", role)
	}

	var address *common.Address
	if strings.TrimSpace(req.LedgerAddress) != "" {
		addr, err := ledger.ParseAddress(req.LedgerAddress)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		if !ledger.IsUnassigned(addr) {
			address = &addr
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}

	user, err := s.repo.CreateUser(ctx, CreateUserParams{
		Email:         email,
		FullName:      fullName,
		PasswordHash:  string(hash),
		Role:          role,
		LedgerAddress: address,
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Login checks the password and issues a session token. Unknown emails and
// wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	user, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, ErrUserNotFound) {
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.issue(user)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return LoginResult{Token: token, User: user}, nil
}

func (s *Service) GetUserByID(ctx context.Context, userID string) (*User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// LinkLedgerAddress associates a wallet address with the user. An empty string
// unlinks it.
func (s *Service) LinkLedgerAddress(ctx context.Context, userID, address string) (*User, error) {
	var addr *common.Address
	if strings.TrimSpace(address) != "" {
		parsed, err := ledger.ParseAddress(address)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		if ledger.IsUnassigned(parsed) {
			return nil, fmt.Errorf("auth: %w: sentinel address cannot be linked", ledger.ErrInvalidAddress)
		}
		addr = &parsed
	}
	user, err := s.repo.SetLedgerAddress(ctx, userID, addr)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// VerifyToken validates a session token and returns its user id and role.
func (s *Service) VerifyToken(tokenString string) (string, Role, error) {
	var claims sessionClaims
	key := func(*jwt.Token) (any, error) { return s.jwtSecret, nil }
	_, err := jwt.ParseWithClaims(tokenString, &claims, key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if !isValidRole(claims.Role) {
		return "", "", fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return claims.Subject, claims.Role, nil
}

func (s *Service) issue(user User) (string, error) {
	now := s.now()
	claims := sessionClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleLandlord, RoleTenant, RoleAdmin:
		return true
	default:
		return false
	}
}
