package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"leasechain/db"
	"leasechain/ledger"
)

var (
	// ErrUserNotFound signals that the user does not exist.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
	// ErrDuplicateLedgerAddress signals that another user already linked the address.
	ErrDuplicateLedgerAddress = errors.New("auth: ledger address already linked")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, userID string) (User, error)
	// GetUserByLedgerAddress reads through q when it is non-nil so callers
	// inside a transaction see their own snapshot.
	GetUserByLedgerAddress(ctx context.Context, q db.Querier, addr common.Address) (User, error)
	SetLedgerAddress(ctx context.Context, userID string, addr *common.Address) (User, error)
}

// CreateUserParams contains write parameters for creating users.
type CreateUserParams struct {
	Email         string
	FullName      string
	PasswordHash  string
	Role          Role
	LedgerAddress *common.Address
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const userColumns = `id::text, email, full_name, password_hash, role, ledger_address, created_at, updated_at`

// CreateUser inserts a new user with hashed password.
func (r *PGRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	insertSQL := `
		INSERT INTO users (email, full_name, password_hash, role, ledger_address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, insertSQL,
		params.Email, params.FullName, params.PasswordHash, params.Role, ledger.NullableString(params.LedgerAddress)))
	if err != nil {
		return User{}, mapUniqueViolation(err, "create user")
	}

	return user, nil
}

// GetUserByEmail retrieves a user by email address.
func (r *PGRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return r.getOne(ctx, r.pool, "get user by email", `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// GetUserByID retrieves a user by ID.
func (r *PGRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	return r.getOne(ctx, r.pool, "get user by id", `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
}

// GetUserByLedgerAddress resolves the user owning addr. Addresses are stored
// in canonical lower-case form so the match is exact.
func (r *PGRepository) GetUserByLedgerAddress(ctx context.Context, q db.Querier, addr common.Address) (User, error) {
	if ledger.IsUnassigned(addr) {
		return User{}, ErrUserNotFound
	}
	if q == nil {
		q = r.pool
	}
	return r.getOne(ctx, q, "get user by ledger address",
		`SELECT `+userColumns+` FROM users WHERE ledger_address = $1`, ledger.FormatAddress(addr))
}

// SetLedgerAddress links or, with nil, unlinks the user's wallet.
func (r *PGRepository) SetLedgerAddress(ctx context.Context, userID string, addr *common.Address) (User, error) {
	updateSQL := `
		UPDATE users SET ledger_address = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, updateSQL, userID, ledger.NullableString(addr)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, mapUniqueViolation(err, "set ledger address")
	}
	return user, nil
}

func (r *PGRepository) getOne(ctx context.Context, q db.Querier, op, query string, arg any) (User, error) {
	user, err := scanUser(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("auth: %s: %w", op, err)
	}
	return user, nil
}

func mapUniqueViolation(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "users_ledger_address_key" {
			return ErrDuplicateLedgerAddress
		}
		return ErrDuplicateEmail
	}
	return fmt.Errorf("auth: %s: %w", op, err)
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user    User
		address *string
	)
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.FullName,
		&user.PasswordHash,
		&user.Role,
		&address,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.LedgerAddress, err = ledger.ParseNullable(address)
	if err != nil {
		return User{}, fmt.Errorf("auth: stored ledger address: %w", err)
	}
	return user, nil
}
