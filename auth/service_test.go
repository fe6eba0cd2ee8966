package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"leasechain/db"
)

func TestService_RegisterAndLogin(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "supersafe",
		FullName: "Alice Tenant",
	}

	ctx := context.Background()
	user, err := svc.Register(ctx, req)
	if err != nil {
		t.Fatalf("register: unexpected error: %v", err)
	}

	if user.Email != req.Email {
		t.Fatalf("expected email %q got %q", req.Email, user.Email)
	}
	if user.Role != RoleTenant {
		t.Fatalf("register: expected default role %s got %s", RoleTenant, user.Role)
	}

	resp, err := svc.Login(ctx, LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		t.Fatalf("login: unexpected error: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("login: expected token, got empty string")
	}
	if resp.User.ID != user.ID {
		t.Fatalf("login: expected user id %q got %q", user.ID, resp.User.ID)
	}
	if resp.User.Role != RoleTenant {
		t.Fatalf("login: expected role %s got %s", RoleTenant, resp.User.Role)
	}

	tokenUserID, tokenRole, err := svc.VerifyToken(resp.Token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if tokenUserID != user.ID {
		t.Fatalf("verify token: expected %q got %q", user.ID, tokenUserID)
	}
	if tokenRole != RoleTenant {
		t.Fatalf("verify token: expected role %s got %s", RoleTenant, tokenRole)
	}
}

func TestService_RegisterValidation(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "alice@example.com",
		Password: "short",
		FullName: "Alice Tenant",
	})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}

	if _, err := svc.Register(context.Background(), RegisterRequest{
		Email:    "",
		Password: "strongpassword",
		FullName: "",
	}); err == nil {
		t.Fatal("expected validation error for missing fields")
	}
}

func TestService_DuplicateEmail(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	req := RegisterRequest{
		Email:    "alice@example.com",
		Password: "strongpassword",
		FullName: "Alice Tenant",
	}
	if _, err := svc.Register(context.Background(), req); err != nil {
		t.Fatalf("first register failed: %v", err)
	}

	if _, err := svc.Register(context.Background(), req); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestService_LoginInvalidCredentials(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")

	_, err := svc.Login(context.Background(), LoginRequest{
		Email:    "unknown@example.com",
		Password: "irrelevant",
	})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestService_VerifyTokenRejectsExpiredAndForeign(t *testing.T) {
	repo := newFakeRepository()
	issued := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	now := issued
	svc := NewService(repo, "test-secret", WithTokenTTL(time.Hour), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterRequest{Email: "lee@example.com", Password: "supersafe", FullName: "Lee Landlord", Role: RoleLandlord}); err != nil {
		t.Fatalf("register: %v", err)
	}
	resp, err := svc.Login(ctx, LoginRequest{Email: "lee@example.com", Password: "supersafe"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	now = issued.Add(30 * time.Minute)
	if _, role, err := svc.VerifyToken(resp.Token); err != nil || role != RoleLandlord {
		t.Fatalf("fresh token: role %s err %v", role, err)
	}

	now = issued.Add(2 * time.Hour)
	if _, _, err := svc.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}

	now = issued
	other := NewService(repo, "other-secret", WithClock(func() time.Time { return now }))
	if _, _, err := other.VerifyToken(resp.Token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret: expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RegisterWithLedgerAddress(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Email:         "lena@example.com",
		Password:      "strongpassword",
		FullName:      "Lena Landlord",
		Role:          RoleLandlord,
		LedgerAddress: "0xAbCdEf0000000000000000000000000000000001",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.LedgerAddress == nil {
		t.Fatal("expected ledger address to be stored")
	}

	lower := common.HexToAddress("0xabcdef0000000000000000000000000000000001")
	found, err := repo.GetUserByLedgerAddress(ctx, nil, lower)
	if err != nil {
		t.Fatalf("lookup by lower-case address: %v", err)
	}
	if found.ID != user.ID {
		t.Fatalf("expected %q got %q", user.ID, found.ID)
	}

	_, err = svc.Register(ctx, RegisterRequest{
		Email:         "other@example.com",
		Password:      "strongpassword",
		FullName:      "Other",
		LedgerAddress: "0xABCDEF0000000000000000000000000000000001",
	})
	if !errors.Is(err, ErrDuplicateLedgerAddress) {
		t.Fatalf("expected ErrDuplicateLedgerAddress, got %v", err)
	}
}

func TestService_RegisterInvalidLedgerAddress(t *testing.T) {
	svc := NewService(newFakeRepository(), "test-secret")

	_, err := svc.Register(context.Background(), RegisterRequest{
		Email:         "bad@example.com",
		Password:      "strongpassword",
		FullName:      "Bad Address",
		LedgerAddress: "0x1234",
	})
	if err == nil {
		t.Fatal("expected invalid address error")
	}
}

func TestService_LinkLedgerAddress(t *testing.T) {
	repo := newFakeRepository()
	svc := NewService(repo, "test-secret")
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterRequest{
		Email:    "tom@example.com",
		Password: "strongpassword",
		FullName: "Tom Tenant",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	linked, err := svc.LinkLedgerAddress(ctx, user.ID, "0x00000000000000000000000000000000000000bb")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.LedgerAddress == nil || *linked.LedgerAddress != common.HexToAddress("0xbb") {
		t.Fatalf("unexpected address %v", linked.LedgerAddress)
	}

	if _, err := svc.LinkLedgerAddress(ctx, user.ID, "0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected sentinel address to be rejected")
	}
}

type fakeRepository struct {
	usersByEmail map[string]User
	usersByID      map[string]User
	usersByAddress map[common.Address]string
	nextID         int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		usersByEmail: make(map[string]User),
		usersByID:      make(map[string]User),
		usersByAddress: make(map[common.Address]string),
		nextID:         1,
	}
}

func (f *fakeRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if _, exists := f.usersByEmail[strings.ToLower(params.Email)]; exists {
		return User{}, ErrDuplicateEmail
	}

	id := fmt.Sprintf("user-%d", f.nextID)
	f.nextID++
	role := params.Role
	if role == "" {
		role = RoleTenant
	}

	if params.LedgerAddress != nil {
		if _, exists := f.usersByAddress[*params.LedgerAddress]; exists {
			return User{}, ErrDuplicateLedgerAddress
		}
	}

	user := User{
		ID:            id,
		Email:         params.Email,
		FullName:      params.FullName,
		PasswordHash:  params.PasswordHash,
		Role:          role,
		LedgerAddress: params.LedgerAddress,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if user.LedgerAddress != nil {
		f.usersByAddress[*user.LedgerAddress] = user.ID
	}

	f.usersByEmail[strings.ToLower(user.Email)] = user
	f.usersByID[user.ID] = user

	return user, nil
}

func (f *fakeRepository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, ok := f.usersByEmail[strings.ToLower(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (f *fakeRepository) GetUserByLedgerAddress(ctx context.Context, _ db.Querier, addr common.Address) (User, error) {
	id, ok := f.usersByAddress[addr]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return f.usersByID[id], nil
}

func (f *fakeRepository) SetLedgerAddress(ctx context.Context, userID string, addr *common.Address) (User, error) {
	user, ok := f.usersByID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if addr != nil {
		if owner, exists := f.usersByAddress[*addr]; exists && owner != userID {
			return User{}, ErrDuplicateLedgerAddress
		}
	}
	if user.LedgerAddress != nil {
		delete(f.usersByAddress, *user.LedgerAddress)
	}
	user.LedgerAddress = addr
	if addr != nil {
		f.usersByAddress[*addr] = userID
	}
	f.usersByID[userID] = user
	f.usersByEmail[strings.ToLower(user.Email)] = user
	return user, nil
}
