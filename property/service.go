package property

import (
	"context"
	"fmt"
	"strings"
)

// Store abstracts repository operations for the service.
type Store interface {
	Create(ctx context.Context, ownerID, streetAddress string) (Property, error)
	GetByID(ctx context.Context, id string) (Property, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Property, error)
}

// Service exposes business-level property operations.
type Service struct {
	repo Store
}

// NewService builds a Service using the provided repository.
func NewService(repo Store) *Service {
	return &Service{repo: repo}
}

// Register lists a new property for a landlord.
func (s *Service) Register(ctx context.Context, ownerID, streetAddress string) (Property, error) {
	streetAddress = strings.TrimSpace(streetAddress)
	if ownerID == "" || streetAddress == "" {
		return Property{}, fmt.Errorf("property: owner and street address are required")
	}
	return s.repo.Create(ctx, ownerID, streetAddress)
}

// GetByID returns the property for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Property, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByOwner returns up to limit properties.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]Property, error) {
	return s.repo.ListByOwner(ctx, ownerID, limit)
}
