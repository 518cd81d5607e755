package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/repo"
)

// ForbiddenError indicates the farmer does not own the resource.
type ForbiddenError struct {
	FarmerID  string
	ProjectID string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("farmer %s does not own project %s", e.FarmerID, e.ProjectID)
}

// Service answers ownership questions backed by SQL.
type Service struct {
	DB *sql.DB
}

// ProjectOwner returns the farmer that owns projectID.
func (s Service) ProjectOwner(ctx context.Context, projectID string) (string, error) {
	var owner string
	err := s.DB.QueryRowContext(ctx, `SELECT farmer_id FROM projects WHERE id=?`, projectID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repo.ErrNotFound
	}
	return owner, err
}

// RequireOwner fails with ForbiddenError unless farmerID owns projectID. An empty
// farmerID is a local operator and passes.
func (s Service) RequireOwner(ctx context.Context, farmerID, projectID string) error {
	owner, err := s.ProjectOwner(ctx, projectID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(farmerID) == "" || owner == farmerID {
		return nil
	}
	return ForbiddenError{FarmerID: farmerID, ProjectID: projectID}
}

func (s Service) FarmerExists(ctx context.Context, farmerID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM farmers WHERE id=? LIMIT 1`, farmerID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
