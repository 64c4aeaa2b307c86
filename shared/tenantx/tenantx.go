// Package tenantx validates the explicit tenant identifiers that every cache,
// websocket and storage path carries.
package tenantx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingTenant = errors.New("tenant id is required")

// Require fails closed when the tenant id is the zero value.
func Require(id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrMissingTenant
	}
	return nil
}

func Parse(raw string) (uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, ErrMissingTenant
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid tenant id %q: %w", raw, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, ErrMissingTenant
	}
	return id, nil
}
