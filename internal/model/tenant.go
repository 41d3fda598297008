// internal/model/tenant.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Business is a tenant. ID is the storage key; ExternalID is the only id
// that appears in URLs.
type Business struct {
	ID         int64     `json:"-"`
	ExternalID uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// BusinessRole pairs a business with the caller's role in it.
type BusinessRole struct {
	Business Business
	Role     Role
}
