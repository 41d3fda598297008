// internal/model/account.go
package model

import (
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID           int64     `json:"-"`
	ExternalID   uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
