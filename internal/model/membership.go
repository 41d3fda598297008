// internal/model/membership.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// ParseRole accepts exactly "admin" or "member".
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleAdmin, RoleMember:
		return Role(raw), nil
	}
	return "", fmt.Errorf("unknown role %q", raw)
}

type Membership struct {
	AccountID  int64
	BusinessID int64
	Role       Role
	CreatedAt  time.Time
}

// Member is a membership as shown to other members of the business.
type Member struct {
	AccountID uuid.UUID `json:"account_id"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"joined_at"`
}
