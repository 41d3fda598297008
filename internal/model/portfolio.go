// internal/model/portfolio.go
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityVisible Visibility = "visible"
	VisibilityHidden  Visibility = "hidden"
)

// ParseVisibility accepts exactly "visible" or "hidden".
func ParseVisibility(raw string) (Visibility, error) {
	switch Visibility(raw) {
	case VisibilityVisible, VisibilityHidden:
		return Visibility(raw), nil
	}
	return "", fmt.Errorf("unknown visibility %q", raw)
}

type Portfolio struct {
	ID         int64      `json:"-"`
	ExternalID uuid.UUID  `json:"id"`
	BusinessID int64      `json:"-"`
	Title      string     `json:"title"`
	Visibility Visibility `json:"visibility"`
	CreatedAt  time.Time  `json:"created_at"`
}
