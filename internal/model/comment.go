// internal/model/comment.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Comment is immutable once stored.
type Comment struct {
	ID               int64     `json:"-"`
	ExternalID       uuid.UUID `json:"id"`
	PortfolioID      int64     `json:"-"`
	AuthorID         int64     `json:"-"`
	AuthorExternalID uuid.UUID `json:"author_id"`
	AuthorEmail      string    `json:"author_email"`
	Body             string    `json:"body"`
	CreatedAt        time.Time `json:"created_at"`
}
