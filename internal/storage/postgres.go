// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"bizfolio/internal/ident"
	"bizfolio/internal/model"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Storage struct {
	DB *sql.DB
}

var _ Store = (*Storage)(nil)

func NewStorage(dsn string) (*Storage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &Storage{DB: db}, nil
}

// Migrate creates any missing tables and indexes.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.DB.Close()
}

// classify turns unique violations into ErrDuplicate or, for generated
// identifiers and tokens, ident.ErrCollision.
func classify(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	if strings.HasSuffix(pqErr.Constraint, "_external_id_key") || pqErr.Constraint == "sessions_token_hash_key" {
		return fmt.Errorf("%s: %w", pqErr.Constraint, ident.ErrCollision)
	}
	return fmt.Errorf("%s: %w", pqErr.Constraint, ErrDuplicate)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Storage) CreateAccount(ctx context.Context, a *model.Account) error {
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO accounts (external_id, email, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, a.ExternalID, a.Email, a.PasswordHash).Scan(&a.ID, &a.CreatedAt)
	return classify(err)
}

func (s *Storage) AccountByID(ctx context.Context, id int64) (model.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, external_id, email, password_hash, created_at
		FROM accounts WHERE id = $1
	`, id))
}

func (s *Storage) AccountByEmail(ctx context.Context, email string) (model.Account, error) {
	return s.scanAccount(s.DB.QueryRowContext(ctx, `
		SELECT id, external_id, email, password_hash, created_at
		FROM accounts WHERE email = $1
	`, email))
}

func (s *Storage) scanAccount(row *sql.Row) (model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.ExternalID, &a.Email, &a.PasswordHash, &a.CreatedAt); err != nil {
		return model.Account{}, notFound(err)
	}
	return a, nil
}

func (s *Storage) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE accounts SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Storage) CreateSession(ctx context.Context, sess *model.Session) error {
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO sessions (external_id, account_id, token_hash, csrf_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sess.ExternalID, sess.AccountID, sess.TokenHash, sess.CSRFHash, sess.ExpiresAt, sess.CreatedAt).Scan(&sess.ID)
	return classify(err)
}

func (s *Storage) SessionByTokenHash(ctx context.Context, tokenHash []byte) (model.Session, error) {
	var sess model.Session
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, external_id, account_id, token_hash, csrf_hash, expires_at, created_at
		FROM sessions WHERE token_hash = $1
	`, tokenHash).Scan(&sess.ID, &sess.ExternalID, &sess.AccountID, &sess.TokenHash, &sess.CSRFHash, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return model.Session{}, notFound(err)
	}
	return sess, nil
}

func (s *Storage) ExtendSession(ctx context.Context, id int64, prev, next, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE sessions SET expires_at = $3
		WHERE id = $1 AND expires_at = $2 AND expires_at > $4
	`, id, prev, next, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Storage) DeleteSession(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (s *Storage) DeleteSessionByTokenHash(ctx context.Context, tokenHash []byte) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *Storage) DeleteAccountSession(ctx context.Context, accountID int64, externalID uuid.UUID) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = $1 AND external_id = $2`, accountID, externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Storage) DeleteAccountSessionsExcept(ctx context.Context, accountID, keepID int64) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE account_id = $1 AND id <> $2`, accountID, keepID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) AccountSessions(ctx context.Context, accountID int64, now time.Time) ([]model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, external_id, account_id, expires_at, created_at
		FROM sessions
		WHERE account_id = $1 AND expires_at > $2
		ORDER BY created_at, id
	`, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var sess model.Session
		if err := rows.Scan(&sess.ID, &sess.ExternalID, &sess.AccountID, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Storage) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) CreateBusinessWithAdmin(ctx context.Context, b *model.Business, adminID int64) (err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO businesses (external_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, b.ExternalID, b.Name).Scan(&b.ID, &b.CreatedAt)
	if err != nil {
		return classify(err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memberships (account_id, business_id, role)
		VALUES ($1, $2, $3)
	`, adminID, b.ID, model.RoleAdmin)
	if err != nil {
		return classify(err)
	}

	return tx.Commit()
}

func (s *Storage) BusinessesForAccount(ctx context.Context, accountID int64) ([]model.BusinessRole, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT b.id, b.external_id, b.name, b.created_at, m.role
		FROM memberships m
		JOIN businesses b ON b.id = m.business_id
		WHERE m.account_id = $1
		ORDER BY b.name, b.id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []model.BusinessRole
	for rows.Next() {
		var br model.BusinessRole
		if err := rows.Scan(&br.Business.ID, &br.Business.ExternalID, &br.Business.Name, &br.Business.CreatedAt, &br.Role); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

func (s *Storage) ResolveMembership(ctx context.Context, accountID int64, businessExternalID uuid.UUID) (model.Business, model.Role, error) {
	var (
		b    model.Business
		role model.Role
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT b.id, b.external_id, b.name, b.created_at, m.role
		FROM memberships m
		JOIN businesses b ON b.id = m.business_id
		WHERE b.external_id = $1 AND m.account_id = $2
	`, businessExternalID, accountID).Scan(&b.ID, &b.ExternalID, &b.Name, &b.CreatedAt, &role)
	if err != nil {
		return model.Business{}, "", notFound(err)
	}
	return b, role, nil
}

func (s *Storage) AddMembership(ctx context.Context, m model.Membership) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO memberships (account_id, business_id, role)
		VALUES ($1, $2, $3)
	`, m.AccountID, m.BusinessID, m.Role)
	return classify(err)
}

func (s *Storage) Members(ctx context.Context, businessID int64) ([]model.Member, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT a.external_id, a.email, m.role, m.created_at
		FROM memberships m
		JOIN accounts a ON a.id = m.account_id
		WHERE m.business_id = $1
		ORDER BY m.created_at, a.id
	`, businessID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(&m.AccountID, &m.Email, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *Storage) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO portfolios (external_id, business_id, title, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, p.ExternalID, p.BusinessID, p.Title, p.Visibility).Scan(&p.ID, &p.CreatedAt)
	return classify(err)
}

func (s *Storage) Portfolios(ctx context.Context, businessID int64, onlyVisible bool) ([]model.Portfolio, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, external_id, business_id, title, visibility, created_at
		FROM portfolios
		WHERE business_id = $1 AND (NOT $2 OR visibility = 'visible')
		ORDER BY created_at, id
	`, businessID, onlyVisible)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.BusinessID, &p.Title, &p.Visibility, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Storage) PortfolioByExternalID(ctx context.Context, businessID int64, externalID uuid.UUID) (model.Portfolio, error) {
	var p model.Portfolio
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, external_id, business_id, title, visibility, created_at
		FROM portfolios
		WHERE business_id = $1 AND external_id = $2
	`, businessID, externalID).Scan(&p.ID, &p.ExternalID, &p.BusinessID, &p.Title, &p.Visibility, &p.CreatedAt)
	if err != nil {
		return model.Portfolio{}, notFound(err)
	}
	return p, nil
}

func (s *Storage) SetPortfolioVisibility(ctx context.Context, id int64, v model.Visibility) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE portfolios SET visibility = $1 WHERE id = $2`, v, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Storage) CreateComment(ctx context.Context, c *model.Comment) error {
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO comments (external_id, portfolio_id, author_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, c.ExternalID, c.PortfolioID, c.AuthorID, c.Body).Scan(&c.ID, &c.CreatedAt)
	return classify(err)
}

func (s *Storage) Comments(ctx context.Context, portfolioID int64) ([]model.Comment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.id, c.external_id, c.portfolio_id, c.author_id, a.external_id, a.email, c.body, c.created_at
		FROM comments c
		JOIN accounts a ON a.id = c.author_id
		WHERE c.portfolio_id = $1
		ORDER BY c.created_at, c.id
	`, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var out []model.Comment
	for rows.Next() {
		var c model.Comment
		if err := rows.Scan(&c.ID, &c.ExternalID, &c.PortfolioID, &c.AuthorID, &c.AuthorExternalID, &c.AuthorEmail, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Storage) InsertAuditEvent(ctx context.Context, e model.AuditEvent) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	if e.Attributes == nil {
		attrs = []byte("{}")
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO audit_events (kind, account, business, attributes, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.Kind, nullUUID(e.Account), nullUUID(e.Business), attrs, e.OccurredAt)
	return err
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
