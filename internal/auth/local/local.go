// Package local implements auth.Provider on top of the application's own
// sqlite database. It is paired with the sqlite storage backend so the
// application can run with no hosted services at all.
//
// Passwords are stored as bcrypt hashes. Access tokens are short-lived
// HS256 JWTs; refresh tokens are random identifiers kept in a table so
// sign-out can revoke them.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/auth"
	"github.com/aanand-mishra/student-registry/internal/types"
)

const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users (id),
		expires_at DATETIME NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0
	);
`

type Provider struct {
	db         *sql.DB
	secret     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

var _ auth.Provider = (*Provider)(nil)

// New creates the account tables in db if needed.
func New(db *sql.DB, secret string, accessTTL, refreshTTL time.Duration) (*Provider, error) {
	if secret == "" {
		return nil, errors.New("local.New: jwt secret is required")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("local.New: create tables: %w", err)
	}
	return &Provider{db: db, secret: secret, accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

func (p *Provider) SignUp(ctx context.Context, email, password string) (auth.Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, "SignUp", "", err)
	}

	user := types.User{ID: uuid.NewString(), Email: email}
	_, err = p.db.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Email, string(hash), time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return auth.Tokens{}, apperr.New(apperr.Validation, "SignUp", "User already registered", err)
		}
		return auth.Tokens{}, apperr.New(apperr.Unknown, "SignUp", "", err)
	}
	return p.issue(ctx, "SignUp", user)
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (auth.Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var (
		user types.User
		hash string
	)
	err := p.db.QueryRowContext(ctx, "SELECT id, email, password_hash FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tokens{}, invalidCredentials(err)
	}
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, "SignIn", "", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return auth.Tokens{}, invalidCredentials(err)
	}
	return p.issue(ctx, "SignIn", user)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (auth.Tokens, error) {
	// Claim the token first so two concurrent refreshes cannot both redeem it.
	res, err := p.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE token = ? AND revoked = 0", refreshToken)
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, "Refresh", "", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, "Refresh", "", err)
	}
	if claimed != 1 {
		return auth.Tokens{}, apperr.New(apperr.Permission, "Refresh", "session expired, sign in again", nil)
	}

	var (
		user    types.User
		expires time.Time
	)
	err = p.db.QueryRowContext(ctx, `
		SELECT u.id, u.email, r.expires_at
		FROM refresh_tokens r JOIN users u ON u.id = r.user_id
		WHERE r.token = ?`, refreshToken).Scan(&user.ID, &user.Email, &expires)
	if errors.Is(err, sql.ErrNoRows) || err == nil && time.Now().After(expires) {
		return auth.Tokens{}, apperr.New(apperr.Permission, "Refresh", "session expired, sign in again", err)
	}
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, "Refresh", "", err)
	}
	return p.issue(ctx, "Refresh", user)
}

// SignOut revokes every refresh token of the token's owner.
func (p *Provider) SignOut(ctx context.Context, accessToken string) error {
	claims, err := auth.ParseAccessToken(p.secret, accessToken)
	if err != nil {
		// An expired or forged token has nothing left to revoke.
		return nil
	}
	if _, err := p.db.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?", claims.Subject); err != nil {
		return apperr.New(apperr.Unknown, "SignOut", "", err)
	}
	return nil
}

func (p *Provider) issue(ctx context.Context, op string, user types.User) (auth.Tokens, error) {
	access, expires, err := auth.SignAccessToken(p.secret, user, p.accessTTL)
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, op, "", err)
	}
	refresh := uuid.NewString()
	_, err = p.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (token, user_id, expires_at) VALUES (?, ?, ?)",
		refresh, user.ID, time.Now().Add(p.refreshTTL).UTC(),
	)
	if err != nil {
		return auth.Tokens{}, apperr.New(apperr.Unknown, op, "", err)
	}
	return auth.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: expires, User: user}, nil
}

func invalidCredentials(cause error) error {
	return apperr.New(apperr.Permission, "SignIn", "Incorrect email or password", cause)
}
