// Package sqlite provides a SQLite-backed implementation of the
// storage.Storage interface using Go's standard database/sql package.
//
// It is the local backend: no hosted service is needed, which makes it
// the default for development and the fixture for handler tests. Because
// there is no row-level security engine in SQLite, every statement here is
// scoped to the caller's user id, reproducing the hosted backend's owner
// policy.
//
// Connections are opened through a registered variant of the sqlite3
// driver that adds a fold(text) SQL function for Unicode case-insensitive
// matching, since SQLite's own LIKE and NOCASE only fold ASCII.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/text/cases"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/types"
)

// SQLite is the concrete implementation of storage.Storage.
// It holds a *sql.DB which is a connection pool managed by database/sql.
type SQLite struct {
	Db *sql.DB
}

var _ storage.Storage = (*SQLite)(nil)

const schema = `
	CREATE TABLE IF NOT EXISTS students (
		id            TEXT PRIMARY KEY,
		name          TEXT     NOT NULL,
		enrollment_id TEXT     NOT NULL,
		birth_date    TEXT     NOT NULL,
		email         TEXT,
		phone         TEXT,
		class_name    TEXT,
		owner_id      TEXT     NOT NULL,
		created_at    DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS students_owner_name_idx ON students (owner_id, name);
`

const driverName = "sqlite3_registry"

func init() {
	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("fold", fold, true)
		},
	})
}

// fold returns the Unicode case-folded form of s ("Álvaro" and "ÁLVARO"
// both become "álvaro").
func fold(s string) string {
	return cases.Fold().String(s)
}

// New opens the SQLite database at path, creates the students table if it
// does not already exist, and returns a ready-to-use *SQLite.
func New(path string) (*SQLite, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("sqlite.New: open db: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from splitting into one database per pooled connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite.New: create table: %w", err)
	}

	return &SQLite{Db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLite) Close() error {
	return s.Db.Close()
}

const selectColumns = "id, name, enrollment_id, birth_date, email, phone, class_name, owner_id, created_at"

// ─────────────────────────────────────────────────────────────────────────────
// ListStudents returns the caller's students ordered by name.
//
// The search term is matched as a case-folded substring of name or
// enrollment_id, so accented names match regardless of case and wildcard
// characters typed by the user have no special meaning.
// ─────────────────────────────────────────────────────────────────────────────
func (s *SQLite) ListStudents(ctx context.Context, p storage.Principal, filter types.ListFilter) ([]types.Student, error) {
	if err := requireUser(storage.OpList, p); err != nil {
		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM students WHERE owner_id = ?"
	args := []any{p.UserID}

	if term := strings.TrimSpace(filter.Search); term != "" {
		query += " AND (instr(fold(name), fold(?)) > 0 OR instr(fold(enrollment_id), fold(?)) > 0)"
		args = append(args, term, term)
	}
	query += " ORDER BY fold(name) ASC, name ASC"

	rows, err := s.Db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(storage.OpList, fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	students := make([]types.Student, 0)
	for rows.Next() {
		student, err := scanStudent(rows)
		if err != nil {
			return nil, mapError(storage.OpList, fmt.Errorf("scan row: %w", err))
		}
		students = append(students, student)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(storage.OpList, fmt.Errorf("rows iteration: %w", err))
	}

	return students, nil
}

// GetStudent fetches exactly one student row owned by the caller.
func (s *SQLite) GetStudent(ctx context.Context, p storage.Principal, id string) (types.Student, error) {
	if err := requireUser(storage.OpGet, p); err != nil {
		return types.Student{}, err
	}

	row := s.Db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM students WHERE id = ? AND owner_id = ? LIMIT 1",
		id, p.UserID,
	)
	student, err := scanStudent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Student{}, apperr.New(apperr.NotFound, storage.OpGet,
				fmt.Sprintf("no student found with id: %s", id), err)
		}
		return types.Student{}, mapError(storage.OpGet, fmt.Errorf("scan: %w", err))
	}
	return student, nil
}

// CreateStudent inserts a new row. The id and created_at are assigned here,
// playing the role of the hosted backend's column defaults.
func (s *SQLite) CreateStudent(ctx context.Context, p storage.Principal, in types.NewStudent) (types.Student, error) {
	if err := requireUser(storage.OpCreate, p); err != nil {
		return types.Student{}, err
	}
	if in.OwnerID != p.UserID {
		return types.Student{}, apperr.New(apperr.Permission, storage.OpCreate,
			"new row violates row-level security policy for table \"students\"", nil)
	}

	student := types.Student{
		ID:           uuid.NewString(),
		Name:         in.Name,
		EnrollmentID: in.EnrollmentID,
		BirthDate:    in.BirthDate,
		Email:        in.Email,
		Phone:        in.Phone,
		ClassName:    in.ClassName,
		OwnerID:      in.OwnerID,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}

	_, err := s.Db.ExecContext(ctx,
		`INSERT INTO students (id, name, enrollment_id, birth_date, email, phone, class_name, owner_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		student.ID, student.Name, student.EnrollmentID, student.BirthDate,
		nullable(student.Email), nullable(student.Phone), nullable(student.ClassName),
		student.OwnerID, student.CreatedAt,
	)
	if err != nil {
		return types.Student{}, mapError(storage.OpCreate, fmt.Errorf("exec: %w", err))
	}

	return student, nil
}

// UpdateStudent overwrites the editable columns of one of the caller's rows.
func (s *SQLite) UpdateStudent(ctx context.Context, p storage.Principal, id string, in types.StudentInput) (types.Student, error) {
	if err := requireUser(storage.OpUpdate, p); err != nil {
		return types.Student{}, err
	}

	result, err := s.Db.ExecContext(ctx,
		`UPDATE students
		 SET name = ?, enrollment_id = ?, birth_date = ?, email = ?, phone = ?, class_name = ?
		 WHERE id = ? AND owner_id = ?`,
		in.Name, in.EnrollmentID, in.BirthDate,
		nullable(in.Email), nullable(in.Phone), nullable(in.ClassName),
		id, p.UserID,
	)
	if err != nil {
		return types.Student{}, mapError(storage.OpUpdate, fmt.Errorf("exec: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return types.Student{}, apperr.New(apperr.NotFound, storage.OpUpdate,
			fmt.Sprintf("no student found with id: %s", id), nil)
	}

	// Re-fetch the record so we return exactly what is stored in the DB.
	return s.GetStudent(ctx, p, id)
}

// DeleteStudent removes one of the caller's rows.
func (s *SQLite) DeleteStudent(ctx context.Context, p storage.Principal, id string) error {
	if err := requireUser(storage.OpDelete, p); err != nil {
		return err
	}

	result, err := s.Db.ExecContext(ctx, "DELETE FROM students WHERE id = ? AND owner_id = ?", id, p.UserID)
	if err != nil {
		return mapError(storage.OpDelete, fmt.Errorf("exec: %w", err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, storage.OpDelete,
			fmt.Sprintf("no student found with id: %s", id), nil)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStudent(row scanner) (types.Student, error) {
	var (
		student                 types.Student
		email, phone, className sql.NullString
	)
	err := row.Scan(
		&student.ID,
		&student.Name,
		&student.EnrollmentID,
		&student.BirthDate,
		&email,
		&phone,
		&className,
		&student.OwnerID,
		&student.CreatedAt,
	)
	if err != nil {
		return types.Student{}, err
	}
	student.Email = fromNull(email)
	student.Phone = fromNull(phone)
	student.ClassName = fromNull(className)
	return student, nil
}

func requireUser(op string, p storage.Principal) error {
	if p.UserID == "" {
		return apperr.New(apperr.Permission, op, "not authenticated", nil)
	}
	return nil
}

// mapError translates driver errors into the application's error kinds.
func mapError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.New(apperr.Network, op, "the request timed out", err)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return apperr.New(apperr.Validation, op, sqliteErr.Error(), err)
	}
	return apperr.New(apperr.Unknown, op, "", err)
}

func nullable(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
