// Package postgres implements storage.Storage with a direct pgx connection
// to the same database the hosted data API fronts.
//
// Each call runs inside a transaction that switches to the "authenticated"
// role and publishes the caller's claims in request.jwt.claims, which is
// what the database's row-level security policies read through auth.uid().
// The policies stay the single source of per-user isolation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aanand-mishra/student-registry/internal/apperr"
	"github.com/aanand-mishra/student-registry/internal/storage"
	"github.com/aanand-mishra/student-registry/internal/types"
)

var errNoPrincipal = errors.New("not authenticated")

type Store struct {
	Pool *pgxpool.Pool
}

var _ storage.Storage = (*Store)(nil)

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

// WithTx runs fn in a transaction scoped to p.
func (s *Store) WithTx(ctx context.Context, p storage.Principal, fn func(pgx.Tx) error) error {
	if p.UserID == "" {
		return errNoPrincipal
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, "SET LOCAL ROLE authenticated"); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('request.jwt.claims', $1, true)", claimsFor(p)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const selectColumns = `id::text, name, enrollment_id, birth_date::text, email, phone, class_name, owner_id::text, created_at`

func (s *Store) ListStudents(ctx context.Context, p storage.Principal, filter types.ListFilter) ([]types.Student, error) {
	query := "SELECT " + selectColumns + " FROM public.students"
	args := []any{}
	if term := strings.TrimSpace(filter.Search); term != "" {
		query += ` WHERE name ILIKE $1 OR enrollment_id ILIKE $1`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	query += " ORDER BY name ASC"

	students := make([]types.Student, 0)
	err := s.WithTx(ctx, p, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			student, err := scanStudent(rows)
			if err != nil {
				return err
			}
			students = append(students, student)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, mapError(storage.OpList, err)
	}
	return students, nil
}

func (s *Store) GetStudent(ctx context.Context, p storage.Principal, id string) (types.Student, error) {
	var student types.Student
	err := s.WithTx(ctx, p, func(tx pgx.Tx) error {
		var err error
		student, err = scanStudent(tx.QueryRow(ctx, "SELECT "+selectColumns+" FROM public.students WHERE id = $1", id))
		return err
	})
	if err != nil {
		return types.Student{}, mapError(storage.OpGet, err)
	}
	return student, nil
}

func (s *Store) CreateStudent(ctx context.Context, p storage.Principal, in types.NewStudent) (types.Student, error) {
	var student types.Student
	err := s.WithTx(ctx, p, func(tx pgx.Tx) error {
		var err error
		student, err = scanStudent(tx.QueryRow(ctx, `
			INSERT INTO public.students (name, enrollment_id, birth_date, email, phone, class_name, owner_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+selectColumns,
			in.Name, in.EnrollmentID, in.BirthDate, in.Email, in.Phone, in.ClassName, in.OwnerID,
		))
		return err
	})
	if err != nil {
		return types.Student{}, mapError(storage.OpCreate, err)
	}
	return student, nil
}

func (s *Store) UpdateStudent(ctx context.Context, p storage.Principal, id string, in types.StudentInput) (types.Student, error) {
	var student types.Student
	err := s.WithTx(ctx, p, func(tx pgx.Tx) error {
		var err error
		student, err = scanStudent(tx.QueryRow(ctx, `
			UPDATE public.students
			SET name = $2, enrollment_id = $3, birth_date = $4, email = $5, phone = $6, class_name = $7
			WHERE id = $1
			RETURNING `+selectColumns,
			id, in.Name, in.EnrollmentID, in.BirthDate, in.Email, in.Phone, in.ClassName,
		))
		return err
	})
	if err != nil {
		return types.Student{}, mapError(storage.OpUpdate, err)
	}
	return student, nil
}

func (s *Store) DeleteStudent(ctx context.Context, p storage.Principal, id string) error {
	err := s.WithTx(ctx, p, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM public.students WHERE id = $1", id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return mapError(storage.OpDelete, err)
	}
	return nil
}

func scanStudent(row pgx.Row) (types.Student, error) {
	var student types.Student
	err := row.Scan(
		&student.ID,
		&student.Name,
		&student.EnrollmentID,
		&student.BirthDate,
		&student.Email,
		&student.Phone,
		&student.ClassName,
		&student.OwnerID,
		&student.CreatedAt,
	)
	return student, err
}

// mapError turns pgx and server errors into apperr kinds using the
// SQLSTATE class of the failure.
func mapError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.NotFound, op, "student not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.New(apperr.Network, op, "the database did not respond in time", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			return apperr.New(apperr.Permission, op, pgErr.Message, err)
		case pgErr.Code == "22P02" && addressesRow(op):
			// A malformed id cannot name any row.
			return apperr.New(apperr.NotFound, op, "student not found", err)
		case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
			return apperr.New(apperr.Validation, op, pgErr.Message, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return apperr.New(apperr.Network, op, pgErr.Message, err)
		default:
			return apperr.New(apperr.Unknown, op, pgErr.Message, err)
		}
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.New(apperr.Network, op, "could not reach the database", err)
	}
	if errors.Is(err, errNoPrincipal) {
		return apperr.New(apperr.Permission, op, "not authenticated", err)
	}
	return apperr.New(apperr.Unknown, op, "", err)
}

// addressesRow reports whether op targets a single row by id.
func addressesRow(op string) bool {
	return op == storage.OpGet || op == storage.OpUpdate || op == storage.OpDelete
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// claimsFor is the request.jwt.claims value for p.
func claimsFor(p storage.Principal) string {
	b, _ := json.Marshal(map[string]string{"sub": p.UserID, "role": "authenticated"})
	return string(b)
}
