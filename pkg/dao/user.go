// Package dao implements the typed persistence operations of spec.md
// §4.6 on top of bun, one file per aggregate.
package dao

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/roversun/latcheck/pkg/dbpool"
	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,32}$`)

// UserDAO implements the user-facing operations of spec.md §4.6.
type UserDAO struct {
	pool *dbpool.Pool
}

func NewUserDAO(pool *dbpool.Pool) *UserDAO {
	return &UserDAO{pool: pool}
}

func validateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return errs.New(errs.InvalidParameter, fmt.Sprintf("invalid username %q", name))
	}
	return nil
}

// GetByUsername returns the full row, including password_hash and salt,
// for any user whose status is not Deleted. Lookup is case-sensitive.
func (d *UserDAO) GetByUsername(ctx context.Context, name string) (*models.User, error) {
	if err := validateUsername(name); err != nil {
		return nil, err
	}

	conn, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	var user models.User
	err = conn.Bun().NewSelect().
		Model(&user).
		Where("username = ?", name).
		Where("status != ?", models.StatusDeleted).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.UserNotFound, fmt.Sprintf("no such user %q", name))
	}
	if err != nil {
		conn.Invalidate()
		return nil, errs.Wrap(errs.QueryFailed, err)
	}
	return &user, nil
}

// IsUsernameExists is a case-sensitive existence check, including
// Deleted rows (a deleted username cannot be reissued).
func (d *UserDAO) IsUsernameExists(ctx context.Context, name string) (bool, error) {
	if err := validateUsername(name); err != nil {
		return false, err
	}

	conn, err := d.pool.Get(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Release()

	exists, err := conn.Bun().NewSelect().
		Model((*models.User)(nil)).
		Where("username = ?", name).
		Exists(ctx)
	if err != nil {
		conn.Invalidate()
		return false, errs.Wrap(errs.QueryFailed, err)
	}
	return exists, nil
}

// UpdateLastLogin stamps last_login_at for id to now.
func (d *UserDAO) UpdateLastLogin(ctx context.Context, id int64) error {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Bun().NewUpdate().
		Model((*models.User)(nil)).
		Set("last_login_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", id).
		Exec(ctx)
	if err != nil {
		conn.Invalidate()
		return errs.Wrap(errs.QueryFailed, err)
	}
	return nil
}

// UpdatePassword atomically rotates the stored hash and salt.
func (d *UserDAO) UpdatePassword(ctx context.Context, id int64, hash, salt string) error {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Bun().NewUpdate().
		Model((*models.User)(nil)).
		Set("password_hash = ?", hash).
		Set("salt = ?", salt).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", id).
		Exec(ctx)
	if err != nil {
		conn.Invalidate()
		return errs.Wrap(errs.QueryFailed, err)
	}
	return nil
}
