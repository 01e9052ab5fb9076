package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-backup-console/pkg/utilities"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

const userColumns = `UserID AS user_id, Username AS username, Password AS password, UserRoot AS user_root,
	IsAdmin AS is_admin, UserEmail AS email, Fullname AS fullname, RestoreFormat AS restore_format, Lang AS lang`

const repoColumns = `UserID AS user_id, RepoPath AS repo_path, MaxAge AS max_age`

// column name -> definition used when bringing an older schema up to date.
var userExtraColumns = [][2]string{
	{"Password", "VARCHAR(255) NOT NULL DEFAULT ''"},
	{"UserRoot", "VARCHAR(1024) NOT NULL DEFAULT ''"},
	{"IsAdmin", "SMALLINT NOT NULL DEFAULT 0"},
	{"UserEmail", "VARCHAR(255) NOT NULL DEFAULT ''"},
	{"RestoreFormat", "SMALLINT NOT NULL DEFAULT 1"},
	{"Fullname", "VARCHAR(255) NOT NULL DEFAULT ''"},
	{"Lang", "VARCHAR(16) NOT NULL DEFAULT ''"},
}

var repoExtraColumns = [][2]string{
	{"MaxAge", "INTEGER NOT NULL DEFAULT 0"},
}

// UserRepo provides data access for the users and repos tables using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// EnsureTable creates the users and repos tables when missing and adds
// columns that older installations lack. Existing data is never dropped.
func (r *UserRepo) EnsureTable(ctx context.Context) error {
	loginType := "VARCHAR(255)"
	if r.db.DriverName() == "mysql" {
		loginType = "VARCHAR(255) COLLATE utf8mb4_bin"
	}
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
  UserID BIGINT PRIMARY KEY,
  Username ` + loginType + ` NOT NULL UNIQUE,
  Password VARCHAR(255) NOT NULL DEFAULT '',
  UserRoot VARCHAR(1024) NOT NULL DEFAULT '',
  IsAdmin SMALLINT NOT NULL DEFAULT 0,
  UserEmail VARCHAR(255) NOT NULL DEFAULT '',
  RestoreFormat SMALLINT NOT NULL DEFAULT 1,
  Fullname VARCHAR(255) NOT NULL DEFAULT '',
  Lang VARCHAR(16) NOT NULL DEFAULT ''
)`,
		`CREATE TABLE IF NOT EXISTS repos (
  RepoID BIGINT PRIMARY KEY,
  UserID BIGINT NOT NULL,
  RepoPath VARCHAR(512) NOT NULL,
  MaxAge INTEGER NOT NULL DEFAULT 0,
  UNIQUE (UserID, RepoPath)
)`,
	}
	for _, q := range ddl {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	if err := r.addMissingColumns(ctx, "users", userExtraColumns); err != nil {
		return err
	}
	return r.addMissingColumns(ctx, "repos", repoExtraColumns)
}

func (r *UserRepo) addMissingColumns(ctx context.Context, table string, want [][2]string) error {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE 1=0")
	if err != nil {
		return err
	}
	cols, err := rows.Columns()
	rows.Close()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[strings.ToLower(c)] = true
	}
	for _, c := range want {
		if have[strings.ToLower(c[0])] {
			continue
		}
		q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c[0], c[1])
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c[0], err)
		}
	}
	return nil
}

// Create inserts u, assigning a new id.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	u.ID = utilities.NewSnowflakeID()
	q := r.db.Rebind(`INSERT INTO users (UserID, Username, Password, UserRoot, IsAdmin, UserEmail, RestoreFormat, Fullname, Lang)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, u.ID, u.Login, u.PasswordHash, u.Root, boolInt(u.IsAdmin), u.Email, u.RestoreFormat, u.Fullname, u.Lang)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByLogin returns the user with exactly this login or ErrNotFound.
func (r *UserRepo) GetByLogin(ctx context.Context, login string) (*entity.User, error) {
	var u entity.User
	q := r.db.Rebind(`SELECT ` + userColumns + ` FROM users WHERE Username = ?`)
	if err := r.db.GetContext(ctx, &u, q, login); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// List returns every user ordered case-insensitively by login.
func (r *UserRepo) List(ctx context.Context) ([]*entity.User, error) {
	var out []*entity.User
	q := `SELECT ` + userColumns + ` FROM users ORDER BY LOWER(Username), Username`
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the user and its repo bindings in one transaction.
func (r *UserRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM repos WHERE UserID = ?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM users WHERE UserID = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *UserRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	return r.update(ctx, `UPDATE users SET Password = ? WHERE UserID = ?`, hash, id)
}

func (r *UserRepo) UpdateInfo(ctx context.Context, id int64, root string, isAdmin bool) error {
	return r.update(ctx, `UPDATE users SET UserRoot = ?, IsAdmin = ? WHERE UserID = ?`, root, boolInt(isAdmin), id)
}

func (r *UserRepo) UpdateEmail(ctx context.Context, id int64, email string) error {
	return r.update(ctx, `UPDATE users SET UserEmail = ? WHERE UserID = ?`, email, id)
}

func (r *UserRepo) UpdateFullname(ctx context.Context, id int64, fullname string) error {
	return r.update(ctx, `UPDATE users SET Fullname = ? WHERE UserID = ?`, fullname, id)
}

func (r *UserRepo) UpdatePreferences(ctx context.Context, id int64, p entity.Preferences) error {
	return r.update(ctx, `UPDATE users SET RestoreFormat = ?, Lang = ? WHERE UserID = ?`, p.RestoreFormat, p.Lang, id)
}

func (r *UserRepo) update(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return err
	}
	// mysql reports 0 affected rows when values are unchanged, so only
	// treat 0 as missing when the row is really gone.
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		id := args[len(args)-1]
		err := r.db.GetContext(ctx, &one, r.db.Rebind(`SELECT 1 FROM users WHERE UserID = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// Repos lists the user's bindings ordered by path.
func (r *UserRepo) Repos(ctx context.Context, userID int64) ([]entity.RepoBinding, error) {
	var out []entity.RepoBinding
	q := r.db.Rebind(`SELECT ` + repoColumns + ` FROM repos WHERE UserID = ? ORDER BY RepoPath`)
	if err := r.db.SelectContext(ctx, &out, q, userID); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRepos replaces the user's bindings with paths in one transaction.
// Paths already bound keep their max age; new ones start at zero.
func (r *UserRepo) SetRepos(ctx context.Context, userID int64, paths []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing []string
	if err := tx.SelectContext(ctx, &existing, tx.Rebind(`SELECT RepoPath FROM repos WHERE UserID = ?`), userID); err != nil {
		return err
	}
	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	have := make(map[string]bool, len(existing))
	for _, p := range existing {
		have[p] = true
		if !want[p] {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM repos WHERE UserID = ? AND RepoPath = ?`), userID, p); err != nil {
				return err
			}
		}
	}
	for p := range want {
		if have[p] {
			continue
		}
		q := tx.Rebind(`INSERT INTO repos (RepoID, UserID, RepoPath, MaxAge) VALUES (?, ?, ?, 0)`)
		if _, err := tx.ExecContext(ctx, q, utilities.NewSnowflakeID(), userID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SetRepoMaxAge updates the alert threshold of one binding.
func (r *UserRepo) SetRepoMaxAge(ctx context.Context, userID int64, path string, days int) error {
	q := r.db.Rebind(`UPDATE repos SET MaxAge = ? WHERE UserID = ? AND RepoPath = ?`)
	res, err := r.db.ExecContext(ctx, q, days, userID, path)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := r.db.GetContext(ctx, &one, r.db.Rebind(`SELECT 1 FROM repos WHERE UserID = ? AND RepoPath = ?`), userID, path)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
