package entity

import "strings"

// Restore formats offered to the user when downloading a folder.
const (
	RestoreFormatZip   = 1
	RestoreFormatTarGz = 2
)

// User is a console account. Login is unique and case-sensitive.
type User struct {
	ID            int64  `db:"user_id" json:"id" yaml:"id"`
	Login         string `db:"username" json:"username" yaml:"username"`
	PasswordHash  string `db:"password" json:"-" yaml:"password,omitempty"`
	Root          string `db:"user_root" json:"user_root" yaml:"user_root,omitempty"`
	IsAdmin       bool   `db:"is_admin" json:"is_admin" yaml:"is_admin,omitempty"`
	Email         string `db:"email" json:"email" yaml:"email,omitempty"`
	Fullname      string `db:"fullname" json:"fullname" yaml:"fullname,omitempty"`
	RestoreFormat int    `db:"restore_format" json:"restore_format" yaml:"restore_format,omitempty"`
	Lang          string `db:"lang" json:"lang" yaml:"lang,omitempty"`
}

// HasLocalPassword reports whether the user can be verified without a directory.
func (u *User) HasLocalPassword() bool { return u.PasswordHash != "" }

// DisplayName returns the fullname, falling back to the login.
func (u *User) DisplayName() string {
	if strings.TrimSpace(u.Fullname) != "" {
		return u.Fullname
	}
	return u.Login
}

// RepoBinding ties a repository path, relative to the owner's root, to a user.
type RepoBinding struct {
	UserID     int64  `db:"user_id" json:"-" yaml:"-"`
	Path       string `db:"repo_path" json:"path" yaml:"path"`
	MaxAgeDays int    `db:"max_age" json:"maxage" yaml:"maxage,omitempty"`
}

// Preferences are the per-user settings editable by the user.
type Preferences struct {
	RestoreFormat int
	Lang          string
}

// Identity is what a credential verifier or identity provider vouches for.
// Login may differ from what the user typed when the source canonicalizes it.
type Identity struct {
	Login    string
	Email    string
	Fullname string
	Source   string
}
