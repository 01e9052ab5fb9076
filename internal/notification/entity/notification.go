package entity

import (
	"time"

	userentity "github.com/ovaphlow/pitchfork/service-backup-console/internal/user/entity"
)

// StaleRepo is a repository whose last backup is older than its max age.
// LastBackup is zero when no backup was ever completed.
type StaleRepo struct {
	Path       string    `json:"path"`
	MaxAgeDays int       `json:"maxage"`
	LastBackup time.Time `json:"last_backup"`
}

type StaleReport struct {
	User  *userentity.User
	Repos []StaleRepo
	Link  string
}

type LoginNotice struct {
	User      *userentity.User
	Time      time.Time
	IP        string
	UserAgent string
}
