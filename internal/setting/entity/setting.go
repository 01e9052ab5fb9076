package entity

// ProfileForm carries the set_profile_info action.
type ProfileForm struct {
	Fullname string
	Email    string
}

// PasswordForm carries the set_password action.
type PasswordForm struct {
	Current string
	New     string
	Confirm string
}

// PreferencesForm carries the set_preferences action.
type PreferencesForm struct {
	Lang          string
	RestoreFormat int
}

// MaxAge is the notification threshold of one repository, in days.
// Zero disables the notification.
type MaxAge struct {
	Repo string
	Days int
}
