package model

// Permission names a guarded server capability.
type Permission int

const (
	// PermViewUsers allows listing every account.
	PermViewUsers Permission = iota
	// PermViewReports allows reading moderation reports.
	PermViewReports
	// PermModerateUsers allows ban, unban, mute, unmute, and delete.
	PermModerateUsers
)
