package domain

import "time"

// User represents a platform account identified by phone number.
//
// ProviderAccessToken/ProviderRefreshToken cache the user's own most
// recently known upstream credential; they are overwritten every time a
// fresh credential is obtained for that user. SessionRefreshToken is the
// application-level refresh token (64 hex chars), unique across users and
// rotated single-use on every session renewal.
type User struct {
	ID                   int64
	Name                 string
	Phone                string
	Role                 string
	ProviderAccessToken  string
	ProviderRefreshToken string
	SessionRefreshToken  string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
