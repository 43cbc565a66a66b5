package models

import "time"

// RefreshToken is one link of a rotation chain. Only the SHA-256 hash of the
// opaque value is persisted; FamilyID is shared by every descendant of the
// credential issued at login.
type RefreshToken struct {
	ID         string     `db:"id" json:"id"`
	UserID     string     `db:"user_id" json:"user_id"`
	FamilyID   string     `db:"family_id" json:"family_id"`
	ParentID   *string    `db:"parent_id" json:"parent_id,omitempty"`
	TokenHash  string     `db:"token_hash" json:"-"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	Revoked    bool       `db:"revoked" json:"revoked"`
	RevokedAt  *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	ReplacedBy *string    `db:"replaced_by" json:"replaced_by,omitempty"`
	IPAddress  string     `db:"ip_address" json:"ip_address"`
	UserAgent  string     `db:"user_agent" json:"user_agent"`
}

// Active reports whether the token may still be presented.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Rotated reports whether the token was consumed by a successful rotation.
func (t *RefreshToken) Rotated() bool {
	return t.Revoked && t.ReplacedBy != nil && *t.ReplacedBy != ""
}

// ClientContext carries request metadata attached to issued credentials.
type ClientContext struct {
	IPAddress string
	UserAgent string
}

// TokenPair is the result of Issue and Rotate. RefreshToken is the raw value
// and is never persisted.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	IssuedAt         time.Time `json:"issued_at"`
	SessionID        string    `json:"session_id"`
}

// Session is the client-facing view of an active refresh token.
type Session struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Current   bool      `json:"current"`
}
