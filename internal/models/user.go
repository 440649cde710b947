package models

import "time"

// User is the account row. Only the gateway-relevant columns are modeled
// here; the account-management API owns the rest of the table.
type User struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	Username      string    `gorm:"not null" json:"username"`
	Discriminator string    `json:"discriminator"`
	Avatar        *string   `json:"avatar"`
	Bot           bool      `json:"bot"`
	Flags         int64     `json:"flags"`
	PublicFlags   int64     `json:"public_flags"`
	Email         *string   `json:"email,omitempty"`
	Verified      bool      `json:"verified"`
	MFAEnabled    bool      `json:"mfa_enabled"`
	CreatedAt     time.Time `json:"-"`

	Settings      UserSettings   `gorm:"foreignKey:UserID" json:"-"`
	Relationships []Relationship `gorm:"foreignKey:FromID" json:"-"`
}

// UserSettings holds user-level preferences. Status is the standing default
// status substituted when every live session resolves offline.
type UserSettings struct {
	UserID     string `gorm:"primaryKey" json:"-"`
	Status     string `gorm:"default:online" json:"status"`
	Locale     string `gorm:"default:en-US" json:"locale"`
	Theme      string `gorm:"default:dark" json:"theme"`
	AFKTimeout int    `gorm:"default:3600" json:"afk_timeout"`
}

// Relationship links two users (friend, blocked, pending).
type Relationship struct {
	ID     string `gorm:"primaryKey" json:"id"`
	FromID string `gorm:"index" json:"-"`
	ToID   string `json:"-"`
	Type   int    `json:"type"`
	To     User   `gorm:"foreignKey:ToID" json:"-"`
}

// PublicRelationship is the shape sent in Ready.
type PublicRelationship struct {
	ID     string `json:"id"`
	Type   int    `json:"type"`
	UserID string `json:"user_id"`
}

func (r *Relationship) Public() PublicRelationship {
	return PublicRelationship{ID: r.ID, Type: r.Type, UserID: r.ToID}
}

// PublicUser is the projection of a User safe to hand to other users.
type PublicUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Discriminator string  `json:"discriminator"`
	Avatar        *string `json:"avatar"`
	Bot           bool    `json:"bot"`
	PublicFlags   int64   `json:"public_flags"`
}

func (u *User) Public() PublicUser {
	return PublicUser{
		ID:            u.ID,
		Username:      u.Username,
		Discriminator: u.Discriminator,
		Avatar:        u.Avatar,
		Bot:           u.Bot,
		PublicFlags:   u.PublicFlags,
	}
}

// PrivateUser is the authenticated user's own view, sent once in Ready.
type PrivateUser struct {
	PublicUser
	Email      *string `json:"email"`
	Verified   bool    `json:"verified"`
	MFAEnabled bool    `json:"mfa_enabled"`
	Flags      int64   `json:"flags"`
}

func (u *User) Private() PrivateUser {
	return PrivateUser{
		PublicUser: u.Public(),
		Email:      u.Email,
		Verified:   u.Verified,
		MFAEnabled: u.MFAEnabled,
		Flags:      u.Flags,
	}
}
