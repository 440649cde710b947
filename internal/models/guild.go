package models

import "time"

type Guild struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `json:"name"`
	Icon        *string   `json:"icon"`
	OwnerID     string    `json:"owner_id"`
	Large       bool      `json:"large"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"-"`

	Roles    []Role    `gorm:"foreignKey:GuildID" json:"roles"`
	Channels []Channel `gorm:"foreignKey:GuildID" json:"channels"`
}

// Role positions order member-list groups; higher position = higher
// precedence. The baseline "everyone" role shares its id with the guild.
type Role struct {
	ID          string `gorm:"primaryKey" json:"id"`
	GuildID     string `gorm:"index" json:"-"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions int64  `json:"permissions,string"`
	Color       int    `json:"color"`
	Hoist       bool   `json:"hoist"`
}

// Everyone reports whether this role is the guild's baseline role.
func (r *Role) Everyone() bool { return r.ID == r.GuildID }

// Channel covers both guild channels and DM channels (GuildID nil).
type Channel struct {
	ID               string      `gorm:"primaryKey" json:"id"`
	GuildID          *string     `gorm:"index" json:"guild_id,omitempty"`
	Type             int         `json:"type"`
	Name             *string     `json:"name"`
	Icon             *string     `json:"icon,omitempty"`
	OwnerID          *string     `json:"owner_id,omitempty"`
	LastMessageID    *string     `json:"last_message_id"`
	LastPinTimestamp *time.Time  `json:"last_pin_timestamp,omitempty"`
	Flags            int         `json:"flags"`
	Recipients       []Recipient `gorm:"foreignKey:ChannelID" json:"recipients,omitempty"`
}

const (
	ChannelTypeGuildText = 0
	ChannelTypeDM        = 1
	ChannelTypeGroupDM   = 3
)

func (c *Channel) IsDM() bool {
	return c.Type == ChannelTypeDM || c.Type == ChannelTypeGroupDM
}

// Recipient is one user's membership in a DM channel.
type Recipient struct {
	ID        string  `gorm:"primaryKey" json:"-"`
	ChannelID string  `gorm:"index" json:"-"`
	UserID    string  `gorm:"index" json:"-"`
	Closed    bool    `json:"-"`
	User      User    `gorm:"foreignKey:UserID" json:"user"`
	Channel   Channel `gorm:"foreignKey:ChannelID" json:"-"`
}

// Member links a user to a guild. Settings is the persisted per-guild
// notification overlay, stored as a JSON column.
type Member struct {
	UserID   string    `gorm:"primaryKey;column:id" json:"id"`
	GuildID  string    `gorm:"primaryKey;index" json:"guild_id"`
	Nick     *string   `json:"nick"`
	JoinedAt time.Time `json:"joined_at"`
	Deaf     bool      `json:"deaf"`
	Mute     bool      `json:"mute"`
	Pending  bool      `json:"pending"`

	User     User               `gorm:"foreignKey:UserID" json:"-"`
	Guild    Guild              `gorm:"foreignKey:GuildID" json:"-"`
	Roles    []Role             `gorm:"many2many:member_roles;" json:"-"`
	Settings *UserGuildSettings `gorm:"serializer:json" json:"-"`
}

// DisplayName is the name members sort by in the list engine.
func (m *Member) DisplayName() string {
	if m.Nick != nil && *m.Nick != "" {
		return *m.Nick
	}
	return m.User.Username
}

// RoleIDs returns the member's role ids. The baseline role is always
// included, whether or not the join table carries it.
func (m *Member) RoleIDs() []string {
	ids := make([]string, 0, len(m.Roles)+1)
	hasEveryone := false
	for _, r := range m.Roles {
		if r.Everyone() {
			hasEveryone = true
		}
		ids = append(ids, r.ID)
	}
	if !hasEveryone {
		ids = append(ids, m.GuildID)
	}
	return ids
}

// HasRole reports whether the member holds the given role. Every member
// implicitly holds the baseline role.
func (m *Member) HasRole(roleID string) bool {
	if roleID == m.GuildID {
		return true
	}
	for _, r := range m.Roles {
		if r.ID == roleID {
			return true
		}
	}
	return false
}

// UserGuildSettings is the per-guild settings overlay. Channel overrides are
// persisted keyed by channel id and flattened into a list for the wire.
type UserGuildSettings struct {
	Muted                bool                       `json:"muted"`
	MessageNotifications int                        `json:"message_notifications"`
	MobilePush           bool                       `json:"mobile_push"`
	SuppressEveryone     bool                       `json:"suppress_everyone"`
	SuppressRoles        bool                       `json:"suppress_roles"`
	Version              int                        `json:"version"`
	ChannelOverrides     map[string]ChannelOverride `json:"channel_overrides,omitempty"`
}

type ChannelOverride struct {
	Muted                bool   `json:"muted"`
	MessageNotifications int    `json:"message_notifications"`
	ChannelID            string `json:"channel_id,omitempty"`
}

// DefaultUserGuildSettings is the compiled baseline every persisted overlay
// is applied on top of.
func DefaultUserGuildSettings() UserGuildSettings {
	return UserGuildSettings{
		Muted:                false,
		MessageNotifications: 1,
		MobilePush:           true,
		SuppressEveryone:     false,
		SuppressRoles:        false,
	}
}

type ReadState struct {
	ID               string     `gorm:"primaryKey" json:"id"`
	UserID           string     `gorm:"index" json:"-"`
	ChannelID        string     `json:"channel_id"`
	LastMessageID    *string    `json:"last_message_id"`
	LastPinTimestamp *time.Time `json:"last_pin_timestamp"`
	MentionCount     int        `json:"mention_count"`
}

// Application exists for bot accounts; its id equals the owning user id.
type Application struct {
	ID    string `gorm:"primaryKey" json:"id"`
	Flags int64  `json:"flags"`
}
