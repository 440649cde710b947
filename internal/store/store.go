// Package store is the datastore collaborator of the gateway core: typed
// fetches for snapshot assembly and the member list engine, plus the session
// rows that back presence aggregation.
package store

import (
	"context"
	"errors"

	"github.com/boxaltcoin/fosscord-server/internal/models"
)

var ErrNotFound = errors.New("store: not found")

// Store is the persistent side. Implementations must be safe for use from
// many connections at once; conflicting writes serialize in the database.
type Store interface {
	// UserWithRelationships loads the user plus settings and relationships
	// (relationship targets included).
	UserWithRelationships(ctx context.Context, userID string) (*models.User, error)

	// Application returns the bot application owning userID, or nil.
	Application(ctx context.Context, userID string) (*models.Application, error)

	ReadStates(ctx context.Context, userID string) ([]models.ReadState, error)

	// MembershipsForUser loads every guild membership of the user with
	// guild, guild roles, guild channels and the member's own roles.
	MembershipsForUser(ctx context.Context, userID string) ([]models.Member, error)

	// RecipientsForUser loads the user's open DM memberships with each
	// channel's full recipient list and their public users.
	RecipientsForUser(ctx context.Context, userID string) ([]models.Recipient, error)

	GuildRoles(ctx context.Context, guildID string) ([]models.Role, error)

	// GuildMembers bulk-loads a guild's members with user, settings and
	// roles. The list engine orders and pages the result in memory.
	GuildMembers(ctx context.Context, guildID string) ([]models.Member, error)

	CountGuildMembers(ctx context.Context, guildID string) (int, error)

	// HasViewChannel checks the view permission of userID on channelID
	// within guildID.
	HasViewChannel(ctx context.Context, userID, guildID, channelID string) (bool, error)
}

// SessionStore owns the one-row-per-live-connection session set.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	UpdatePresence(ctx context.Context, userID, sessionID, status string, activities []models.Activity) error
	Delete(ctx context.Context, userID, sessionID string) error
	// Touch refreshes the row's liveness; called on accepted heartbeats.
	Touch(ctx context.Context, userID, sessionID string) error
	ListByUser(ctx context.Context, userID string) ([]models.Session, error)
	// ListByUsers resolves sessions for many users in one round trip.
	ListByUsers(ctx context.Context, userIDs []string) (map[string][]models.Session, error)
}
