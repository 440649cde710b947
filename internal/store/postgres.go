package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/boxaltcoin/fosscord-server/internal/models"
)

// PostgresStore implements Store over gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresConnection opens the database and migrates the gateway-owned
// tables. Prepared statements stay off to avoid statement-cache churn behind
// connection poolers.
func NewPostgresConnection(uri string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		PrepareStmt:                              false,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	err = db.AutoMigrate(
		&models.User{},
		&models.UserSettings{},
		&models.Relationship{},
		&models.Guild{},
		&models.Role{},
		&models.Channel{},
		&models.Recipient{},
		&models.Member{},
		&models.ReadState{},
		&models.Application{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)

	return db, nil
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UserWithRelationships(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).
		Preload("Settings").
		Preload("Relationships").
		Preload("Relationships.To").
		First(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) Application(ctx context.Context, userID string) (*models.Application, error) {
	var app models.Application
	err := s.db.WithContext(ctx).First(&app, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *PostgresStore) ReadStates(ctx context.Context, userID string) ([]models.ReadState, error) {
	var states []models.ReadState
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&states).Error
	return states, err
}

func (s *PostgresStore) MembershipsForUser(ctx context.Context, userID string) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Preload("Guild").
		Preload("Guild.Roles").
		Preload("Guild.Channels").
		Preload("Roles").
		Preload("User").
		Where("id = ?", userID).
		Find(&members).Error
	return members, err
}

func (s *PostgresStore) RecipientsForUser(ctx context.Context, userID string) ([]models.Recipient, error) {
	var recipients []models.Recipient
	err := s.db.WithContext(ctx).
		Preload("Channel").
		Preload("Channel.Recipients").
		Preload("Channel.Recipients.User").
		Where("user_id = ? AND closed = ?", userID, false).
		Find(&recipients).Error
	return recipients, err
}

func (s *PostgresStore) GuildRoles(ctx context.Context, guildID string) ([]models.Role, error) {
	var roles []models.Role
	err := s.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("position DESC").
		Find(&roles).Error
	return roles, err
}

func (s *PostgresStore) GuildMembers(ctx context.Context, guildID string) ([]models.Member, error) {
	var members []models.Member
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("User.Settings").
		Preload("Roles").
		Where("guild_id = ?", guildID).
		Find(&members).Error
	return members, err
}

func (s *PostgresStore) CountGuildMembers(ctx context.Context, guildID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Member{}).
		Where("guild_id = ?", guildID).
		Count(&count).Error
	return int(count), err
}

// HasViewChannel grants view when the user is a member of the guild and the
// channel belongs to it. Finer-grained permission overwrites live outside
// this core.
func (s *PostgresStore) HasViewChannel(ctx context.Context, userID, guildID, channelID string) (bool, error) {
	var memberCount int64
	err := s.db.WithContext(ctx).
		Model(&models.Member{}).
		Where("id = ? AND guild_id = ?", userID, guildID).
		Count(&memberCount).Error
	if err != nil {
		return false, err
	}
	if memberCount == 0 {
		return false, nil
	}

	var channelCount int64
	err = s.db.WithContext(ctx).
		Model(&models.Channel{}).
		Where("id = ? AND guild_id = ?", channelID, guildID).
		Count(&channelCount).Error
	if err != nil {
		return false, err
	}
	return channelCount > 0, nil
}
