// Package store persists the marker to device links of tracked devices.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vistiles/server/internal/config"
	"github.com/vistiles/server/pkg/core"
)

// MarkerLink is the row of a persisted link. The rigid body is kept as a
// JSON snapshot of the pose at link time.
type MarkerLink struct {
	MarkerID   string `gorm:"primaryKey"`
	DeviceID   string `gorm:"uniqueIndex;not null"`
	DeviceName string
	RigidBody  datatypes.JSONType[core.RigidBody]
	UpdatedAt  time.Time
}

// TableName overrides the default pluralized name.
func (MarkerLink) TableName() string { return "marker_links" }

func (m MarkerLink) core() core.MarkerLink {
	return core.MarkerLink{
		MarkerID:   m.MarkerID,
		DeviceID:   m.DeviceID,
		DeviceName: m.DeviceName,
		RigidBody:  m.RigidBody.Data(),
	}
}

// Manager handles the database connection and the marker link table.
type Manager struct {
	DB      *gorm.DB
	SqlDB   *sql.DB
	IsValid bool
	// IsLocal is set when the manager runs on SQLite.
	IsLocal bool
	cfg     config.StoreConfig
	Logger  zerolog.Logger
}

// NewManager creates a new store manager.
func NewManager(cfg config.StoreConfig, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, Logger: log}
}

// Connect opens the configured database. A Postgres connection that cannot
// be opened or pinged falls back to SQLite.
func (m *Manager) Connect() error {
	var err error

	if m.cfg.Type == "postgres" {
		m.DB, err = m.GetPostgresDB()
		if err == nil {
			m.SqlDB, err = m.DB.DB()
		}
		if err == nil {
			err = m.SqlDB.Ping()
		}
		if err == nil {
			m.Logger.Info().Str("host", m.cfg.Host).Msg("Connected to Postgres")
			m.SqlDB.SetMaxOpenConns(10)
			m.IsValid = true
			return nil
		}
		m.Logger.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
	}

	m.IsLocal = true
	m.DB, err = m.GetSqliteDB(m.cfg.SqlitePath)
	if err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to get local SQLite DB: %w", err)
	}
	m.SqlDB, err = m.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to access sql interface: %w", err)
	}
	// SQLite serializes writers; one connection keeps an in-memory database alive.
	m.SqlDB.SetMaxOpenConns(1)
	m.IsValid = true
	return nil
}

// GetPostgresDB returns a connection to the Postgres database.
func (m *Manager) GetPostgresDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		m.cfg.Host,
		m.cfg.Port,
		m.cfg.Username,
		m.cfg.Password,
		m.cfg.Database,
	)

	m.Logger.Debug().Str("host", m.cfg.Host).Str("database", m.cfg.Database).Msg("Connecting to Postgres DB")

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
}

// GetSqliteDB returns a connection to a SQLite database.
// If path is empty, uses an in-memory database.
func (m *Manager) GetSqliteDB(path string) (*gorm.DB, error) {
	dsn := path
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if path == "" {
		m.Logger.Info().Msg("Using local SQLite DB in memory")
	} else {
		m.Logger.Info().Str("path", path).Msg("Using local SQLite DB")
	}

	pragmas := []string{
		"PRAGMA user_version = 1;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting PRAGMA: %w", err)
		}
	}
	return db, nil
}

// Setup migrates the marker link table.
func (m *Manager) Setup() error {
	if !m.IsValid {
		return errors.New("db not valid")
	}
	m.Logger.Info().Msg("Migrating schema")
	if err := m.DB.AutoMigrate(&MarkerLink{}); err != nil {
		m.IsValid = false
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	m.Logger.Info().Msg("Database setup complete")
	return nil
}

// LoadLinks returns every persisted link.
func (m *Manager) LoadLinks(ctx context.Context) ([]core.MarkerLink, error) {
	var rows []MarkerLink
	if err := m.DB.WithContext(ctx).Order("marker_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading marker links: %w", err)
	}
	links := make([]core.MarkerLink, 0, len(rows))
	for _, r := range rows {
		links = append(links, r.core())
	}
	m.Logger.Debug().Int("count", len(links)).Msg("Loaded marker links")
	return links, nil
}

// SaveLink stores link, replacing earlier links of the same marker or the
// same device.
func (m *Manager) SaveLink(ctx context.Context, link core.MarkerLink) error {
	row := MarkerLink{
		MarkerID:   link.MarkerID,
		DeviceID:   link.DeviceID,
		DeviceName: link.DeviceName,
		RigidBody:  datatypes.NewJSONType(link.RigidBody),
	}
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("marker_id = ? OR device_id = ?", link.MarkerID, link.DeviceID).
			Delete(&MarkerLink{}).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("saving marker link %s: %w", link.MarkerID, err)
	}
	m.Logger.Debug().Str("marker", link.MarkerID).Str("device", link.DeviceID).Msg("Saved marker link")
	return nil
}

// Close closes the underlying connection.
func (m *Manager) Close() error {
	if m.SqlDB == nil {
		return nil
	}
	m.IsValid = false
	return m.SqlDB.Close()
}
