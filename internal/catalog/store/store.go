// Package store provides the reference sqlite-backed catalog.Adapter: the
// concrete Agents/Forwards/traffic-log persistence layer a running
// deployment needs even though it sits outside the core's required
// read-only Adapter surface. Uses GORM over sqlite with goose-managed
// migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/nullwire/tunnelcore/internal/apperr"
	"github.com/nullwire/tunnelcore/internal/catalog"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLiteCatalog is the reference catalog.Adapter, and also the write side
// an external admin surface would drive (PutAgent/PutForward below) since
// something has to mint rows for the core to read.
type SQLiteCatalog struct {
	db       *gorm.DB
	onReload catalog.ReloadNotifier
}

// Open opens (creating if necessary) a sqlite database at path and runs
// pending goose migrations.
func Open(path string) (*SQLiteCatalog, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite catalog: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if err := migrate(sqlDB); err != nil {
		return nil, err
	}

	return &SQLiteCatalog{db: db}, nil
}

func migrate(sqlDB *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// SetReloadHandler registers the callback invoked after a write that
// should trigger the core's onReload(agentId) path. Typically the
// *server.Server itself, whose OnReload method implements the interface.
func (s *SQLiteCatalog) SetReloadHandler(n catalog.ReloadNotifier) {
	s.onReload = n
}

func (s *SQLiteCatalog) GetAgentByToken(ctx context.Context, token string) (*catalog.Agent, error) {
	var row agentModel
	err := s.db.WithContext(ctx).Where("token_hash = ?", hashToken(token)).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, catalog.ErrAgentNotFound
		}
		return nil, fmt.Errorf("lookup agent by token: %w", err)
	}
	if !row.Enabled {
		return nil, catalog.ErrAgentDisabled
	}
	return &catalog.Agent{ID: row.ID, Name: row.Name, Enabled: row.Enabled}, nil
}

func (s *SQLiteCatalog) GetForwardsByAgent(ctx context.Context, agentID string) ([]catalog.Forward, error) {
	var rows []forwardModel
	if err := s.db.WithContext(ctx).Where("agent_id = ? AND enabled = ?", agentID, true).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list forwards for agent: %w", err)
	}
	out := make([]catalog.Forward, 0, len(rows))
	for _, r := range rows {
		out = append(out, catalog.Forward{
			ID: r.ID, AgentID: r.AgentID, Name: r.Name, Enabled: r.Enabled,
			Direction: catalog.Direction(r.Direction), Transport: catalog.Transport(r.Transport),
			RemotePort: r.RemotePort, RemoteIP: r.RemoteIP, LocalIP: r.LocalIP, LocalPort: r.LocalPort,
		})
	}
	return out, nil
}

func (s *SQLiteCatalog) IsRemotePortAvailable(ctx context.Context, remotePort uint16, excludeForwardID string) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&forwardModel{}).Where("remote_port = ? AND enabled = ?", remotePort, true)
	if excludeForwardID != "" {
		q = q.Where("id != ?", excludeForwardID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("check remote_port availability: %w", err)
	}
	return count == 0, nil
}

func (s *SQLiteCatalog) AppendTraffic(ctx context.Context, forwardID string, bytesIn, bytesOut int64, at time.Time) error {
	rec := trafficRecordModel{ForwardID: forwardID, BytesIn: bytesIn, BytesOut: bytesOut, RecordedAt: at}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append traffic record: %w", err)
	}
	return nil
}

// PutAgent upserts an agent row, provisioning it with a fresh token if it
// doesn't already have one. Returns the plaintext token only on creation
// (existing agents keep their token; it is never re-readable after that).
func (s *SQLiteCatalog) PutAgent(ctx context.Context, id, name string, enabled bool) (plainToken string, err error) {
	now := time.Now()
	var existing agentModel
	err = s.db.WithContext(ctx).Where("id = ?", id).First(&existing).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		plain, hash, genErr := GenerateToken()
		if genErr != nil {
			return "", genErr
		}
		row := agentModel{ID: id, Name: name, TokenHash: hash, Enabled: enabled, CreatedAt: now, UpdatedAt: now}
		if createErr := s.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return "", fmt.Errorf("create agent: %w", createErr)
		}
		return plain, nil
	case err != nil:
		return "", fmt.Errorf("lookup agent: %w", err)
	default:
		existing.Name = name
		existing.Enabled = enabled
		existing.UpdatedAt = now
		if saveErr := s.db.WithContext(ctx).Save(&existing).Error; saveErr != nil {
			return "", fmt.Errorf("update agent: %w", saveErr)
		}
		return "", nil
	}
}

// PutForward upserts a forward row by ID and fires the reload notifier, if
// any, so a connected agent picks up the change immediately. Callers
// should check IsRemotePortAvailable first to surface a clean conflict
// error; isUniqueConstraintErr below is a backstop against the race
// between that check and this write, not the primary guard.
func (s *SQLiteCatalog) PutForward(ctx context.Context, f catalog.Forward) error {
	now := time.Now()
	row := forwardModel{
		ID: f.ID, AgentID: f.AgentID, Name: f.Name, Enabled: f.Enabled,
		Direction: string(f.Direction), Transport: string(f.Transport),
		RemotePort: f.RemotePort, RemoteIP: f.RemoteIP, LocalIP: f.LocalIP, LocalPort: f.LocalPort,
		UpdatedAt: now,
	}
	var existing forwardModel
	err := s.db.WithContext(ctx).Where("id = ?", f.ID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		row.CreatedAt = now
		if createErr := s.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			if isUniqueConstraintErr(createErr) {
				return apperr.NewConflict(fmt.Sprintf("forward conflicts with an existing row (duplicate remote_port or agent_id/name pair): %s", createErr))
			}
			return fmt.Errorf("create forward: %w", createErr)
		}
	} else if err != nil {
		return fmt.Errorf("lookup forward: %w", err)
	} else {
		row.CreatedAt = existing.CreatedAt
		if saveErr := s.db.WithContext(ctx).Save(&row).Error; saveErr != nil {
			if isUniqueConstraintErr(saveErr) {
				return apperr.NewConflict(fmt.Sprintf("forward conflicts with an existing row (duplicate remote_port or agent_id/name pair): %s", saveErr))
			}
			return fmt.Errorf("update forward: %w", saveErr)
		}
	}

	if s.onReload != nil {
		s.onReload.OnReload(f.AgentID)
	}
	return nil
}

func isUniqueConstraintErr(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Close releases the underlying database handle.
func (s *SQLiteCatalog) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ catalog.Adapter = (*SQLiteCatalog)(nil)
