package workspace

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/devmux/devmux/internal/common/sqlite"
	"github.com/devmux/devmux/internal/db"
	"github.com/devmux/devmux/internal/db/dialect"
)

type sqlStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	driver string
}

var _ Store = (*sqlStore)(nil)

// NewStore creates the workspace store on top of an existing pool and
// initializes the schema. The pool remains owned by the caller.
func NewStore(pool *db.Pool) (Store, error) {
	s := &sqlStore{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		driver: pool.Writer().DriverName(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("workspace schema init: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id                   TEXT PRIMARY KEY,
		name                 TEXT NOT NULL,
		owner_id             TEXT DEFAULT '',
		agent_token          TEXT NOT NULL,
		agent_connected_at   TIMESTAMP,
		agent_last_heartbeat TIMESTAMP,
		container_id         TEXT DEFAULT '',
		container_status     TEXT NOT NULL DEFAULT 'none',
		created_at           TIMESTAMP NOT NULL,
		updated_at           TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workspaces_container_status ON workspaces(container_status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations applies idempotent column additions for schema evolution.
// agent_version arrived with agent self-update, container_ip with the
// container status sync.
func (s *sqlStore) runMigrations() error {
	if dialect.IsPostgres(s.driver) {
		for _, stmt := range []string{
			`ALTER TABLE workspaces ADD COLUMN IF NOT EXISTS agent_version TEXT DEFAULT ''`,
			`ALTER TABLE workspaces ADD COLUMN IF NOT EXISTS container_ip TEXT DEFAULT ''`,
		} {
			if _, err := s.db.Exec(stmt); err != nil {
				return err
			}
		}
		return nil
	}
	if err := sqlite.EnsureColumn(s.db.DB, "workspaces", "agent_version", "TEXT DEFAULT ''"); err != nil {
		return err
	}
	return sqlite.EnsureColumn(s.db.DB, "workspaces", "container_ip", "TEXT DEFAULT ''")
}

func (s *sqlStore) Close() error {
	// The pool is shared; main closes it.
	return nil
}

func (s *sqlStore) Create(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.AgentToken == "" {
		token, err := generateAgentToken()
		if err != nil {
			return fmt.Errorf("generate agent token: %w", err)
		}
		ws.AgentToken = token
	}
	if ws.ContainerStatus == "" {
		ws.ContainerStatus = "none"
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO workspaces (
			id, name, owner_id, agent_token, agent_version,
			agent_connected_at, agent_last_heartbeat,
			container_id, container_status, container_ip,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.Name, ws.OwnerID, ws.AgentToken, ws.AgentVersion,
		ws.AgentConnectedAt, ws.AgentLastHeartbeat,
		ws.ContainerID, ws.ContainerStatus, ws.ContainerIP,
		ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Workspace, error) {
	ws := &Workspace{}
	err := s.ro.GetContext(ctx, ws, s.ro.Rebind(`
		SELECT id, name, owner_id, agent_token, agent_version,
		       agent_connected_at, agent_last_heartbeat,
		       container_id, container_status, container_ip,
		       created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("workspace not found: %s", id)
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

func (s *sqlStore) List(ctx context.Context, search string) ([]*Workspace, error) {
	query := `
		SELECT id, name, owner_id, agent_token, agent_version,
		       agent_connected_at, agent_last_heartbeat,
		       container_id, container_status, container_ip,
		       created_at, updated_at
		FROM workspaces`
	args := []interface{}{}
	if search != "" {
		query += fmt.Sprintf(" WHERE name %s ?", dialect.Like(s.driver))
		args = append(args, "%"+search+"%")
	}
	query += " ORDER BY created_at DESC"

	var result []*Workspace
	if err := s.ro.SelectContext(ctx, &result, s.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	return result, nil
}

func (s *sqlStore) ListWithContainers(ctx context.Context) ([]*Workspace, error) {
	var result []*Workspace
	err := s.ro.SelectContext(ctx, &result, s.ro.Rebind(`
		SELECT id, name, owner_id, agent_token, agent_version,
		       agent_connected_at, agent_last_heartbeat,
		       container_id, container_status, container_ip,
		       created_at, updated_at
		FROM workspaces WHERE container_status != 'none'
		ORDER BY created_at DESC
	`))
	if err != nil {
		return nil, fmt.Errorf("list workspaces with containers: %w", err)
	}
	return result, nil
}

func (s *sqlStore) UpdateAgentConnection(ctx context.Context, id string, connectedAt *time.Time, version string) error {
	query := `UPDATE workspaces SET agent_connected_at = ?, updated_at = ` + dialect.Now(s.driver)
	args := []interface{}{connectedAt}
	if version != "" {
		query += `, agent_version = ?`
		args = append(args, version)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update agent connection: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

func (s *sqlStore) UpdateAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces SET agent_last_heartbeat = ?, updated_at = `+dialect.Now(s.driver)+`
		WHERE id = ?
	`), at, id)
	if err != nil {
		return fmt.Errorf("update agent heartbeat: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

func (s *sqlStore) UpdateContainerState(ctx context.Context, id, containerID, status, ip string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces
		SET container_id = ?, container_status = ?, container_ip = ?, updated_at = `+dialect.Now(s.driver)+`
		WHERE id = ?
	`), containerID, status, ip, id)
	if err != nil {
		return fmt.Errorf("update container state: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM workspaces WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete workspace: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("workspace not found: %s", id)
	}
	return nil
}

// generateAgentToken returns a 32-byte random hex token. Agents present it
// during registration and the registry compares it against the stored value.
func generateAgentToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
