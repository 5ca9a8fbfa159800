package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/db"
	"github.com/kandev/agentplane/internal/messagebus"
	"github.com/kandev/agentplane/internal/registry"
)

// SQLStore writes snapshots to SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader
	ownsDB bool
}

// NewSQLStore creates the schema on pool and returns a store over it.
// When owns is true, Close closes the pool.
func NewSQLStore(pool *db.Pool, owns bool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader(), ownsDB: owns}
	if err := s.initSchema(); err != nil {
		if owns {
			_ = pool.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	statements := []string{`
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL,
		state TEXT NOT NULL,
		zone TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		last_heartbeat TIMESTAMP NOT NULL,
		registered_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL DEFAULT '',
		capability TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		data TEXT,
		result TEXT,
		history TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id)`, `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		content TEXT NOT NULL,
		expires_at BIGINT,
		created_at TIMESTAMP NOT NULL
	)`, `
	CREATE INDEX IF NOT EXISTS idx_messages_expires_at ON messages(expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connections when the store owns them.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.db.DriverName() == db.DriverSQLite {
		_, _ = s.db.Exec("PRAGMA optimize")
	}
	return db.NewPool(s.db, s.ro).Close()
}

func (s *SQLStore) SaveAgent(ctx context.Context, agent registry.AgentRecord) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, name, role, capabilities, state, zone, model, last_heartbeat, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			role = EXCLUDED.role,
			capabilities = EXCLUDED.capabilities,
			state = EXCLUDED.state,
			zone = EXCLUDED.zone,
			model = EXCLUDED.model,
			last_heartbeat = EXCLUDED.last_heartbeat,
			registered_at = EXCLUDED.registered_at,
			updated_at = EXCLUDED.updated_at
	`), agent.AgentID, agent.Name, agent.Role, string(caps), string(agent.State), agent.Zone, agent.Model,
		agent.LastHeartbeat.UTC(), agent.RegisteredAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save agent %s: %w", agent.AgentID, err)
	}
	return nil
}

func (s *SQLStore) SaveTask(ctx context.Context, task controller.Task) error {
	data, err := encodeNullable(task.Data)
	if err != nil {
		return fmt.Errorf("failed to encode task data: %w", err)
	}
	result, err := encodeNullable(task.Result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	history, err := json.Marshal(task.History)
	if err != nil {
		return fmt.Errorf("failed to encode task history: %w", err)
	}
	var completedAt sql.NullTime
	if task.CompletedAt != nil {
		completedAt = sql.NullTime{Time: task.CompletedAt.UTC(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO tasks (id, agent_id, capability, task_type, priority, status, reason, data, result, history, created_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			result = EXCLUDED.result,
			history = EXCLUDED.history,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`), task.TaskID, task.AgentID, task.Capability, task.TaskType, string(task.Priority), string(task.Status),
		task.Reason, data, result, string(history), task.CreatedAt.UTC(), completedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *SQLStore) SaveMessage(ctx context.Context, msg messagebus.AgentMessage) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message content: %w", err)
	}
	var expiresAt sql.NullInt64
	if exp := msg.ExpiresAt(); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO messages (id, from_agent, to_agent, topic, message_type, priority, content, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), msg.ID, msg.FromAgent, msg.ToAgent, msg.Topic, string(msg.MessageType), string(msg.Priority),
		string(content), expiresAt, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *SQLStore) DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired messages: %w", err)
	}
	return res.RowsAffected()
}

type agentRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	Role          string    `db:"role"`
	Capabilities  string    `db:"capabilities"`
	State         string    `db:"state"`
	Zone          string    `db:"zone"`
	Model         string    `db:"model"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	RegisteredAt  time.Time `db:"registered_at"`
}

// ListAgents returns the stored agents ordered by registration time.
func (s *SQLStore) ListAgents(ctx context.Context) ([]registry.AgentRecord, error) {
	var rows []agentRow
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, name, role, capabilities, state, zone, model, last_heartbeat, registered_at
		FROM agents ORDER BY registered_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	out := make([]registry.AgentRecord, 0, len(rows))
	for _, r := range rows {
		var caps []string
		if err := json.Unmarshal([]byte(r.Capabilities), &caps); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities of %s: %w", r.ID, err)
		}
		out = append(out, registry.AgentRecord{
			AgentID:       r.ID,
			Name:          r.Name,
			Role:          r.Role,
			Capabilities:  caps,
			State:         registry.AgentState(r.State),
			Zone:          r.Zone,
			Model:         r.Model,
			LastHeartbeat: r.LastHeartbeat,
			RegisteredAt:  r.RegisteredAt,
		})
	}
	return out, nil
}

type taskRow struct {
	ID          string         `db:"id"`
	AgentID     string         `db:"agent_id"`
	Capability  string         `db:"capability"`
	TaskType    string         `db:"task_type"`
	Priority    string         `db:"priority"`
	Status      string         `db:"status"`
	Reason      string         `db:"reason"`
	Data        sql.NullString `db:"data"`
	Result      sql.NullString `db:"result"`
	History     string         `db:"history"`
	CreatedAt   time.Time      `db:"created_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

// GetTask returns the stored snapshot of a task, or sql.ErrNoRows.
func (s *SQLStore) GetTask(ctx context.Context, id string) (controller.Task, error) {
	var r taskRow
	err := s.ro.GetContext(ctx, &r, s.ro.Rebind(`
		SELECT id, agent_id, capability, task_type, priority, status, reason, data, result, history, created_at, completed_at
		FROM tasks WHERE id = ?`), id)
	if err != nil {
		return controller.Task{}, err
	}
	task := controller.Task{
		TaskID:     r.ID,
		AgentID:    r.AgentID,
		Capability: r.Capability,
		TaskType:   r.TaskType,
		Priority:   controller.Priority(r.Priority),
		Status:     controller.TaskStatus(r.Status),
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		task.CompletedAt = &t
	}
	if err := decodeNullable(r.Data, &task.Data); err != nil {
		return controller.Task{}, err
	}
	if err := decodeNullable(r.Result, &task.Result); err != nil {
		return controller.Task{}, err
	}
	if err := json.Unmarshal([]byte(r.History), &task.History); err != nil {
		return controller.Task{}, fmt.Errorf("failed to decode task history: %w", err)
	}
	return task, nil
}

// CountMessages returns the number of stored messages.
func (s *SQLStore) CountMessages(ctx context.Context) (int, error) {
	var n int
	if err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages`); err != nil {
		return 0, err
	}
	return n, nil
}

func encodeNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeNullable(s sql.NullString, out *any) error {
	if !s.Valid {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), out); err != nil {
		return errors.Join(errors.New("failed to decode column"), err)
	}
	return nil
}
