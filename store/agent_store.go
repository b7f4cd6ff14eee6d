package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskcoord/coordinator/agent"
)

// AgentStore implements agent.Store against the shared SQLite pool.
type AgentStore struct {
	db    *sql.DB
	store *Store
}

func (s *AgentStore) Upsert(ctx context.Context, a *agent.Agent) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		a.UpdatedAt = now
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.Status == "" {
			a.Status = agent.StatusOffline
		}
		if a.SuccessRate == 0 {
			a.SuccessRate = 1
		}

		_, err := s.db.ExecContext(ctx, `
INSERT INTO agents (
	name, discord_user_id, role, status, capabilities, skills,
	total_tasks, completed_tasks, failed_tasks, success_rate,
	current_task_id, last_heartbeat, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
	discord_user_id = excluded.discord_user_id,
	role = excluded.role,
	capabilities = excluded.capabilities,
	skills = excluded.skills,
	updated_at = excluded.updated_at,
	deleted_at = NULL`,
			a.Name, a.DiscordUserID, string(a.Role), string(a.Status), marshalStrings(a.Capabilities), marshalStrings(a.Skills),
			a.TotalTasks, a.CompletedTasks, a.FailedTasks, a.SuccessRate,
			nullInt64(a.CurrentTaskID), nullTime(a.LastHeartbeat), nullTime(&a.CreatedAt), nullTime(&a.UpdatedAt))
		if err != nil {
			return fmt.Errorf("store: upsert agent %q: %w", a.Name, err)
		}
		return nil
	})
}

func (s *AgentStore) Get(ctx context.Context, name string) (*agent.Agent, error) {
	var out *agent.Agent
	err := s.store.do(ctx, func(ctx context.Context) error {
		a, err := getAgent(ctx, s.db, name)
		out = a
		return err
	})
	return out, err
}

// GetTx reads an agent inside a caller-managed transaction.
func (s *AgentStore) GetTx(ctx context.Context, tx *sql.Tx, name string) (*agent.Agent, error) {
	return getAgent(ctx, tx, name)
}

func getAgent(ctx context.Context, ex execer, name string) (*agent.Agent, error) {
	row := ex.QueryRowContext(ctx, agentSelectColumns+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (s *AgentStore) Update(ctx context.Context, a *agent.Agent) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return updateAgent(ctx, s.db, a)
	})
}

// UpdateTx applies the same update as Update but against a caller-managed
// transaction (see coordinator.Coordinator.ClaimTask's idempotency-guarded
// claim, which bumps the claiming agent's status in the same transaction).
func (s *AgentStore) UpdateTx(ctx context.Context, tx *sql.Tx, a *agent.Agent) error {
	return updateAgent(ctx, tx, a)
}

func updateAgent(ctx context.Context, ex execer, a *agent.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	res, err := ex.ExecContext(ctx, `
UPDATE agents SET
	role = ?, status = ?, capabilities = ?, skills = ?,
	total_tasks = ?, completed_tasks = ?, failed_tasks = ?, success_rate = ?,
	current_task_id = ?, last_heartbeat = ?, updated_at = ?
WHERE name = ? AND deleted_at IS NULL`,
		string(a.Role), string(a.Status), marshalStrings(a.Capabilities), marshalStrings(a.Skills),
		a.TotalTasks, a.CompletedTasks, a.FailedTasks, a.SuccessRate,
		nullInt64(a.CurrentTaskID), nullTime(a.LastHeartbeat), nullTime(&a.UpdatedAt), a.Name)
	if err != nil {
		return fmt.Errorf("store: update agent %q: %w", a.Name, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: update agent %q: %w", a.Name, sql.ErrNoRows)
	}
	return nil
}

func (s *AgentStore) List(ctx context.Context, f agent.Filter) ([]*agent.Agent, error) {
	var sb strings.Builder
	sb.WriteString(agentSelectColumns + ` FROM agents WHERE 1=1`)
	var args []any

	if !f.IncludeDeleted {
		sb.WriteString(" AND deleted_at IS NULL")
	}
	if f.Status != "" {
		sb.WriteString(" AND status = ?")
		args = append(args, string(f.Status))
	}
	if f.Skill != "" {
		sb.WriteString(" AND skills LIKE ?")
		args = append(args, "%\""+f.Skill+"\"%")
	}
	sb.WriteString(" ORDER BY name ASC")
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	}

	var out []*agent.Agent
	err := s.store.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, sb.String(), args...)
		if err != nil {
			return fmt.Errorf("store: list agents: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *AgentStore) SoftDelete(ctx context.Context, name string) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		return execOne(ctx, s.db, `UPDATE agents SET deleted_at = ?, updated_at = ? WHERE name = ? AND deleted_at IS NULL`,
			nullTime(&now), nullTime(&now), name)
	})
}

func (s *AgentStore) BindChannel(ctx context.Context, c *agent.Channel) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		c.CreatedAt = time.Now().UTC()
		_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_channels (agent_name, channel_id, created_at) VALUES (?, ?, ?)
ON CONFLICT(agent_name, channel_id) DO NOTHING`,
			c.AgentName, c.ChannelID, nullTime(&c.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: bind channel %q to agent %q: %w", c.ChannelID, c.AgentName, err)
		}
		return nil
	})
}

func (s *AgentStore) UnbindChannel(ctx context.Context, agentName, channelID string) error {
	return s.store.do(ctx, func(ctx context.Context) error {
		return execOne(ctx, s.db, `DELETE FROM agent_channels WHERE agent_name = ? AND channel_id = ?`, agentName, channelID)
	})
}

func (s *AgentStore) ChannelsForAgent(ctx context.Context, agentName string) ([]*agent.Channel, error) {
	var out []*agent.Channel
	err := s.store.do(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryContext(ctx, `
SELECT agent_name, channel_id, created_at FROM agent_channels WHERE agent_name = ? ORDER BY created_at ASC`, agentName)
		if err != nil {
			return fmt.Errorf("store: list channels for agent %q: %w", agentName, err)
		}
		defer func() { _ = rows.Close() }()
		channels, err := scanChannels(rows)
		out = channels
		return err
	})
	return out, err
}

func (s *AgentStore) AgentsForChannel(ctx context.Context, channelID string) ([]*agent.Agent, error) {
	var out []*agent.Agent
	err := s.store.do(ctx, func(ctx context.Context) error {
		out = nil
		rows, err := s.db.QueryContext(ctx, agentSelectColumns+`
FROM agents
WHERE name IN (SELECT agent_name FROM agent_channels WHERE channel_id = ?)
  AND deleted_at IS NULL ORDER BY name ASC`, channelID)
		if err != nil {
			return fmt.Errorf("store: list agents for channel %q: %w", channelID, err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return rows.Err()
	})
	return out, err
}

func scanChannels(rows *sql.Rows) ([]*agent.Channel, error) {
	var out []*agent.Channel
	for rows.Next() {
		var c agent.Channel
		var createdAt string
		if err := rows.Scan(&c.AgentName, &c.ChannelID, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan agent channel: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: parse agent channel created_at: %w", err)
		}
		c.CreatedAt = t
		out = append(out, &c)
	}
	return out, rows.Err()
}

const agentSelectColumns = `SELECT
	name, discord_user_id, role, status, capabilities, skills,
	total_tasks, completed_tasks, failed_tasks, success_rate,
	current_task_id, last_heartbeat, created_at, updated_at, deleted_at`

func scanAgent(row scanner) (*agent.Agent, error) {
	var a agent.Agent
	var discordUserID sql.NullString
	var role, status string
	var capabilities, skills string
	var currentTaskID sql.NullInt64
	var lastHeartbeat, deletedAt sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&a.Name, &discordUserID, &role, &status, &capabilities, &skills,
		&a.TotalTasks, &a.CompletedTasks, &a.FailedTasks, &a.SuccessRate,
		&currentTaskID, &lastHeartbeat, &createdAtStr, &updatedAtStr, &deletedAt,
	); err != nil {
		return nil, err
	}

	a.DiscordUserID = discordUserID.String
	a.Role = agent.Role(role)
	a.Status = agent.Status(status)
	a.Capabilities = unmarshalStrings(capabilities)
	a.Skills = unmarshalStrings(skills)

	if currentTaskID.Valid {
		v := currentTaskID.Int64
		a.CurrentTaskID = &v
	}

	var err error
	if a.LastHeartbeat, err = parseNullTime(lastHeartbeat); err != nil {
		return nil, err
	}
	a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("store: parse agent created_at: %w", err)
	}
	a.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("store: parse agent updated_at: %w", err)
	}
	if a.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, err
	}
	return &a, nil
}
