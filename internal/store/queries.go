package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/sybil/pkg/models"
	"github.com/google/uuid"
)

func (s *sqliteStore) CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error) {
	a.Handle = strings.TrimSpace(a.Handle)
	if a.Handle == "" {
		return models.Agent{}, errors.New("agent handle required")
	}
	if a.ExternalID == "" {
		return models.Agent{}, errors.New("agent external id required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Frequency <= 0 {
		a.Frequency = models.DefaultFrequency
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO agents(`+AgentColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ExternalID, a.Handle, a.Personality, a.Frequency, BoolInt(a.Active), a.OwnerID, now)
	if err != nil {
		return models.Agent{}, err
	}
	a.CreatedAt = fromUnix(now)
	return a, nil
}

func (s *sqliteStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	a, err := ScanAgent(s.DB.QueryRowContext(ctx, `SELECT `+AgentColumns+` FROM agents WHERE agent_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+AgentColumns+` FROM agents ORDER BY created_at ASC`)
}

func (s *sqliteStore) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+AgentColumns+` FROM agents WHERE active = 1 ORDER BY created_at ASC`)
}

func (s *sqliteStore) queryAgents(ctx context.Context, q string, args ...any) ([]models.Agent, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.Agent
	for rows.Next() {
		a, err := ScanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAgentActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE agents SET active = ? WHERE agent_id = ?`, BoolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UpsertAgentConfig(ctx context.Context, cfg models.AgentConfig) error {
	if cfg.AgentID == "" {
		return errors.New("agent id required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_configs(`+AgentConfigColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(agent_id) DO UPDATE SET
  enabled_actions = excluded.enabled_actions,
  combat_strategy = excluded.combat_strategy,
  banking_strategy = excluded.banking_strategy,
  target_mode = excluded.target_mode,
  auto_heal_threshold = excluded.auto_heal_threshold,
  policy_hint = excluded.policy_hint`,
		cfg.AgentID, EncodeActions(cfg.EnabledActions), cfg.CombatStrategy, cfg.BankingStrategy, cfg.TargetMode, cfg.AutoHealThreshold, cfg.PolicyHint)
	return err
}

func (s *sqliteStore) GetAgentConfig(ctx context.Context, agentID string) (models.AgentConfig, error) {
	c, err := ScanAgentConfig(s.DB.QueryRowContext(ctx, `SELECT `+AgentConfigColumns+` FROM agent_configs WHERE agent_id = ?`, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentConfig{}, fmt.Errorf("agent config %s: %w", agentID, ErrNotFound)
	}
	return c, err
}

func (s *sqliteStore) CreateJob(ctx context.Context, j models.Job) (models.Job, error) {
	if j.AgentID == "" {
		return models.Job{}, errors.New("job agent id required")
	}
	if !j.Action.Valid() {
		return models.Job{}, fmt.Errorf("invalid job action %q", j.Action)
	}
	now := time.Now().UTC()
	if j.Status == "" {
		j.Status = models.StatusPending
	}
	if j.Source == "" {
		j.Source = models.SourceScheduler
	}
	if j.Payload == "" {
		j.Payload = "{}"
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO jobs(agent_id, action_type, action_payload, status, source, scheduled_for, retry_count, created_at) VALUES(?, ?, ?, ?, ?, ?, 0, ?)`,
		j.AgentID, string(j.Action), j.Payload, j.Status, j.Source, j.ScheduledFor.Unix(), now.Unix())
	if err != nil {
		return models.Job{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Job{}, err
	}
	return s.GetJob(ctx, id)
}

func (s *sqliteStore) GetJob(ctx context.Context, id int64) (models.Job, error) {
	j, err := ScanJob(s.DB.QueryRowContext(ctx, `SELECT `+JobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.stmtListDueJobs.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ClaimJob moves a job from pending to running if it is still pending (optimistic lock).
// Returns true if this caller won the claim.
func (s *sqliteStore) ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.stmtClaimJob.ExecContext(ctx, now.Unix(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) CompleteJob(ctx context.Context, id int64, result string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = 'completed', result = ?, error = NULL, completed_at = ? WHERE job_id = ?`, result, now.Unix(), id)
	return err
}

func (s *sqliteStore) FailJob(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE jobs SET status = 'failed', error = ?, completed_at = ? WHERE job_id = ?`, errMsg, now.Unix(), id)
	return err
}

func (s *sqliteStore) CountPendingJobs(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.stmtCountPending.QueryRowContext(ctx, agentID).Scan(&n)
	return n, err
}

// CountScheduledJobsSince counts scheduler-sourced jobs for the agent that started at or after since.
func (s *sqliteStore) CountScheduledJobsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE agent_id = ? AND source = 'scheduler' AND status IN ('running','completed','failed') AND started_at >= ?`,
		agentID, since.Unix()).Scan(&n)
	return n, err
}

// HasJobSince reports whether the agent has an outstanding (pending or running) job
// for action, or one that completed at or after since. Failed jobs do not count.
func (s *sqliteStore) HasJobSince(ctx context.Context, agentID string, action models.Action, since time.Time) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE agent_id = ? AND action_type = ?
		AND (status IN ('pending','running') OR (status = 'completed' AND completed_at >= ?))`,
		agentID, string(action), since.Unix()).Scan(&n)
	return n > 0, err
}

// ListJobs returns the most recent jobs, optionally filtered by agent ("" = all agents).
func (s *sqliteStore) ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	q := `SELECT ` + JobColumns + ` FROM jobs`
	args := []any{}
	if agentID != "" {
		q += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY job_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (s *sqliteStore) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]int64{}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) IncrementDailyActions(ctx context.Context, agentID, date string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO daily_action_counters(agent_id, date, actions_used) VALUES(?, ?, 1)
ON CONFLICT(agent_id, date) DO UPDATE SET actions_used = actions_used + 1`, agentID, date)
	return err
}

func (s *sqliteStore) GetDailyActions(ctx context.Context, agentID, date string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT actions_used FROM daily_action_counters WHERE agent_id = ? AND date = ?`, agentID, date).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	defer func() { _ = rows.Close() }()
	var out []models.Job
	for rows.Next() {
		j, err := ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
