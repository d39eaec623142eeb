package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ankittk/sybil/internal/store"
	"github.com/ankittk/sybil/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return err
}

func (s *Store) CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error) {
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
	_, err := s.Pool.Exec(ctx, `INSERT INTO agents(`+store.AgentColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.ExternalID, a.Handle, a.Personality, a.Frequency, store.BoolInt(a.Active), a.OwnerID, now)
	if err != nil {
		return models.Agent{}, err
	}
	a.CreatedAt = time.Unix(now, 0).UTC()
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	a, err := store.ScanAgent(s.Pool.QueryRow(ctx, `SELECT `+store.AgentColumns+` FROM agents WHERE agent_id = $1`, id))
	if err != nil {
		return models.Agent{}, notFound(err, "agent "+id)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+store.AgentColumns+` FROM agents ORDER BY created_at ASC`)
}

func (s *Store) ListActiveAgents(ctx context.Context) ([]models.Agent, error) {
	return s.queryAgents(ctx, `SELECT `+store.AgentColumns+` FROM agents WHERE active = 1 ORDER BY created_at ASC`)
}

func (s *Store) queryAgents(ctx context.Context, q string, args ...any) ([]models.Agent, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Agent
	for rows.Next() {
		a, err := store.ScanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetAgentActive(ctx context.Context, id string, active bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE agents SET active = $1 WHERE agent_id = $2`, store.BoolInt(active), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertAgentConfig(ctx context.Context, cfg models.AgentConfig) error {
	if cfg.AgentID == "" {
		return errors.New("agent id required")
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO agent_configs(`+store.AgentConfigColumns+`) VALUES($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (agent_id) DO UPDATE SET
  enabled_actions = EXCLUDED.enabled_actions,
  combat_strategy = EXCLUDED.combat_strategy,
  banking_strategy = EXCLUDED.banking_strategy,
  target_mode = EXCLUDED.target_mode,
  auto_heal_threshold = EXCLUDED.auto_heal_threshold,
  policy_hint = EXCLUDED.policy_hint`,
		cfg.AgentID, store.EncodeActions(cfg.EnabledActions), cfg.CombatStrategy, cfg.BankingStrategy, cfg.TargetMode, cfg.AutoHealThreshold, cfg.PolicyHint)
	return err
}

func (s *Store) GetAgentConfig(ctx context.Context, agentID string) (models.AgentConfig, error) {
	c, err := store.ScanAgentConfig(s.Pool.QueryRow(ctx, `SELECT `+store.AgentConfigColumns+` FROM agent_configs WHERE agent_id = $1`, agentID))
	if err != nil {
		return models.AgentConfig{}, notFound(err, "agent config "+agentID)
	}
	return c, nil
}

func (s *Store) CreateJob(ctx context.Context, j models.Job) (models.Job, error) {
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
	return store.ScanJob(s.Pool.QueryRow(ctx, `
INSERT INTO jobs(agent_id, action_type, action_payload, status, source, scheduled_for, retry_count, created_at)
VALUES($1, $2, $3, $4, $5, $6, 0, $7) RETURNING `+store.JobColumns,
		j.AgentID, string(j.Action), j.Payload, j.Status, j.Source, j.ScheduledFor.Unix(), now.Unix()))
}

func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	j, err := store.ScanJob(s.Pool.QueryRow(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE job_id = $1`, id))
	if err != nil {
		return models.Job{}, notFound(err, fmt.Sprintf("job %d", id))
	}
	return j, nil
}

func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryJobs(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE status = 'pending' AND scheduled_for <= $1 ORDER BY scheduled_for ASC, job_id ASC LIMIT $2`, now.Unix(), limit)
}

func (s *Store) ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE jobs SET status = 'running', started_at = $1 WHERE job_id = $2 AND status = 'pending'`, now.Unix(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteJob(ctx context.Context, id int64, result string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE jobs SET status = 'completed', result = $1, error = NULL, completed_at = $2 WHERE job_id = $3`, result, now.Unix(), id)
	return err
}

func (s *Store) FailJob(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE jobs SET status = 'failed', error = $1, completed_at = $2 WHERE job_id = $3`, errMsg, now.Unix(), id)
	return err
}

func (s *Store) CountPendingJobs(ctx context.Context, agentID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE agent_id = $1 AND status = 'pending'`, agentID)
}

func (s *Store) CountScheduledJobsSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE agent_id = $1 AND source = 'scheduler' AND status IN ('running','completed','failed') AND started_at >= $2`,
		agentID, since.Unix())
}

func (s *Store) HasJobSince(ctx context.Context, agentID string, action models.Action, since time.Time) (bool, error) {
	n, err := s.count(ctx, `SELECT COUNT(*) FROM jobs WHERE agent_id = $1 AND action_type = $2
		AND (status IN ('pending','running') OR (status = 'completed' AND completed_at >= $3))`,
		agentID, string(action), since.Unix())
	return n > 0, err
}

func (s *Store) ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	if agentID == "" {
		return s.queryJobs(ctx, `SELECT `+store.JobColumns+` FROM jobs ORDER BY job_id DESC LIMIT $1`, limit)
	}
	return s.queryJobs(ctx, `SELECT `+store.JobColumns+` FROM jobs WHERE agent_id = $1 ORDER BY job_id DESC LIMIT $2`, agentID, limit)
}

func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) IncrementDailyActions(ctx context.Context, agentID, date string) error {
	_, err := s.Pool.Exec(ctx, `
INSERT INTO daily_action_counters(agent_id, date, actions_used) VALUES($1, $2, 1)
ON CONFLICT (agent_id, date) DO UPDATE SET actions_used = daily_action_counters.actions_used + 1`, agentID, date)
	return err
}

func (s *Store) GetDailyActions(ctx context.Context, agentID, date string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT actions_used FROM daily_action_counters WHERE agent_id = $1 AND date = $2`, agentID, date).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]models.Job, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		j, err := store.ScanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) count(ctx context.Context, q string, args ...any) (int, error) {
	var n int64
	if err := s.Pool.QueryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return int(n), nil
}
