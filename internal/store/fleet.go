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

// takeAttempts bounds the select-then-conditional-update loop used by TakeReaction and TakePoolName.
const takeAttempts = 5

func (s *sqliteStore) CreateFleetServer(ctx context.Context, srv models.FleetServer) (models.FleetServer, error) {
	if srv.OwnerID == "" {
		return models.FleetServer{}, errors.New("fleet server owner id required")
	}
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.Status == "" {
		srv.Status = models.ServerProvisioning
	}
	if srv.MaxAgents <= 0 {
		srv.MaxAgents = 10
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO fleet_servers(`+ServerColumns+`) VALUES(?, ?, ?, ?, ?, NULL, NULL, ?)`,
		srv.ID, srv.OwnerID, srv.Name, srv.MaxAgents, srv.Status, now)
	if err != nil {
		return models.FleetServer{}, err
	}
	srv.CreatedAt = fromUnix(now)
	return srv, nil
}

func (s *sqliteStore) GetFleetServer(ctx context.Context, id string) (models.FleetServer, error) {
	srv, err := ScanServer(s.DB.QueryRowContext(ctx, `SELECT `+ServerColumns+` FROM fleet_servers WHERE server_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FleetServer{}, fmt.Errorf("fleet server %s: %w", id, ErrNotFound)
	}
	return srv, err
}

// ListFleetServers lists servers, optionally filtered by status ("" = all).
func (s *sqliteStore) ListFleetServers(ctx context.Context, status string) ([]models.FleetServer, error) {
	q := `SELECT ` + ServerColumns + ` FROM fleet_servers`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.FleetServer
	for rows.Next() {
		srv, err := ScanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetFleetServerStatus(ctx context.Context, id, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE fleet_servers SET status = ? WHERE server_id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fleet server %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) SetLastSeenPost(ctx context.Context, serverID, postID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_servers SET last_seen_post_id = ? WHERE server_id = ?`, NullString(postID), serverID)
	return err
}

func (s *sqliteStore) TouchServerAgentCreated(ctx context.Context, serverID string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_servers SET last_agent_created_at = ? WHERE server_id = ?`, now.Unix(), serverID)
	return err
}

func (s *sqliteStore) CreateFleetAgent(ctx context.Context, a models.FleetAgent) (models.FleetAgent, error) {
	a.Handle = strings.TrimSpace(a.Handle)
	if a.ServerID == "" || a.Handle == "" {
		return models.FleetAgent{}, errors.New("fleet agent server id and handle required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.HP <= 0 {
		a.HP = 100
	}
	now := time.Now().UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO fleet_agents(agent_id, server_id, name, handle, hp, is_alive, is_deployed, avatar_set, banner_set, created_at) VALUES(?, ?, ?, ?, ?, 1, 0, 0, 0, ?)`,
		a.ID, a.ServerID, a.Name, a.Handle, a.HP, now)
	if err != nil {
		return models.FleetAgent{}, err
	}
	return s.GetFleetAgent(ctx, a.ID)
}

func (s *sqliteStore) GetFleetAgent(ctx context.Context, id string) (models.FleetAgent, error) {
	a, err := ScanFleetAgent(s.DB.QueryRowContext(ctx, `SELECT `+FleetAgentColumns+` FROM fleet_agents WHERE agent_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FleetAgent{}, fmt.Errorf("fleet agent %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) ListFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error) {
	return s.queryFleetAgents(ctx, `SELECT `+FleetAgentColumns+` FROM fleet_agents WHERE server_id = ? ORDER BY created_at ASC`, serverID)
}

func (s *sqliteStore) CountAliveFleetAgents(ctx context.Context, serverID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM fleet_agents WHERE server_id = ? AND is_alive = 1`, serverID).Scan(&n)
	return n, err
}

// NextUndeployedFleetAgent returns the oldest unclaimed, undeployed, alive agent on an
// active server, or nil when there is none.
func (s *sqliteStore) NextUndeployedFleetAgent(ctx context.Context) (*models.FleetAgent, error) {
	return s.firstFleetAgent(ctx, `
SELECT `+prefixed("a", FleetAgentColumns)+` FROM fleet_agents a
JOIN fleet_servers s ON s.server_id = a.server_id
WHERE a.is_deployed = 0 AND a.is_alive = 1 AND a.deploy_claimed_at IS NULL AND s.status = 'active'
ORDER BY a.created_at ASC, a.agent_id ASC LIMIT 1`)
}

func (s *sqliteStore) ClaimFleetAgentDeploy(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.stmtClaimDeploy.ExecContext(ctx, now.Unix(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ReleaseFleetAgentClaim(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET deploy_claimed_at = NULL WHERE agent_id = ? AND is_deployed = 0`, id)
	return err
}

// SetFleetAgentAccount records the external account of a not-yet-deployed agent
// so a retried deploy reuses it instead of creating another.
func (s *sqliteStore) SetFleetAgentAccount(ctx context.Context, id, externalID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET external_account_id = ? WHERE agent_id = ? AND is_deployed = 0`, externalID, id)
	return err
}

func (s *sqliteStore) MarkFleetAgentDeployed(ctx context.Context, id, externalID string, avatar, banner bool, now time.Time) error {
	if externalID == "" {
		return errors.New("external account id required")
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET external_account_id = ?, is_deployed = 1, avatar_set = ?, banner_set = ?, deployed_at = ? WHERE agent_id = ?`,
		externalID, BoolInt(avatar), BoolInt(banner), now.Unix(), id)
	return err
}

func (s *sqliteStore) SetFleetAgentAssets(ctx context.Context, id string, avatar, banner bool) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET avatar_set = ?, banner_set = ? WHERE agent_id = ?`, BoolInt(avatar), BoolInt(banner), id)
	return err
}

// NextFleetAgentMissingAssets returns one deployed, alive agent lacking an avatar or banner.
func (s *sqliteStore) NextFleetAgentMissingAssets(ctx context.Context) (*models.FleetAgent, error) {
	return s.firstFleetAgent(ctx, `SELECT `+FleetAgentColumns+` FROM fleet_agents
WHERE is_deployed = 1 AND is_alive = 1 AND (avatar_set = 0 OR banner_set = 0)
ORDER BY deployed_at ASC, agent_id ASC LIMIT 1`)
}

func (s *sqliteStore) ListDeployedAliveFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error) {
	return s.queryFleetAgents(ctx, `SELECT `+FleetAgentColumns+` FROM fleet_agents
WHERE server_id = ? AND is_deployed = 1 AND is_alive = 1 ORDER BY deployed_at ASC, agent_id ASC`, serverID)
}

// SampleDeployedFleetAgents picks a random batch of deployed, alive agents for health checks.
func (s *sqliteStore) SampleDeployedFleetAgents(ctx context.Context, limit int) ([]models.FleetAgent, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryFleetAgents(ctx, `SELECT `+FleetAgentColumns+` FROM fleet_agents
WHERE is_deployed = 1 AND is_alive = 1 ORDER BY RANDOM() LIMIT ?`, limit)
}

func (s *sqliteStore) UpdateFleetAgentHP(ctx context.Context, id string, hp int) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET hp = ? WHERE agent_id = ?`, hp, id)
	return err
}

func (s *sqliteStore) MarkFleetAgentDead(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_agents SET is_alive = 0, hp = 0, died_at = ? WHERE agent_id = ? AND is_alive = 1`, now.Unix(), id)
	return err
}

// DeleteDeadFleetAgents removes dead agents; their fleet jobs cascade.
func (s *sqliteStore) DeleteDeadFleetAgents(ctx context.Context) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_jobs WHERE agent_id IN (SELECT agent_id FROM fleet_agents WHERE is_alive = 0)`); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM fleet_agents WHERE is_alive = 0`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (s *sqliteStore) FleetHandleExists(ctx context.Context, handle string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM fleet_agents WHERE lower(handle) = lower(?)) +
  (SELECT COUNT(*) FROM agents WHERE lower(handle) = lower(?))`, handle, handle).Scan(&n)
	return n > 0, err
}

// ListKnownHandles returns every handle in use or pooled, lowercased.
func (s *sqliteStore) ListKnownHandles(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT lower(handle) FROM fleet_agents
UNION SELECT lower(handle) FROM agents
UNION SELECT lower(handle) FROM name_pool`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) firstFleetAgent(ctx context.Context, q string, args ...any) (*models.FleetAgent, error) {
	a, err := ScanFleetAgent(s.DB.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *sqliteStore) queryFleetAgents(ctx context.Context, q string, args ...any) ([]models.FleetAgent, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []models.FleetAgent
	for rows.Next() {
		a, err := ScanFleetAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateFleetJob(ctx context.Context, j models.FleetJob) (models.FleetJob, error) {
	if j.ServerID == "" || j.AgentID == "" {
		return models.FleetJob{}, errors.New("fleet job server id and agent id required")
	}
	if !j.Action.IsFleetAction() {
		return models.FleetJob{}, fmt.Errorf("action %q not allowed for fleet jobs", j.Action)
	}
	now := time.Now().UTC()
	if j.Payload == "" {
		j.Payload = "{}"
	}
	if j.ScheduledFor.IsZero() {
		j.ScheduledFor = now
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO fleet_jobs(server_id, agent_id, action_type, action_payload, status, scheduled_for, retry_count, created_at) VALUES(?, ?, ?, ?, 'pending', ?, 0, ?)`,
		j.ServerID, j.AgentID, string(j.Action), j.Payload, j.ScheduledFor.Unix(), now.Unix())
	if err != nil {
		return models.FleetJob{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.FleetJob{}, err
	}
	return s.GetFleetJob(ctx, id)
}

func (s *sqliteStore) GetFleetJob(ctx context.Context, id int64) (models.FleetJob, error) {
	j, err := ScanFleetJob(s.DB.QueryRowContext(ctx, `SELECT `+FleetJobColumns+` FROM fleet_jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.FleetJob{}, fmt.Errorf("fleet job %d: %w", id, ErrNotFound)
	}
	return j, err
}

func (s *sqliteStore) ListFleetJobs(ctx context.Context, agentID string, limit int) ([]models.FleetJob, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+FleetJobColumns+` FROM fleet_jobs WHERE agent_id = ? ORDER BY job_id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	return collectFleetJobs(rows)
}

func (s *sqliteStore) ListDueFleetJobs(ctx context.Context, now time.Time, limit int) ([]models.FleetJob, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.stmtListDueFleetJobs.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, err
	}
	return collectFleetJobs(rows)
}

func (s *sqliteStore) ClaimFleetJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.stmtClaimFleetJob.ExecContext(ctx, now.Unix(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) CompleteFleetJob(ctx context.Context, id int64, result string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_jobs SET status = 'completed', result = ?, error = NULL, completed_at = ? WHERE job_id = ?`, result, now.Unix(), id)
	return err
}

// RequeueFleetJob puts a running job back to pending at runAt and bumps retry_count.
func (s *sqliteStore) RequeueFleetJob(ctx context.Context, id int64, runAt time.Time, errMsg string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_jobs SET status = 'pending', scheduled_for = ?, error = ?, started_at = NULL, retry_count = retry_count + 1 WHERE job_id = ?`,
		runAt.Unix(), errMsg, id)
	return err
}

func (s *sqliteStore) FailFleetJob(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE fleet_jobs SET status = 'failed', error = ?, completed_at = ? WHERE job_id = ?`, errMsg, now.Unix(), id)
	return err
}

func (s *sqliteStore) CancelPendingFleetJobsForAgent(ctx context.Context, agentID, reason string, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE fleet_jobs SET status = 'failed', error = ?, completed_at = ? WHERE agent_id = ? AND status = 'pending'`, reason, now.Unix(), agentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CancelPendingFleetJobsForServer(ctx context.Context, serverID, reason string, now time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE fleet_jobs SET status = 'failed', error = ?, completed_at = ? WHERE server_id = ? AND status = 'pending'`, reason, now.Unix(), serverID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func collectFleetJobs(rows *sql.Rows) ([]models.FleetJob, error) {
	defer func() { _ = rows.Close() }()
	var out []models.FleetJob
	for rows.Next() {
		j, err := ScanFleetJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertReactions(ctx context.Context, serverID, spitID string, texts []string) error {
	if len(texts) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC().Unix()
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO reaction_cache(server_id, spit_id, content, used, created_at) VALUES(?, ?, ?, 0, ?)`, serverID, spitID, t, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TakeReaction consumes one unused cached reaction. ok is false when the cache is empty.
func (s *sqliteStore) TakeReaction(ctx context.Context, serverID, spitID string) (string, bool, error) {
	for i := 0; i < takeAttempts; i++ {
		var (
			id      int64
			content string
		)
		err := s.DB.QueryRowContext(ctx, `SELECT reaction_id, content FROM reaction_cache WHERE server_id = ? AND spit_id = ? AND used = 0 ORDER BY reaction_id ASC LIMIT 1`,
			serverID, spitID).Scan(&id, &content)
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		res, err := s.DB.ExecContext(ctx, `UPDATE reaction_cache SET used = 1 WHERE reaction_id = ? AND used = 0`, id)
		if err != nil {
			return "", false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return content, true, nil
		}
	}
	return "", false, nil
}

func (s *sqliteStore) CountUnusedReactions(ctx context.Context, serverID, spitID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM reaction_cache WHERE server_id = ? AND spit_id = ? AND used = 0`, serverID, spitID).Scan(&n)
	return n, err
}

func (s *sqliteStore) PurgeUsedReactions(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM reaction_cache WHERE used = 1`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// InsertPoolNames adds names to the pool, ignoring handles already present. Returns rows inserted.
func (s *sqliteStore) InsertPoolNames(ctx context.Context, names []models.PoolName) (int, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC().Unix()
	inserted := 0
	for _, n := range names {
		h := strings.TrimSpace(n.Handle)
		if h == "" || strings.TrimSpace(n.Name) == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO name_pool(name, handle, used, created_at) VALUES(?, ?, 0, ?)`, strings.TrimSpace(n.Name), h, now)
		if err != nil {
			return 0, err
		}
		if c, _ := res.RowsAffected(); c > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// TakePoolName consumes the oldest unused pool entry, or returns nil when the pool is empty.
func (s *sqliteStore) TakePoolName(ctx context.Context) (*models.PoolName, error) {
	for i := 0; i < takeAttempts; i++ {
		var (
			id int64
			p  models.PoolName
		)
		err := s.DB.QueryRowContext(ctx, `SELECT name_id, name, handle FROM name_pool WHERE used = 0 ORDER BY name_id ASC LIMIT 1`).Scan(&id, &p.Name, &p.Handle)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		res, err := s.DB.ExecContext(ctx, `UPDATE name_pool SET used = 1 WHERE name_id = ? AND used = 0`, id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *sqliteStore) CountPoolNames(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM name_pool WHERE used = 0`).Scan(&n)
	return n, err
}

// prefixed qualifies each column in a comma-separated list with a table alias.
func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
