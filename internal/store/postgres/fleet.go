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

func (s *Store) CreateFleetServer(ctx context.Context, srv models.FleetServer) (models.FleetServer, error) {
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
	return store.ScanServer(s.Pool.QueryRow(ctx, `
INSERT INTO fleet_servers(server_id, owner_id, name, max_agents, status, created_at)
VALUES($1, $2, $3, $4, $5, $6) RETURNING `+store.ServerColumns,
		srv.ID, srv.OwnerID, srv.Name, srv.MaxAgents, srv.Status, time.Now().UTC().Unix()))
}

func (s *Store) GetFleetServer(ctx context.Context, id string) (models.FleetServer, error) {
	srv, err := store.ScanServer(s.Pool.QueryRow(ctx, `SELECT `+store.ServerColumns+` FROM fleet_servers WHERE server_id = $1`, id))
	if err != nil {
		return models.FleetServer{}, notFound(err, "fleet server "+id)
	}
	return srv, nil
}

func (s *Store) ListFleetServers(ctx context.Context, status string) ([]models.FleetServer, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.Pool.Query(ctx, `SELECT `+store.ServerColumns+` FROM fleet_servers ORDER BY created_at ASC`)
	} else {
		rows, err = s.Pool.Query(ctx, `SELECT `+store.ServerColumns+` FROM fleet_servers WHERE status = $1 ORDER BY created_at ASC`, status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FleetServer
	for rows.Next() {
		srv, err := store.ScanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

func (s *Store) SetFleetServerStatus(ctx context.Context, id, status string) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE fleet_servers SET status = $1 WHERE server_id = $2`, status, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fleet server %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SetLastSeenPost(ctx context.Context, serverID, postID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_servers SET last_seen_post_id = $1 WHERE server_id = $2`, store.NullString(postID), serverID)
	return err
}

func (s *Store) TouchServerAgentCreated(ctx context.Context, serverID string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_servers SET last_agent_created_at = $1 WHERE server_id = $2`, now.Unix(), serverID)
	return err
}

func (s *Store) CreateFleetAgent(ctx context.Context, a models.FleetAgent) (models.FleetAgent, error) {
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
	return store.ScanFleetAgent(s.Pool.QueryRow(ctx, `
INSERT INTO fleet_agents(agent_id, server_id, name, handle, hp, is_alive, is_deployed, avatar_set, banner_set, created_at)
VALUES($1, $2, $3, $4, $5, 1, 0, 0, 0, $6) RETURNING `+store.FleetAgentColumns,
		a.ID, a.ServerID, a.Name, a.Handle, a.HP, time.Now().UTC().Unix()))
}

func (s *Store) GetFleetAgent(ctx context.Context, id string) (models.FleetAgent, error) {
	a, err := store.ScanFleetAgent(s.Pool.QueryRow(ctx, `SELECT `+store.FleetAgentColumns+` FROM fleet_agents WHERE agent_id = $1`, id))
	if err != nil {
		return models.FleetAgent{}, notFound(err, "fleet agent "+id)
	}
	return a, nil
}

func (s *Store) ListFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error) {
	return s.queryFleetAgents(ctx, `SELECT `+store.FleetAgentColumns+` FROM fleet_agents WHERE server_id = $1 ORDER BY created_at ASC`, serverID)
}

func (s *Store) CountAliveFleetAgents(ctx context.Context, serverID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM fleet_agents WHERE server_id = $1 AND is_alive = 1`, serverID)
}

func (s *Store) NextUndeployedFleetAgent(ctx context.Context) (*models.FleetAgent, error) {
	return s.firstFleetAgent(ctx, `
SELECT a.agent_id, a.server_id, a.external_account_id, a.name, a.handle, a.hp, a.is_alive, a.is_deployed,
  a.avatar_set, a.banner_set, a.deploy_claimed_at, a.deployed_at, a.died_at, a.created_at
FROM fleet_agents a JOIN fleet_servers s ON s.server_id = a.server_id
WHERE a.is_deployed = 0 AND a.is_alive = 1 AND a.deploy_claimed_at IS NULL AND s.status = 'active'
ORDER BY a.created_at ASC, a.agent_id ASC LIMIT 1`)
}

func (s *Store) ClaimFleetAgentDeploy(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET deploy_claimed_at = $1
WHERE agent_id = $2 AND deploy_claimed_at IS NULL AND is_deployed = 0 AND is_alive = 1`, now.Unix(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ReleaseFleetAgentClaim(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET deploy_claimed_at = NULL WHERE agent_id = $1 AND is_deployed = 0`, id)
	return err
}

func (s *Store) SetFleetAgentAccount(ctx context.Context, id, externalID string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET external_account_id = $1 WHERE agent_id = $2 AND is_deployed = 0`, externalID, id)
	return err
}

func (s *Store) MarkFleetAgentDeployed(ctx context.Context, id, externalID string, avatar, banner bool, now time.Time) error {
	if externalID == "" {
		return errors.New("external account id required")
	}
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET external_account_id = $1, is_deployed = 1, avatar_set = $2, banner_set = $3, deployed_at = $4 WHERE agent_id = $5`,
		externalID, store.BoolInt(avatar), store.BoolInt(banner), now.Unix(), id)
	return err
}

func (s *Store) SetFleetAgentAssets(ctx context.Context, id string, avatar, banner bool) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET avatar_set = $1, banner_set = $2 WHERE agent_id = $3`, store.BoolInt(avatar), store.BoolInt(banner), id)
	return err
}

func (s *Store) NextFleetAgentMissingAssets(ctx context.Context) (*models.FleetAgent, error) {
	return s.firstFleetAgent(ctx, `SELECT `+store.FleetAgentColumns+` FROM fleet_agents
WHERE is_deployed = 1 AND is_alive = 1 AND (avatar_set = 0 OR banner_set = 0)
ORDER BY deployed_at ASC, agent_id ASC LIMIT 1`)
}

func (s *Store) ListDeployedAliveFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error) {
	return s.queryFleetAgents(ctx, `SELECT `+store.FleetAgentColumns+` FROM fleet_agents
WHERE server_id = $1 AND is_deployed = 1 AND is_alive = 1 ORDER BY deployed_at ASC, agent_id ASC`, serverID)
}

func (s *Store) SampleDeployedFleetAgents(ctx context.Context, limit int) ([]models.FleetAgent, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryFleetAgents(ctx, `SELECT `+store.FleetAgentColumns+` FROM fleet_agents
WHERE is_deployed = 1 AND is_alive = 1 ORDER BY RANDOM() LIMIT $1`, limit)
}

func (s *Store) UpdateFleetAgentHP(ctx context.Context, id string, hp int) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET hp = $1 WHERE agent_id = $2`, hp, id)
	return err
}

func (s *Store) MarkFleetAgentDead(ctx context.Context, id string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_agents SET is_alive = 0, hp = 0, died_at = $1 WHERE agent_id = $2 AND is_alive = 1`, now.Unix(), id)
	return err
}

func (s *Store) DeleteDeadFleetAgents(ctx context.Context) (int, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `DELETE FROM fleet_jobs WHERE agent_id IN (SELECT agent_id FROM fleet_agents WHERE is_alive = 0)`); err != nil {
		return 0, err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM fleet_agents WHERE is_alive = 0`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), tx.Commit(ctx)
}

func (s *Store) FleetHandleExists(ctx context.Context, handle string) (bool, error) {
	n, err := s.count(ctx, `SELECT
  (SELECT COUNT(*) FROM fleet_agents WHERE lower(handle) = lower($1)) +
  (SELECT COUNT(*) FROM agents WHERE lower(handle) = lower($1))`, handle)
	return n > 0, err
}

func (s *Store) ListKnownHandles(ctx context.Context) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `
SELECT lower(handle) FROM fleet_agents
UNION SELECT lower(handle) FROM agents
UNION SELECT lower(handle) FROM name_pool`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (s *Store) firstFleetAgent(ctx context.Context, q string, args ...any) (*models.FleetAgent, error) {
	a, err := store.ScanFleetAgent(s.Pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) queryFleetAgents(ctx context.Context, q string, args ...any) ([]models.FleetAgent, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FleetAgent
	for rows.Next() {
		a, err := store.ScanFleetAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateFleetJob(ctx context.Context, j models.FleetJob) (models.FleetJob, error) {
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
	return store.ScanFleetJob(s.Pool.QueryRow(ctx, `
INSERT INTO fleet_jobs(server_id, agent_id, action_type, action_payload, status, scheduled_for, retry_count, created_at)
VALUES($1, $2, $3, $4, 'pending', $5, 0, $6) RETURNING `+store.FleetJobColumns,
		j.ServerID, j.AgentID, string(j.Action), j.Payload, j.ScheduledFor.Unix(), now.Unix()))
}

func (s *Store) GetFleetJob(ctx context.Context, id int64) (models.FleetJob, error) {
	j, err := store.ScanFleetJob(s.Pool.QueryRow(ctx, `SELECT `+store.FleetJobColumns+` FROM fleet_jobs WHERE job_id = $1`, id))
	if err != nil {
		return models.FleetJob{}, notFound(err, fmt.Sprintf("fleet job %d", id))
	}
	return j, nil
}

func (s *Store) ListFleetJobs(ctx context.Context, agentID string, limit int) ([]models.FleetJob, error) {
	if limit <= 0 {
		limit = models.DefaultJobListLimit
	}
	return s.queryFleetJobs(ctx, `SELECT `+store.FleetJobColumns+` FROM fleet_jobs WHERE agent_id = $1 ORDER BY job_id DESC LIMIT $2`, agentID, limit)
}

func (s *Store) ListDueFleetJobs(ctx context.Context, now time.Time, limit int) ([]models.FleetJob, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryFleetJobs(ctx, `SELECT `+store.FleetJobColumns+` FROM fleet_jobs WHERE status = 'pending' AND scheduled_for <= $1 ORDER BY scheduled_for ASC, job_id ASC LIMIT $2`, now.Unix(), limit)
}

func (s *Store) ClaimFleetJob(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'running', started_at = $1 WHERE job_id = $2 AND status = 'pending'`, now.Unix(), id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) CompleteFleetJob(ctx context.Context, id int64, result string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'completed', result = $1, error = NULL, completed_at = $2 WHERE job_id = $3`, result, now.Unix(), id)
	return err
}

func (s *Store) RequeueFleetJob(ctx context.Context, id int64, runAt time.Time, errMsg string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'pending', scheduled_for = $1, error = $2, started_at = NULL, retry_count = retry_count + 1 WHERE job_id = $3`,
		runAt.Unix(), errMsg, id)
	return err
}

func (s *Store) FailFleetJob(ctx context.Context, id int64, errMsg string, now time.Time) error {
	_, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'failed', error = $1, completed_at = $2 WHERE job_id = $3`, errMsg, now.Unix(), id)
	return err
}

func (s *Store) CancelPendingFleetJobsForAgent(ctx context.Context, agentID, reason string, now time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'failed', error = $1, completed_at = $2 WHERE agent_id = $3 AND status = 'pending'`, reason, now.Unix(), agentID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CancelPendingFleetJobsForServer(ctx context.Context, serverID, reason string, now time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE fleet_jobs SET status = 'failed', error = $1, completed_at = $2 WHERE server_id = $3 AND status = 'pending'`, reason, now.Unix(), serverID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) queryFleetJobs(ctx context.Context, q string, args ...any) ([]models.FleetJob, error) {
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FleetJob
	for rows.Next() {
		j, err := store.ScanFleetJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) InsertReactions(ctx context.Context, serverID, spitID string, texts []string) error {
	batch := &pgx.Batch{}
	now := time.Now().UTC().Unix()
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		batch.Queue(`INSERT INTO reaction_cache(server_id, spit_id, content, used, created_at) VALUES($1, $2, $3, 0, $4)`, serverID, spitID, t, now)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.Pool.SendBatch(ctx, batch).Close()
}

// TakeReaction consumes one unused reaction; SKIP LOCKED keeps concurrent takers off the same row.
func (s *Store) TakeReaction(ctx context.Context, serverID, spitID string) (string, bool, error) {
	var content string
	err := s.Pool.QueryRow(ctx, `
UPDATE reaction_cache SET used = 1 WHERE reaction_id = (
  SELECT reaction_id FROM reaction_cache WHERE server_id = $1 AND spit_id = $2 AND used = 0
  ORDER BY reaction_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
) RETURNING content`, serverID, spitID).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return content, true, nil
}

func (s *Store) CountUnusedReactions(ctx context.Context, serverID, spitID string) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM reaction_cache WHERE server_id = $1 AND spit_id = $2 AND used = 0`, serverID, spitID)
}

func (s *Store) PurgeUsedReactions(ctx context.Context) (int, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM reaction_cache WHERE used = 1`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) InsertPoolNames(ctx context.Context, names []models.PoolName) (int, error) {
	now := time.Now().UTC().Unix()
	inserted := 0
	for _, n := range names {
		h, name := strings.TrimSpace(n.Handle), strings.TrimSpace(n.Name)
		if h == "" || name == "" {
			continue
		}
		tag, err := s.Pool.Exec(ctx, `INSERT INTO name_pool(name, handle, used, created_at) VALUES($1, $2, 0, $3) ON CONFLICT (handle) DO NOTHING`, name, h, now)
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *Store) TakePoolName(ctx context.Context) (*models.PoolName, error) {
	var p models.PoolName
	err := s.Pool.QueryRow(ctx, `
UPDATE name_pool SET used = 1 WHERE name_id = (
  SELECT name_id FROM name_pool WHERE used = 0 ORDER BY name_id ASC LIMIT 1 FOR UPDATE SKIP LOCKED
) RETURNING name, handle`).Scan(&p.Name, &p.Handle)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) CountPoolNames(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM name_pool WHERE used = 0`)
}
