// Package store defines the persistence interface and the SQLite implementation for
// agents, jobs, daily counters, fleet servers/agents/jobs, the reaction cache and the name pool.
package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ankittk/sybil/pkg/models"
)

// ErrNotFound is returned by single-row getters when no row matches.
var ErrNotFound = errors.New("not found")

// Column lists shared by the SQLite and PostgreSQL implementations. The Scan* helpers
// below expect exactly this order.
const (
	AgentColumns       = `agent_id, external_id, handle, personality, frequency, active, owner_id, created_at`
	AgentConfigColumns = `agent_id, enabled_actions, combat_strategy, banking_strategy, target_mode, auto_heal_threshold, policy_hint`
	JobColumns         = `job_id, agent_id, action_type, action_payload, status, source, scheduled_for, started_at, completed_at, result, error, retry_count, created_at`
	ServerColumns      = `server_id, owner_id, name, max_agents, status, last_seen_post_id, last_agent_created_at, created_at`
	FleetAgentColumns  = `agent_id, server_id, external_account_id, name, handle, hp, is_alive, is_deployed, avatar_set, banner_set, deploy_claimed_at, deployed_at, died_at, created_at`
	FleetJobColumns    = `job_id, server_id, agent_id, action_type, action_payload, status, scheduled_for, started_at, completed_at, result, error, retry_count, created_at`
)

// Row is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type Row interface {
	Scan(dest ...any) error
}

// ScanAgent scans one row selected with AgentColumns.
func ScanAgent(r Row) (models.Agent, error) {
	var (
		a         models.Agent
		active    int
		createdAt int64
	)
	if err := r.Scan(&a.ID, &a.ExternalID, &a.Handle, &a.Personality, &a.Frequency, &active, &a.OwnerID, &createdAt); err != nil {
		return models.Agent{}, err
	}
	a.Active = active != 0
	a.CreatedAt = fromUnix(createdAt)
	return a, nil
}

// ScanAgentConfig scans one row selected with AgentConfigColumns.
func ScanAgentConfig(r Row) (models.AgentConfig, error) {
	var (
		c       models.AgentConfig
		enabled string
	)
	if err := r.Scan(&c.AgentID, &enabled, &c.CombatStrategy, &c.BankingStrategy, &c.TargetMode, &c.AutoHealThreshold, &c.PolicyHint); err != nil {
		return models.AgentConfig{}, err
	}
	c.EnabledActions = DecodeActions(enabled)
	return c, nil
}

// ScanJob scans one row selected with JobColumns.
func ScanJob(r Row) (models.Job, error) {
	var (
		j            models.Job
		action       string
		scheduledFor int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		result       sql.NullString
		errMsg       sql.NullString
		createdAt    int64
	)
	if err := r.Scan(&j.ID, &j.AgentID, &action, &j.Payload, &j.Status, &j.Source, &scheduledFor, &startedAt, &completedAt, &result, &errMsg, &j.RetryCount, &createdAt); err != nil {
		return models.Job{}, err
	}
	j.Action = models.Action(action)
	j.ScheduledFor = fromUnix(scheduledFor)
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	j.Result = result.String
	j.Error = errMsg.String
	j.CreatedAt = fromUnix(createdAt)
	return j, nil
}

// ScanServer scans one row selected with ServerColumns.
func ScanServer(r Row) (models.FleetServer, error) {
	var (
		s           models.FleetServer
		lastSeen    sql.NullString
		lastCreated sql.NullInt64
		createdAt   int64
	)
	if err := r.Scan(&s.ID, &s.OwnerID, &s.Name, &s.MaxAgents, &s.Status, &lastSeen, &lastCreated, &createdAt); err != nil {
		return models.FleetServer{}, err
	}
	s.LastSeenPostID = lastSeen.String
	s.LastAgentCreatedAt = nullTime(lastCreated)
	s.CreatedAt = fromUnix(createdAt)
	return s, nil
}

// ScanFleetAgent scans one row selected with FleetAgentColumns.
func ScanFleetAgent(r Row) (models.FleetAgent, error) {
	var (
		a                               models.FleetAgent
		external                        sql.NullString
		alive, deployed, avatar, banner int
		claimedAt, deployedAt, diedAt   sql.NullInt64
		createdAt                       int64
	)
	if err := r.Scan(&a.ID, &a.ServerID, &external, &a.Name, &a.Handle, &a.HP, &alive, &deployed, &avatar, &banner, &claimedAt, &deployedAt, &diedAt, &createdAt); err != nil {
		return models.FleetAgent{}, err
	}
	a.ExternalID = external.String
	a.IsAlive = alive != 0
	a.IsDeployed = deployed != 0
	a.AvatarSet = avatar != 0
	a.BannerSet = banner != 0
	a.DeployClaimedAt = nullTime(claimedAt)
	a.DeployedAt = nullTime(deployedAt)
	a.DiedAt = nullTime(diedAt)
	a.CreatedAt = fromUnix(createdAt)
	return a, nil
}

// ScanFleetJob scans one row selected with FleetJobColumns.
func ScanFleetJob(r Row) (models.FleetJob, error) {
	var (
		j            models.FleetJob
		action       string
		scheduledFor int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
		result       sql.NullString
		errMsg       sql.NullString
		createdAt    int64
	)
	if err := r.Scan(&j.ID, &j.ServerID, &j.AgentID, &action, &j.Payload, &j.Status, &scheduledFor, &startedAt, &completedAt, &result, &errMsg, &j.RetryCount, &createdAt); err != nil {
		return models.FleetJob{}, err
	}
	j.Action = models.Action(action)
	j.ScheduledFor = fromUnix(scheduledFor)
	j.StartedAt = nullTime(startedAt)
	j.CompletedAt = nullTime(completedAt)
	j.Result = result.String
	j.Error = errMsg.String
	j.CreatedAt = fromUnix(createdAt)
	return j, nil
}

// EncodeActions stores an action set as a comma-separated list.
func EncodeActions(actions []models.Action) string {
	parts := make([]string, 0, len(actions))
	for _, a := range actions {
		parts = append(parts, string(a))
	}
	return strings.Join(parts, ",")
}

// DecodeActions parses a comma-separated action list, dropping unknown entries.
func DecodeActions(s string) []models.Action {
	var out []models.Action
	for _, p := range strings.Split(s, ",") {
		a, err := models.ParseAction(p)
		if err != nil || a == models.ActionNone {
			continue
		}
		out = append(out, a)
	}
	return out
}

// DateKey returns the calendar-day key used by the daily action counters.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// BoolInt maps a bool to the 0/1 integer stored in flag columns.
func BoolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}

// NullUnix converts an optional time into a nullable unix-seconds value.
func NullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// NullString maps "" to NULL.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
