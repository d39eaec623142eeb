// Package models provides shared types for the sybil core, its HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Agent is a primary, individually configured automated actor.
type Agent struct {
	ID          string    `json:"id"`
	ExternalID  string    `json:"external_id"`
	Handle      string    `json:"handle"`
	Personality string    `json:"personality,omitempty"`
	Frequency   int       `json:"frequency"`
	Active      bool      `json:"active"`
	OwnerID     string    `json:"owner_id,omitempty"` // external id of the owning account, if any
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// HasDistinctOwner reports whether the agent has an owner other than itself.
func (a Agent) HasDistinctOwner() bool {
	return a.OwnerID != "" && a.OwnerID != a.ExternalID
}

// AgentConfig is the optional per-agent policy configuration.
type AgentConfig struct {
	AgentID           string   `json:"agent_id"`
	EnabledActions    []Action `json:"enabled_actions"`
	CombatStrategy    string   `json:"combat_strategy"`
	BankingStrategy   string   `json:"banking_strategy"`
	TargetMode        string   `json:"target_mode"`
	AutoHealThreshold int      `json:"auto_heal_threshold"`
	PolicyHint        string   `json:"policy_hint,omitempty"`
}

// DefaultAgentConfig is used when an agent has no stored config.
func DefaultAgentConfig(agentID string) AgentConfig {
	return AgentConfig{
		AgentID:           agentID,
		EnabledActions:    append([]Action(nil), AllActions...),
		CombatStrategy:    CombatBalanced,
		BankingStrategy:   BankingBalanced,
		TargetMode:        TargetRandom,
		AutoHealThreshold: DefaultAutoHealThreshold,
	}
}

// Enabled reports whether a is in the enabled action set. An empty set enables everything.
func (c AgentConfig) Enabled(a Action) bool {
	if len(c.EnabledActions) == 0 {
		return a.Valid()
	}
	for _, e := range c.EnabledActions {
		if e == a {
			return true
		}
	}
	return false
}

// Job is one unit of at-least-once work for a primary agent.
type Job struct {
	ID           int64      `json:"id"`
	AgentID      string     `json:"agent_id"`
	Action       Action     `json:"action_type"`
	Payload      string     `json:"action_payload"`
	Status       string     `json:"status"`
	Source       string     `json:"source"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
}

// FleetServer is an owner-scoped container of fleet agents.
type FleetServer struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"` // external id of the owner account whose posts are reacted to
	Name               string     `json:"name"`
	MaxAgents          int        `json:"max_agents"`
	Status             string     `json:"status"`
	LastSeenPostID     string     `json:"last_seen_post_id,omitempty"`
	LastAgentCreatedAt *time.Time `json:"last_agent_created_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at,omitempty"`
}

// FleetAgent is a disposable, pool-generated actor. State machine:
// created -> claimed (DeployClaimedAt set) -> deployed (ExternalID set) -> dead.
type FleetAgent struct {
	ID              string     `json:"id"`
	ServerID        string     `json:"server_id"`
	ExternalID      string     `json:"external_account_id,omitempty"`
	Name            string     `json:"name"`
	Handle          string     `json:"handle"`
	HP              int        `json:"hp"`
	IsAlive         bool       `json:"is_alive"`
	IsDeployed      bool       `json:"is_deployed"`
	AvatarSet       bool       `json:"avatar_set"`
	BannerSet       bool       `json:"banner_set"`
	DeployClaimedAt *time.Time `json:"deploy_claimed_at,omitempty"`
	DeployedAt      *time.Time `json:"deployed_at,omitempty"`
	DiedAt          *time.Time `json:"died_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
}

// State returns the lifecycle state name.
func (a FleetAgent) State() string {
	switch {
	case !a.IsAlive:
		return "dead"
	case a.IsDeployed:
		return "deployed"
	case a.DeployClaimedAt != nil:
		return "claimed"
	default:
		return "created"
	}
}

// FleetJob is a Job scoped to a fleet server/agent pair; Action is one of FleetActions.
type FleetJob struct {
	ID           int64      `json:"id"`
	ServerID     string     `json:"server_id"`
	AgentID      string     `json:"agent_id"`
	Action       Action     `json:"action_type"`
	Payload      string     `json:"action_payload"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Result       string     `json:"result,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at,omitempty"`
}

// PoolName is a pre-generated name/handle pair for fleet replenishment.
type PoolName struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

// SchedulerState is the scheduler's externally visible state.
type SchedulerState struct {
	Running        bool       `json:"running"`
	Paused         bool       `json:"paused"`
	LastTick       *time.Time `json:"last_tick,omitempty"`
	ActiveJobs     int        `json:"active_jobs"`
	TotalProcessed int64      `json:"total_processed"`
	Errors         int64      `json:"errors"`
}

// FleetState is the fleet orchestrator's externally visible state.
type FleetState struct {
	Running  bool       `json:"running"`
	LastTick *time.Time `json:"last_tick,omitempty"`
	Deployed int64      `json:"deployed"`
	Reacted  int64      `json:"reacted"`
	Errors   int64      `json:"errors"`
}

// CreateAgentRequest is the body of POST /agents. Active defaults to true.
type CreateAgentRequest struct {
	ExternalID  string `json:"external_id"`
	Handle      string `json:"handle"`
	Personality string `json:"personality,omitempty"`
	Frequency   int    `json:"frequency,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	Active      *bool  `json:"active,omitempty"`
}

// TickResult is returned by POST /fleet/tick. Ran is false when a tick was already in progress.
type TickResult struct {
	Ran   bool       `json:"ran"`
	State FleetState `json:"state"`
}

// SuspendResult is returned by POST /fleet/servers/{id}/suspend.
type SuspendResult struct {
	OK            bool `json:"ok"`
	CancelledJobs int  `json:"cancelled_jobs"`
}

// TriggerRequest is the body of POST /agents/{id}/trigger.
type TriggerRequest struct {
	Action Action `json:"action,omitempty"`
}

// TriggerResponse is returned by an administrative trigger.
type TriggerResponse struct {
	Planned PlannedAction `json:"planned"`
	Job     *Job          `json:"job,omitempty"`
}

// Event is one EventBus notification as serialized on /stream.
type Event struct {
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}
