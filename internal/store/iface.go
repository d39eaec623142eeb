package store

import (
	"context"
	"time"

	"github.com/ankittk/sybil/pkg/models"
)

// Store is the durable persistence interface for agents, jobs, counters and the fleet.
// Implementations: the SQLite store in this package and *postgres.Store.
//
// Claim-style methods (ClaimJob, ClaimFleetAgentDeploy, ClaimFleetJob, TakeReaction,
// TakePoolName) are single conditional updates; the caller that affects the row wins.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a models.Agent) (models.Agent, error)
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	ListActiveAgents(ctx context.Context) ([]models.Agent, error)
	SetAgentActive(ctx context.Context, id string, active bool) error
	UpsertAgentConfig(ctx context.Context, cfg models.AgentConfig) error
	GetAgentConfig(ctx context.Context, agentID string) (models.AgentConfig, error)

	// Jobs
	CreateJob(ctx context.Context, j models.Job) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	ClaimJob(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteJob(ctx context.Context, id int64, result string, now time.Time) error
	FailJob(ctx context.Context, id int64, errMsg string, now time.Time) error
	CountPendingJobs(ctx context.Context, agentID string) (int, error)
	CountScheduledJobsSince(ctx context.Context, agentID string, since time.Time) (int, error)
	HasJobSince(ctx context.Context, agentID string, action models.Action, since time.Time) (bool, error)
	ListJobs(ctx context.Context, agentID string, limit int) ([]models.Job, error)
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)

	// Daily action counters
	IncrementDailyActions(ctx context.Context, agentID, date string) error
	GetDailyActions(ctx context.Context, agentID, date string) (int, error)

	// Fleet servers
	CreateFleetServer(ctx context.Context, s models.FleetServer) (models.FleetServer, error)
	GetFleetServer(ctx context.Context, id string) (models.FleetServer, error)
	ListFleetServers(ctx context.Context, status string) ([]models.FleetServer, error)
	SetFleetServerStatus(ctx context.Context, id, status string) error
	SetLastSeenPost(ctx context.Context, serverID, postID string) error
	TouchServerAgentCreated(ctx context.Context, serverID string, now time.Time) error

	// Fleet agents
	CreateFleetAgent(ctx context.Context, a models.FleetAgent) (models.FleetAgent, error)
	GetFleetAgent(ctx context.Context, id string) (models.FleetAgent, error)
	ListFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error)
	CountAliveFleetAgents(ctx context.Context, serverID string) (int, error)
	NextUndeployedFleetAgent(ctx context.Context) (*models.FleetAgent, error)
	ClaimFleetAgentDeploy(ctx context.Context, id string, now time.Time) (bool, error)
	ReleaseFleetAgentClaim(ctx context.Context, id string) error
	SetFleetAgentAccount(ctx context.Context, id, externalID string) error
	MarkFleetAgentDeployed(ctx context.Context, id, externalID string, avatar, banner bool, now time.Time) error
	SetFleetAgentAssets(ctx context.Context, id string, avatar, banner bool) error
	NextFleetAgentMissingAssets(ctx context.Context) (*models.FleetAgent, error)
	ListDeployedAliveFleetAgents(ctx context.Context, serverID string) ([]models.FleetAgent, error)
	SampleDeployedFleetAgents(ctx context.Context, limit int) ([]models.FleetAgent, error)
	UpdateFleetAgentHP(ctx context.Context, id string, hp int) error
	MarkFleetAgentDead(ctx context.Context, id string, now time.Time) error
	DeleteDeadFleetAgents(ctx context.Context) (int, error)
	FleetHandleExists(ctx context.Context, handle string) (bool, error)
	ListKnownHandles(ctx context.Context) ([]string, error)

	// Fleet jobs
	CreateFleetJob(ctx context.Context, j models.FleetJob) (models.FleetJob, error)
	GetFleetJob(ctx context.Context, id int64) (models.FleetJob, error)
	ListFleetJobs(ctx context.Context, agentID string, limit int) ([]models.FleetJob, error)
	ListDueFleetJobs(ctx context.Context, now time.Time, limit int) ([]models.FleetJob, error)
	ClaimFleetJob(ctx context.Context, id int64, now time.Time) (bool, error)
	CompleteFleetJob(ctx context.Context, id int64, result string, now time.Time) error
	RequeueFleetJob(ctx context.Context, id int64, runAt time.Time, errMsg string) error
	FailFleetJob(ctx context.Context, id int64, errMsg string, now time.Time) error
	CancelPendingFleetJobsForAgent(ctx context.Context, agentID, reason string, now time.Time) (int, error)
	CancelPendingFleetJobsForServer(ctx context.Context, serverID, reason string, now time.Time) (int, error)

	// Reaction cache
	InsertReactions(ctx context.Context, serverID, spitID string, texts []string) error
	TakeReaction(ctx context.Context, serverID, spitID string) (string, bool, error)
	CountUnusedReactions(ctx context.Context, serverID, spitID string) (int, error)
	PurgeUsedReactions(ctx context.Context) (int, error)

	// Name pool
	InsertPoolNames(ctx context.Context, names []models.PoolName) (int, error)
	TakePoolName(ctx context.Context) (*models.PoolName, error)
	CountPoolNames(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
