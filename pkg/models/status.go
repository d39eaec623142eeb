package models

// Job statuses used by both the primary and the fleet job queues.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job sources. Only scheduler-sourced jobs count against an agent's daily quota.
const (
	SourceScheduler = "scheduler"
	SourceManual    = "manual"
)

// Fleet server statuses.
const (
	ServerProvisioning = "provisioning"
	ServerActive       = "active"
	ServerSuspended    = "suspended"
)

// Combat strategies.
const (
	CombatBalanced   = "balanced"
	CombatDefensive  = "defensive"
	CombatAggressive = "aggressive"
	CombatPassive    = "passive"
)

// Banking strategies.
const (
	BankingConservative = "conservative"
	BankingBalanced     = "balanced"
	BankingAggressive   = "aggressive"
)

// Target selection modes for attack/follow.
const (
	TargetRandom    = "random"
	TargetWeakest   = "weakest"
	TargetStrongest = "strongest"
)

// Default limits.
const (
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultJobListLimit        = 200
	DefaultEventBuffer         = 256
	DefaultMaxSubscribers      = 64
	DefaultAutoHealThreshold   = 1000
	DefaultFrequency           = 10

	// PostCharLimit is the hard limit for public posts and replies.
	PostCharLimit = 280
	// MessageCharLimit is the hard limit for private messages.
	MessageCharLimit = 1000
)
