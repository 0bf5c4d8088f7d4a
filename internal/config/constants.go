package config

import "time"

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	// Generation service request timeout
	RequestTimeout = 90 * time.Second

	// Upper bound of one send turn, detached from the caller
	TurnTimeout = 3 * time.Minute

	// Title refinement timeout
	TitleTimeout = 30 * time.Second

	// Snapshot and pointer lifetime in the local cache
	CacheTTL = 30 * 24 * time.Hour

	// Idle view cleanup interval
	ViewCleanupInterval = 60 * time.Second

	// Time allowed for in-flight requests on shutdown
	ShutdownTimeout = 15 * time.Second

	// Store change listener reconnect backoff
	ListenerBackoff = 5 * time.Second

	// Default session title until refined
	DefaultSessionTitle = "New chat"

	// Synthetic greeting shown before a session exists
	WelcomeText = "Hi! Tell me what you'd like to create: a logo, an ad, a campaign."

	// Prefix of the synthetic error message appended on a failed turn
	ErrorReplyText = "Something went wrong while answering. Please try sending your message again."

	// Notice appended to a message when one of its jobs fails
	JobFailedNotice   = "One image could not be generated."
	JobTimedOutNotice = "One image took too long to generate."

	// Added to a job notice only when the job's debit was returned
	CreditsRefundedNotice = "Its credits were refunded."

	// Max title length
	MaxTitleLen = 80
)

// TitleRefinementCounts are the cumulative user message counts that trigger
// a title refinement.
var TitleRefinementCounts = []int{1, 3, 5}
