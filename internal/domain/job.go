package domain

type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobPolling   JobStatus = "polling"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether no further transitions can occur.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// Job is an in-memory image generation request tracked until terminal.
type Job struct {
	ID             string
	OwnerContextID string
	MessageID      int64
	Status         JobStatus
	Prompt         string
	AspectRatio    string
	StyleName      string
	ModelTier      string
	// Batch is set when the job is one of several targeting the same message.
	Batch     bool
	ResultURL string
	Reason    string
}

// Campaign is the aggregate status of a bulk generation request.
type Campaign struct {
	ID              string   `json:"id"`
	Status          string   `json:"status"`
	TotalImages     int      `json:"totalImages"`
	CompletedImages int      `json:"completedImages"`
	AssetURLs       []string `json:"assetUrls"`
	AspectRatio     string   `json:"aspectRatio,omitempty"`
}

// Terminal reports whether the campaign has stopped producing images.
func (c *Campaign) Terminal() bool {
	switch c.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return c.TotalImages > 0 && c.CompletedImages >= c.TotalImages
}
