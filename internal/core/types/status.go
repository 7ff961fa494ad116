package types

// Status represents the lifecycle of a download task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsActive returns true if the status indicates an ongoing download.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusActive
}

// IsTerminal returns true if the status indicates a finished download.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsSuccess returns true if the download completed successfully.
func (s Status) IsSuccess() bool {
	return s == StatusCompleted
}
