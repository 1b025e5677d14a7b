package process

// Status is the lifecycle state of a managed process.
type Status string

const (
	StatusLaunching Status = "launching"
	StatusOnline    Status = "online"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusErrored   Status = "errored"
	// StatusOneLaunch marks a fire-once process that exited cleanly.
	StatusOneLaunch Status = "one-launch-status"
)

// AtRest reports whether the status carries no OS process.
func (s Status) AtRest() bool {
	return s == StatusStopped || s == StatusErrored || s == StatusOneLaunch
}

func (s Status) Valid() bool {
	switch s {
	case StatusLaunching, StatusOnline, StatusStopping, StatusStopped, StatusErrored, StatusOneLaunch:
		return true
	}
	return false
}

// AllStatuses lists statuses in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusLaunching, StatusOnline, StatusStopping, StatusStopped, StatusErrored, StatusOneLaunch}
}
