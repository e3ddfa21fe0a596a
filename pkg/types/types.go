// Package types defines the core domain model shared by beaver-grid daemons.
package types

import "strings"

// DaemonInfo identifies one cooperating daemon.
//
// SharedPath is the daemon's mount point of the storage it shares with other
// daemons. An empty SharedPath means the daemon shares nothing.
type DaemonInfo struct {
	ID         string `yaml:"id" json:"id"`
	SharedPath string `yaml:"shared_path,omitempty" json:"shared_path,omitempty"`
}

// HasSharedSpace reports whether the daemon declares shared storage.
func (d DaemonInfo) HasSharedSpace() bool {
	return d.SharedPath != ""
}

// Equal compares both the id and the shared path. A trailing slash on the
// shared path is not significant.
func (d DaemonInfo) Equal(other DaemonInfo) bool {
	return d.ID == other.ID && d.SharedRoot() == other.SharedRoot()
}

// SharedRoot returns the shared path without a trailing slash, so that
// SharedRoot()+"/rel" is always a well formed path.
func (d DaemonInfo) SharedRoot() string {
	return strings.TrimSuffix(d.SharedPath, "/")
}

func (d DaemonInfo) String() string {
	if d.SharedPath == "" {
		return d.ID
	}
	return d.ID + " (shared: " + d.SharedPath + ")"
}

// JobState is the lifecycle state of a job submitted to the grid.
type JobState string

const (
	JobPending   JobState = "pending"   // submitted, completion not yet observed
	JobSucceeded JobState = "succeeded" // terminal
	JobFailed    JobState = "failed"    // terminal
)

// IsTerminal reports whether no further transition is allowed.
func (s JobState) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// AssignedTaskData is the provisional acknowledgement sent to a dispatch
// caller as soon as the scheduler has accepted the job.
type AssignedTaskData struct {
	JobID     string `yaml:"job_id" json:"job_id"`
	OutputLog string `yaml:"output_log" json:"output_log"`
	ErrorLog  string `yaml:"error_log" json:"error_log"`
}
