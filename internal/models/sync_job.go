package models

import "time"

// SyncStatus is the lifecycle state of a user's sync run
type SyncStatus string

const (
	SyncStatusIdle      SyncStatus = "idle"
	SyncStatusRunning   SyncStatus = "running"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// SyncStage is a step of the platform sync state machine
type SyncStage string

const (
	StageInitial          SyncStage = "initial"
	StageFetchingChannel  SyncStage = "fetchingChannel"
	StageFetchingVideos   SyncStage = "fetchingVideos"
	StageFetchingComments SyncStage = "fetchingComments"
	StageComputingMetrics SyncStage = "computingMetrics"
	StageDone             SyncStage = "done"
)

// SyncStages lists the working stages in execution order
var SyncStages = []SyncStage{
	StageFetchingChannel,
	StageFetchingVideos,
	StageFetchingComments,
	StageComputingMetrics,
}

var stagePercent = map[SyncStage]int{
	StageInitial:          0,
	StageFetchingChannel:  10,
	StageFetchingVideos:   40,
	StageFetchingComments: 70,
	StageComputingMetrics: 90,
	StageDone:             100,
}

// Percent returns the progress reported on entering the stage
func (s SyncStage) Percent() int {
	return stagePercent[s]
}

// SyncJob is the progress record for one user's most recent sync run.
// It lives in the cache store under a TTL and is overwritten by each new run.
type SyncJob struct {
	UserID          string     `json:"user_id"`
	RunID           string     `json:"run_id,omitempty"`
	Status          SyncStatus `json:"status"`
	Stage           SyncStage  `json:"stage,omitempty"`
	ProgressPercent int        `json:"progress_percent"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at,omitempty"`
	Deadline        time.Time  `json:"deadline,omitempty"` // Safety-net expiry of the running record
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// IdleSyncJob is returned when no record exists for the user
func IdleSyncJob(userID string) *SyncJob {
	return &SyncJob{UserID: userID, Status: SyncStatusIdle}
}

// IsTerminal reports whether the run has finished
func (j *SyncJob) IsTerminal() bool {
	return j.Status == SyncStatusCompleted || j.Status == SyncStatusFailed
}

// ProgressView is the public progress read contract
type ProgressView struct {
	Status          SyncStatus `json:"status"`
	Stage           SyncStage  `json:"stage,omitempty"`
	ProgressPercent *int       `json:"progress_percent,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	ErrorCode       ErrorCode  `json:"error_code,omitempty"`
}

// View projects the record onto the read contract: idle carries only its status
func (j *SyncJob) View() ProgressView {
	if j == nil || j.Status == SyncStatusIdle {
		return ProgressView{Status: SyncStatusIdle}
	}
	percent := j.ProgressPercent
	updated := j.UpdatedAt
	return ProgressView{
		Status:          j.Status,
		Stage:           j.Stage,
		ProgressPercent: &percent,
		UpdatedAt:       &updated,
		ErrorCode:       j.ErrorCode,
	}
}
