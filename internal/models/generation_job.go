package models

import (
	"time"

	"github.com/video-batcher/internal/types"
)

// ScenePrompt is one planned scene of a generation job
type ScenePrompt struct {
	SceneNumber  int    `json:"sceneNumber"`
	VisualPrompt string `json:"visualPrompt"`
	Script       string `json:"script,omitempty"`
}

// VideoSegment is one rendered clip; segment 0 is the initial render
type VideoSegment struct {
	URL        string            `json:"url"`
	DurationMs int64             `json:"durationMs"`
	Type       types.SegmentType `json:"type"`
}

// PhaseState is the state of one phase machine of a job
type PhaseState struct {
	Status        types.PhaseStatus `json:"status"`
	Error         *string           `json:"error,omitempty"`
	ErrorCode     *string           `json:"errorCode,omitempty"`
	UserAction    *string           `json:"userAction,omitempty"`
	TaskID        *string           `json:"taskId,omitempty"`
	ReservationID *string           `json:"reservationId,omitempty"`
	SubmittedAt   *time.Time        `json:"submittedAt,omitempty"`
}

// Reset returns the phase to pending and clears its error and provider correlation
func (p *PhaseState) Reset() {
	p.Status = types.PhaseStatusPending
	p.Error = nil
	p.ErrorCode = nil
	p.UserAction = nil
	p.TaskID = nil
	p.ReservationID = nil
	p.SubmittedAt = nil
}

// Fail marks the phase failed with a code, message and suggested action
func (p *PhaseState) Fail(code, message, userAction string) {
	p.Status = types.PhaseStatusFailed
	p.Error = &message
	p.ErrorCode = &code
	if userAction != "" {
		p.UserAction = &userAction
	} else {
		p.UserAction = nil
	}
}

// MarkGenerating records a successful submission
func (p *PhaseState) MarkGenerating(taskID string, at time.Time) {
	p.Status = types.PhaseStatusGenerating
	p.TaskID = &taskID
	p.SubmittedAt = &at
	p.Error = nil
	p.ErrorCode = nil
	p.UserAction = nil
}

// HasTask reports whether the phase is waiting on taskID
func (p *PhaseState) HasTask(taskID string) bool {
	return p.Status == types.PhaseStatusGenerating && p.TaskID != nil && *p.TaskID == taskID
}

// JobConfig is the per-job snapshot of the batch configuration after variable overrides
type JobConfig struct {
	AvatarName     string `json:"avatarName"`
	Industry       string `json:"industry"`
	City           string `json:"city"`
	StoryIdea      string `json:"storyIdea"`
	ImageURL       string `json:"imageUrl"`
	Model          string `json:"model"`
	AspectRatio    string `json:"aspectRatio"`
	NumberOfScenes int    `json:"numberOfScenes"`
}

// TextOnly reports whether the job renders without a reference image
func (c JobConfig) TextOnly() bool {
	return c.ImageURL == "" || c.ImageURL == types.TextOnlyImage
}

// GenerationJob is the per-video unit of work
type GenerationJob struct {
	ID               string         `json:"id"`
	BatchID          *string        `json:"batchId,omitempty"`
	CombinationIndex *int           `json:"combinationIndex,omitempty"`
	UserID           string         `json:"userId"`
	Config           JobConfig      `json:"config"`
	Combination      Combination    `json:"combination,omitempty"`
	ScenePrompts     []ScenePrompt  `json:"scenePrompts"`
	Initial          PhaseState     `json:"initial"`
	Extended         PhaseState     `json:"extended"`
	Final            PhaseState     `json:"final"`
	CurrentScene     int            `json:"currentScene"`
	VideoSegments    []VideoSegment `json:"videoSegments"`
	FinalVideoURL    *string        `json:"finalVideoUrl,omitempty"`
	IsFinal          bool           `json:"isFinal"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// NewGenerationJob builds a job with every phase pending
func NewGenerationJob(id, userID string, cfg JobConfig) *GenerationJob {
	now := time.Now().UTC()
	return &GenerationJob{
		ID:            id,
		UserID:        userID,
		Config:        cfg,
		ScenePrompts:  []ScenePrompt{},
		Initial:       PhaseState{Status: types.PhaseStatusPending},
		Extended:      PhaseState{Status: types.PhaseStatusPending},
		Final:         PhaseState{Status: types.PhaseStatusPending},
		CurrentScene:  1,
		VideoSegments: []VideoSegment{},
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// PhaseState returns a pointer to the state of phase
func (j *GenerationJob) PhaseState(phase types.Phase) *PhaseState {
	switch phase {
	case types.PhaseInitial:
		return &j.Initial
	case types.PhaseExtended:
		return &j.Extended
	default:
		return &j.Final
	}
}

// PhaseForTask returns the phase currently waiting on taskID
func (j *GenerationJob) PhaseForTask(taskID string) (types.Phase, bool) {
	switch {
	case j.Initial.HasTask(taskID):
		return types.PhaseInitial, true
	case j.Extended.HasTask(taskID):
		return types.PhaseExtended, true
	default:
		return "", false
	}
}

// Scene returns the stored prompt for a 1-based scene number
func (j *GenerationJob) Scene(sceneNumber int) (*ScenePrompt, bool) {
	if sceneNumber < 1 || sceneNumber > len(j.ScenePrompts) {
		return nil, false
	}
	return &j.ScenePrompts[sceneNumber-1], true
}

// LastSegment returns the most recently appended segment
func (j *GenerationJob) LastSegment() (*VideoSegment, bool) {
	if len(j.VideoSegments) == 0 {
		return nil, false
	}
	return &j.VideoSegments[len(j.VideoSegments)-1], true
}

// CanExtend reports whether another extension may be submitted.
// The predecessor phase must be completed and scenes must remain.
func (j *GenerationJob) CanExtend() bool {
	if j.Initial.Status != types.PhaseStatusCompleted {
		return false
	}
	if j.Extended.Status != types.PhaseStatusPending && j.Extended.Status != types.PhaseStatusCompleted {
		return false
	}
	return j.CurrentScene < j.Config.NumberOfScenes
}

// OverallStatus projects the three phase machines into one status
func (j *GenerationJob) OverallStatus() types.OverallStatus {
	return ProjectOverallStatus(j.Initial.Status, j.Extended.Status, j.Final.Status, len(j.VideoSegments), j.IsFinal)
}

// ProjectOverallStatus derives the single display status from the phase statuses.
// Any failed phase wins, then any generating phase, then completion of the stitched asset.
func ProjectOverallStatus(initial, extended, final types.PhaseStatus, segments int, isFinal bool) types.OverallStatus {
	switch {
	case initial == types.PhaseStatusFailed || extended == types.PhaseStatusFailed || final == types.PhaseStatusFailed:
		return types.OverallFailed
	case initial == types.PhaseStatusGenerating || extended == types.PhaseStatusGenerating || final == types.PhaseStatusGenerating:
		return types.OverallGenerating
	case isFinal && final == types.PhaseStatusCompleted:
		return types.OverallCompleted
	case segments > 0:
		return types.OverallReady
	default:
		return types.OverallPending
	}
}
