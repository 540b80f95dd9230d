package models

import (
	"time"

	"github.com/video-batcher/internal/types"
)

// Variable is one named dimension of variation in a batch
type Variable struct {
	Name   string   `json:"name"`
	Label  string   `json:"label"`
	Values []string `json:"values"`
}

// Combination maps variable names to the value chosen for one job
type Combination map[string]string

// Well-known variable names that override base configuration fields
const (
	VariableAvatarName = "avatarName"
	VariableIndustry   = "industry"
	VariableCity       = "city"
)

// BaseConfig is the immutable per-batch template
type BaseConfig struct {
	AvatarName     string  `json:"avatarName,omitempty"`
	Industry       string  `json:"industry"`
	City           string  `json:"city"`
	StoryIdea      string  `json:"storyIdea"`
	Model          string  `json:"model"`
	AspectRatio    string  `json:"aspectRatio"`
	NumberOfScenes int     `json:"numberOfScenes"`
	ImageURL       *string `json:"imageUrl,omitempty"`
}

// Batch groups the jobs created from one submission
type Batch struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	BaseConfig        BaseConfig        `json:"baseConfig"`
	Variables         []Variable        `json:"variables"`
	InputCombinations []Combination     `json:"inputCombinations"`
	Status            types.BatchStatus `json:"status"`
	IsPaused          bool              `json:"isPaused"`
	TestRunLimit      int               `json:"testRunLimit"`
	TotalJobs         int               `json:"totalJobs"`
	JobsStarted       int               `json:"jobsStarted"`
	JobsFailed        int               `json:"jobsFailed"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// BatchRunResult reports the outcome of one pass over a batch's pending jobs
type BatchRunResult struct {
	BatchID string            `json:"batchId"`
	Started int               `json:"started"`
	Failed  int               `json:"failed"`
	Status  types.BatchStatus `json:"status"`
}
