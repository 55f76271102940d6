package models

import "time"

const (
	StagePreparing      = "preparing"
	StageValidating     = "validating"
	StageDownloading    = "downloading"
	StageStartingFfmpeg = "starting_ffmpeg"
	StageStreaming      = "streaming"
	StageCompleted      = "completed"
	StageError          = "error"
)

var stagePercentages = map[string]int{
	StagePreparing:      5,
	StageValidating:     15,
	StageDownloading:    20,
	StageStartingFfmpeg: 90,
	StageStreaming:      100,
	StageCompleted:      100,
	StageError:          0,
}

// StreamProgress is one append-only agent progress report.
type StreamProgress struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	StreamConfigurationID uint      `gorm:"index" json:"stream_configuration_id"`
	Stage                 string    `gorm:"type:varchar(32)" json:"stage"`
	Percentage            int       `json:"percentage"`
	Message               string    `gorm:"type:text" json:"message"`
	CreatedAt             time.Time `gorm:"index" json:"created_at"`
}

func KnownStage(stage string) bool {
	_, ok := stagePercentages[stage]
	return ok
}

// StagePercentage resolves the percentage shown for a stage. Downloading
// carries the agent's own figure, clamped into its band; every other stage
// uses its fixed value.
func StagePercentage(stage string, reported *int) int {
	if stage == StageDownloading && reported != nil {
		p := *reported
		if p < 20 {
			p = 20
		}
		if p > 80 {
			p = 80
		}
		return p
	}
	return stagePercentages[stage]
}
