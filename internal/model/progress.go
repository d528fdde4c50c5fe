package model

// Stage is a step of the media processing pipeline. Stages only move forward;
// completed and failed are terminal.
type Stage string

const (
	StageQueued           Stage = "queued"
	StageUploading        Stage = "uploading"
	StagePreviewCreating  Stage = "preview_creating"
	StageProcessing       Stage = "processing"
	StageVariantsCreating Stage = "variants_creating"
	StageCompleted        Stage = "completed"
	StageFailed           Stage = "failed"
)

var stageRank = map[Stage]int{
	StageQueued:           0,
	StageUploading:        1,
	StagePreviewCreating:  2,
	StageProcessing:       3,
	StageVariantsCreating: 4,
	StageCompleted:        5,
	StageFailed:           5,
}

// Rank orders stages; unknown stages rank -1.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

func (s Stage) Valid() bool { return s.Rank() >= 0 }

func (s Stage) Terminal() bool { return s == StageCompleted || s == StageFailed }
