package domain

import (
	"time"
)

// VideoID is a unique identifier for a video.
type VideoID string

// String returns the string representation of the VideoID.
func (id VideoID) String() string {
	return string(id)
}

// VideoStatus represents the publication state of a video.
//
// "draft" is set by upload handling; the orchestrator owns every
// transition after a transcode job has been admitted.
type VideoStatus string

const (
	VideoStatusDraft      VideoStatus = "draft"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// Video represents an uploaded video and its derived playback assets.
type Video struct {
	ID         VideoID
	Slug       string
	SourcePath string
	Status     VideoStatus
	Assets     AssetSet
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AssetSet holds the artifact locations produced by a successful
// transcode. All fields are empty until the owning video reaches
// "ready"; they are written atomically with that transition.
type AssetSet struct {
	VideoURL     string
	HLSPath      string
	SpriteURL    string
	VTTPath      string
	ThumbnailURL string
	// Duration of the source media in seconds.
	Duration int
}

// Empty reports whether no artifacts have been recorded.
func (a AssetSet) Empty() bool {
	return a == AssetSet{}
}

// NewVideo creates a draft video awaiting transcode.
func NewVideo(id VideoID, slug, sourcePath string) *Video {
	now := time.Now()
	return &Video{
		ID:         id,
		Slug:       slug,
		SourcePath: sourcePath,
		Status:     VideoStatusDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
