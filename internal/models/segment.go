package models

// VADRegion is a coarse speech region [Start, End) detected in the vocals track.
type VADRegion struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index" json:"project_id"`

	// RegionID is the insertion index of the region, ordered by start time.
	RegionID int `gorm:"not null" json:"region_id"`

	// Start is the region start in seconds.
	Start float64 `gorm:"not null" json:"start"`

	// End is the region end in seconds (exclusive).
	End float64 `gorm:"not null" json:"end"`
}

// TableName returns the table name for VADRegion.
func (VADRegion) TableName() string {
	return "vad_regions"
}

// Duration returns the region length in seconds.
func (r *VADRegion) Duration() float64 {
	return r.End - r.Start
}

// ASRSegment is a recognized speech segment with time bounds and text.
// SegmentIndex values form a contiguous sequence starting at 0 per project.
type ASRSegment struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index;uniqueIndex:idx_asr_segments_project_index" json:"project_id"`

	// SegmentIndex is the segment id, unique and contiguous per project.
	SegmentIndex int64 `gorm:"not null;uniqueIndex:idx_asr_segments_project_index" json:"segment_index"`

	// Start is the segment start in seconds.
	Start float64 `gorm:"not null" json:"start"`

	// End is the segment end in seconds (exclusive).
	End float64 `gorm:"not null" json:"end"`

	// Text is the raw recognized text.
	Text string `gorm:"type:text" json:"text"`

	// CorrectedText is the LLM-corrected text, if any.
	CorrectedText string `gorm:"type:text" json:"corrected_text,omitempty"`

	// Language is the detected language, if reported by the provider.
	Language string `gorm:"size:16" json:"language,omitempty"`
}

// TableName returns the table name for ASRSegment.
func (ASRSegment) TableName() string {
	return "asr_segments"
}

// EffectiveText returns the corrected text when present, else the raw text.
func (s *ASRSegment) EffectiveText() string {
	if s.CorrectedText != "" {
		return s.CorrectedText
	}
	return s.Text
}

// ASRMergedChunk groups consecutive ASR segments into a larger audio window
// used as context for LLM correction.
type ASRMergedChunk struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index;uniqueIndex:idx_asr_merged_chunks_key" json:"project_id"`

	// RegionID is the VAD region this chunk was cut from.
	RegionID int `gorm:"not null;uniqueIndex:idx_asr_merged_chunks_key" json:"region_id"`

	// ChunkID is the chunk index within the region.
	ChunkID int `gorm:"not null;uniqueIndex:idx_asr_merged_chunks_key" json:"chunk_id"`

	// Start is the chunk start in seconds.
	Start float64 `gorm:"not null" json:"start"`

	// End is the chunk end in seconds (exclusive).
	End float64 `gorm:"not null" json:"end"`

	// SegmentIDs is the ordered list of covered ASR segment indexes.
	SegmentIDs Int64List `gorm:"type:text" json:"segment_ids"`

	// Text is the merged ASR text of the whole window.
	Text string `gorm:"type:text" json:"text"`
}

// TableName returns the table name for ASRMergedChunk.
func (ASRMergedChunk) TableName() string {
	return "asr_merged_chunks"
}
