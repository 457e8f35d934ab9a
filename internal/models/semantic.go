package models

// SemanticChunk is one translation unit covering one or more ASR segments.
// The union of its translation chunks' segment ids equals SegmentIDs exactly.
type SemanticChunk struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index;uniqueIndex:idx_semantic_chunks_project_index" json:"project_id"`

	// ChunkIndex is the chunk position, contiguous from 0 per project.
	ChunkIndex int `gorm:"not null;uniqueIndex:idx_semantic_chunks_project_index" json:"chunk_index"`

	// SourceText is the corrected source text of the unit.
	SourceText string `gorm:"type:text" json:"source_text"`

	// Translation is the full translation of the unit.
	Translation string `gorm:"type:text" json:"translation"`

	// SegmentIDs is the ordered list of covered ASR segment indexes.
	SegmentIDs Int64List `gorm:"type:text" json:"asr_segment_ids"`

	// TranslationChunks are the per-segment translation slices.
	TranslationChunks []*TranslationChunk `gorm:"-" json:"translation_chunks,omitempty"`
}

// TableName returns the table name for SemanticChunk.
func (SemanticChunk) TableName() string {
	return "semantic_chunks"
}

// TranslationChunk is a translation slice bound to exactly one ASR segment.
// Slice boundaries follow target-language word order, not source boundaries.
type TranslationChunk struct {
	BaseModel

	// SemanticChunkID is the owning semantic chunk.
	SemanticChunkID ULID `gorm:"type:varchar(26);not null;index" json:"semantic_chunk_id"`

	// Position orders the slices within the semantic chunk.
	Position int `gorm:"not null" json:"position"`

	// SegmentID is the ASR segment index this slice maps to.
	SegmentID int64 `gorm:"not null" json:"segment_id"`

	// Text is the translation slice.
	Text string `gorm:"type:text" json:"text"`
}

// TableName returns the table name for TranslationChunk.
func (TranslationChunk) TableName() string {
	return "translation_chunks"
}

// GlobalContext is the per-project structured summary produced by the
// global-understanding pass and used to condition translation.
type GlobalContext struct {
	BaseModel

	// ProjectID is the owning project; one row per project.
	ProjectID ULID `gorm:"type:varchar(26);not null;uniqueIndex" json:"project_id"`

	// Topic is a short description of what the media is about.
	Topic string `gorm:"size:512" json:"topic"`

	// Domain is the subject domain (e.g. "software engineering").
	Domain string `gorm:"size:255" json:"domain"`

	// Style is the speaking style (e.g. "casual lecture").
	Style string `gorm:"size:255" json:"style"`

	// Glossary maps source terms to target terms.
	Glossary StringMap `gorm:"type:text" json:"glossary"`

	// TranslationNotes are free-form guidance strings for the translator pass.
	TranslationNotes StringList `gorm:"type:text" json:"translation_notes"`
}

// TableName returns the table name for GlobalContext.
func (GlobalContext) TableName() string {
	return "global_contexts"
}
