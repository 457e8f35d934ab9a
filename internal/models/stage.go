package models

import "fmt"

// StageName identifies one step of the subtitle pipeline.
type StageName string

const (
	// StageAudioPreprocess extracts and separates audio from the source media.
	StageAudioPreprocess StageName = "audio_preprocess"
	// StageVAD detects speech regions in the vocals track.
	StageVAD StageName = "vad"
	// StageASR transcribes speech regions into timed segments.
	StageASR StageName = "asr"
	// StageLLMCorrection corrects ASR segment text using merged-chunk context.
	StageLLMCorrection StageName = "llm_asr_correction"
	// StageLLM performs global understanding and semantic chunking+translation.
	StageLLM StageName = "llm"
)

// OrderedStages lists all pipeline stages in execution order.
// Stage indexes are 1-based: a project's CurrentStage is the index of the
// last completed stage, with 0 meaning nothing has run yet.
var OrderedStages = []StageName{
	StageAudioPreprocess,
	StageVAD,
	StageASR,
	StageLLMCorrection,
	StageLLM,
}

// FinalStageIndex is the index of the last pipeline stage.
const FinalStageIndex = 5

// Index returns the 1-based pipeline index of the stage, or 0 if unknown.
func (s StageName) Index() int {
	for i, name := range OrderedStages {
		if name == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether the stage name is a known pipeline stage.
func (s StageName) Valid() bool {
	return s.Index() != 0
}

// String returns the stage name.
func (s StageName) String() string {
	return string(s)
}

// ParseStage parses a stage name, failing on unknown values.
func ParseStage(s string) (StageName, error) {
	name := StageName(s)
	if !name.Valid() {
		return "", fmt.Errorf("unknown stage: %q", s)
	}
	return name, nil
}

// StageAt returns the stage at the given 1-based index.
func StageAt(index int) (StageName, error) {
	if index < 1 || index > len(OrderedStages) {
		return "", fmt.Errorf("stage index out of range: %d", index)
	}
	return OrderedStages[index-1], nil
}

// StagesFromTo returns the ordered stages with indexes in (from, to].
func StagesFromTo(from, to int) []StageName {
	if from < 0 {
		from = 0
	}
	if to > len(OrderedStages) {
		to = len(OrderedStages)
	}
	if from >= to {
		return nil
	}
	return OrderedStages[from:to]
}
