// Package stages implements the five pipeline stage runners. Each runner
// satisfies pipeline.Runner: Run produces the stage's rows and artifacts,
// Hydrate rebuilds its execution-context contribution from storage, and
// Reset drops its owned rows for retry.
package stages

import (
	"github.com/subflowhq/subflow/internal/pipeline"
)

// Artifact names are deterministic per stage so reruns overwrite instead of
// accumulating.
const (
	artifactStage1     = "stage1.json"
	artifactVADProbs   = "vad_frame_probs.bin"
	artifactVADRegions = "vad_regions.json"
	artifactTranscript = "transcript.txt"
	artifactSegments   = "asr_segments.json"
	artifactContext    = "global_context.json"
	artifactChunks     = "semantic_chunks.json"
)

// All returns every stage runner in pipeline order.
func All() []pipeline.Runner {
	return []pipeline.Runner{
		&PreprocessRunner{},
		&VADRunner{},
		&ASRRunner{},
		&CorrectionRunner{},
		&SemanticRunner{},
	}
}
