package pipeline

import (
	"context"
	"log/slog"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/blobstore"
	"github.com/subflowhq/subflow/internal/concurrency"
	"github.com/subflowhq/subflow/internal/config"
	"github.com/subflowhq/subflow/internal/llm"
	"github.com/subflowhq/subflow/internal/llmhealth"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/progress"
	"github.com/subflowhq/subflow/internal/provider"
	"github.com/subflowhq/subflow/internal/repository"
)

// ExecContext is the in-memory state handed from stage to stage. It is
// rebuilt from storage on resume; nothing in it is authoritative.
type ExecContext struct {
	// MediaPath is the resolved local path of the source media.
	MediaPath string
	// AudioPath is the extracted 16 kHz mono WAV.
	AudioPath string
	// VocalsPath is the separated vocals WAV (equals AudioPath when
	// separation is skipped).
	VocalsPath string
	// AudioHash and VocalsHash are the blob hashes of the above.
	AudioHash  string
	VocalsHash string

	// Regions are the detected speech windows, in time order.
	Regions []*models.VADRegion

	// Segments are the ASR segments in segment-index order, with
	// corrections applied to CorrectedText.
	Segments []*models.ASRSegment

	// MergedChunks are the correction-context windows.
	MergedChunks []*models.ASRMergedChunk

	// Transcript is the space-joined full transcript.
	Transcript string

	// GlobalContext is the Pass A understanding result.
	GlobalContext *models.GlobalContext

	// SemanticChunks are the final translation units.
	SemanticChunks []*models.SemanticChunk
}

// Deps bundles everything stage runners need.
type Deps struct {
	Config    *config.Config
	Repos     *repository.Registry
	Artifacts artifact.Store
	Blobs     *blobstore.Store
	Audio     *provider.AudioProvider
	VAD       provider.VADProvider
	ASR       provider.ASRProvider

	// LLMProfiles maps profile name (fast, power) to a provider, absent
	// when the profile has no API key.
	LLMProfiles map[string]llm.Provider

	Tracker *concurrency.Tracker
	Health  *llmhealth.Monitor
	Logger  *slog.Logger
}

// LLMFor returns the provider routed for a profile name, or nil when the
// profile is not configured.
func (d *Deps) LLMFor(profile string) llm.Provider {
	if d.LLMProfiles == nil {
		return nil
	}
	return d.LLMProfiles[profile]
}

// TrackerService maps a routing profile name to its concurrency class.
func TrackerService(profile string) string {
	if profile == "power" {
		return concurrency.ServiceLLMPower
	}
	return concurrency.ServiceLLMFast
}

// Runner executes one pipeline stage. Implementations must be idempotent
// against their own prior outputs: they delete the rows they own before
// writing.
type Runner interface {
	// Stage returns the fixed stage name.
	Stage() models.StageName

	// Run executes the stage, mutating pctx and returning the artifact
	// name -> storage identifier map it produced.
	Run(ctx context.Context, deps *Deps, project *models.Project, pctx *ExecContext, rep *progress.Reporter) (map[string]string, error)

	// Hydrate reconstructs this stage's contribution to pctx from storage.
	// It must be side-effect free.
	Hydrate(ctx context.Context, deps *Deps, project *models.Project, pctx *ExecContext) error

	// Reset deletes the repository rows the stage owns. Used by retry.
	Reset(ctx context.Context, deps *Deps, projectID models.ULID) error
}
