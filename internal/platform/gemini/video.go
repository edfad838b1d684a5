package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/storage"
	"google.golang.org/genai"
)

// VideoAdapterName identifies the Veo adapter.
const VideoAdapterName = "gemini-veo"

const defaultVideoMIME = "video/mp4"

// VideoAdapter generates videos with Veo.
type VideoAdapter struct {
	backend VideoBackend
	store   storage.Writer
	model   string
	logger  *slog.Logger
}

var _ generation.Adapter = (*VideoAdapter)(nil)

// NewVideoAdapter creates a Veo adapter for model.
func NewVideoAdapter(backend VideoBackend, store storage.Writer, model string, logger *slog.Logger) (*VideoAdapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: video backend cannot be nil", generation.ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: video model cannot be empty", generation.ErrInvalidConfig)
	}
	return &VideoAdapter{
		backend: backend,
		store:   store,
		model:   model,
		logger:  logger.With("component", "gemini_video", "model", model),
	}, nil
}

// Name implements generation.Adapter.
func (a *VideoAdapter) Name() string { return VideoAdapterName }

// Start submits a Veo generation and returns its operation name.
func (a *VideoAdapter) Start(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	p, err := parseParams(req.Params)
	if err != nil {
		return generation.Outcome{}, generation.Permanent(VideoAdapterName, "invalid_params", err.Error(), err)
	}

	cfg := &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    p.AspectRatio,
		NegativePrompt: p.NegativePrompt,
	}

	a.logger.InfoContext(ctx, "submitting video generation",
		"task_id", req.TaskID,
		"attempt", req.Attempt,
		"prompt_length", len(p.Prompt))

	op, err := a.backend.GenerateVideos(ctx, a.model, p.Prompt, nil, cfg)
	if err != nil {
		return generation.Outcome{}, classifyError(VideoAdapterName, err)
	}
	if op == nil {
		return generation.Outcome{}, generation.Permanent(VideoAdapterName, "", "nil operation", generation.ErrInvalidResponse)
	}

	if op.Done {
		result, err := a.finish(ctx, op)
		if err != nil {
			return generation.Outcome{}, err
		}
		return generation.Completed(result), nil
	}
	if op.Name == "" {
		return generation.Outcome{}, generation.Permanent(VideoAdapterName, "", "operation has no name", generation.ErrInvalidResponse)
	}

	a.logger.DebugContext(ctx, "video generation pending", "task_id", req.TaskID, "operation", op.Name)
	return generation.Pending(op.Name), nil
}

// PollStatus fetches the operation named by handle.
func (a *VideoAdapter) PollStatus(ctx context.Context, handle string) (generation.PollOutcome, error) {
	if handle == "" {
		return generation.PollOutcome{}, generation.Permanent(VideoAdapterName, "", "empty operation name", generation.ErrInvalidParams)
	}

	op, err := a.backend.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: handle}, nil)
	if err != nil {
		return generation.PollOutcome{}, classifyError(VideoAdapterName, err)
	}
	if op == nil {
		return generation.PollOutcome{}, generation.Transient(VideoAdapterName, "", "empty operation status", generation.ErrInvalidResponse)
	}
	if !op.Done {
		return generation.PollOutcome{}, nil
	}
	if op.Name == "" {
		op.Name = handle
	}

	result, err := a.finish(ctx, op)
	if err != nil {
		return generation.PollOutcome{}, err
	}
	return generation.PollOutcome{Result: result}, nil
}

// finish converts a done operation into a result.
func (a *VideoAdapter) finish(ctx context.Context, op *genai.GenerateVideosOperation) (*domain.Result, error) {
	if len(op.Error) > 0 {
		return nil, operationError(VideoAdapterName, op.Error)
	}

	resp := op.Response
	if resp == nil || len(resp.GeneratedVideos) == 0 || resp.GeneratedVideos[0] == nil || resp.GeneratedVideos[0].Video == nil {
		if resp != nil && resp.RAIMediaFilteredCount > 0 {
			reason := strings.Join(resp.RAIMediaFilteredReasons, "; ")
			return nil, generation.Permanent(VideoAdapterName, "content_filtered", reason, generation.ErrContentBlocked)
		}
		return nil, generation.Permanent(VideoAdapterName, "", "operation finished without a video", generation.ErrInvalidResponse)
	}

	video := resp.GeneratedVideos[0].Video
	mimeType := video.MIMEType
	if mimeType == "" {
		mimeType = defaultVideoMIME
	}

	if len(video.VideoBytes) > 0 {
		if a.store == nil {
			return nil, generation.Permanent(VideoAdapterName, "", "inline video returned but no storage configured", generation.ErrInvalidConfig)
		}
		key := path.Join("video", path.Base(op.Name)+storage.ExtensionForMIME(mimeType))
		stored, err := a.store.Write(ctx, key, video.VideoBytes)
		if err != nil {
			return nil, generation.Transient(VideoAdapterName, "storage", "failed to store video", err)
		}
		return &domain.Result{
			URL:        a.store.URL(stored),
			StorageKey: stored,
			MIMEType:   mimeType,
			Metadata:   map[string]any{"operation": op.Name},
		}, nil
	}

	if video.URI == "" {
		return nil, generation.Permanent(VideoAdapterName, "", "video has neither bytes nor uri", generation.ErrInvalidResponse)
	}
	return &domain.Result{
		URL:      video.URI,
		MIMEType: mimeType,
		Metadata: map[string]any{"operation": op.Name},
	}, nil
}
