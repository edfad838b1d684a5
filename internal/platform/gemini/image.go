package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/storage"
	"google.golang.org/genai"
)

// ImageAdapterName identifies the Imagen adapter.
const ImageAdapterName = "gemini-imagen"

const defaultImageMIME = "image/png"

// ImageAdapter generates images with Imagen. Generation is synchronous.
type ImageAdapter struct {
	backend ImageBackend
	store   storage.Writer
	model   string
	logger  *slog.Logger
}

var _ generation.Adapter = (*ImageAdapter)(nil)

// NewImageAdapter creates an Imagen adapter for model. Images are returned
// inline, so store is required.
func NewImageAdapter(backend ImageBackend, store storage.Writer, model string, logger *slog.Logger) (*ImageAdapter, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: image backend cannot be nil", generation.ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: image storage cannot be nil", generation.ErrInvalidConfig)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: image model cannot be empty", generation.ErrInvalidConfig)
	}
	return &ImageAdapter{
		backend: backend,
		store:   store,
		model:   model,
		logger:  logger.With("component", "gemini_image", "model", model),
	}, nil
}

// Name implements generation.Adapter.
func (a *ImageAdapter) Name() string { return ImageAdapterName }

// Start generates the images and stores them.
func (a *ImageAdapter) Start(ctx context.Context, req generation.Request) (generation.Outcome, error) {
	p, err := parseParams(req.Params)
	if err != nil {
		return generation.Outcome{}, generation.Permanent(ImageAdapterName, "invalid_params", err.Error(), err)
	}

	a.logger.InfoContext(ctx, "generating images",
		"task_id", req.TaskID,
		"attempt", req.Attempt,
		"count", p.Count)

	resp, err := a.backend.GenerateImages(ctx, a.model, p.Prompt, &genai.GenerateImagesConfig{
		NumberOfImages: int32(p.Count),
		AspectRatio:    p.AspectRatio,
		NegativePrompt: p.NegativePrompt,
	})
	if err != nil {
		return generation.Outcome{}, classifyError(ImageAdapterName, err)
	}
	if resp == nil {
		return generation.Outcome{}, generation.Permanent(ImageAdapterName, "", "nil response", generation.ErrInvalidResponse)
	}

	var (
		urls     []string
		keys     []string
		mimeType string
		filtered string
	)
	for i, gen := range resp.GeneratedImages {
		if gen == nil {
			continue
		}
		if gen.RAIFilteredReason != "" {
			filtered = gen.RAIFilteredReason
		}
		if gen.Image == nil || len(gen.Image.ImageBytes) == 0 {
			continue
		}
		mt := gen.Image.MIMEType
		if mt == "" {
			mt = defaultImageMIME
		}
		key := "image/" + req.TaskID.String() + "/" + strconv.Itoa(i) + storage.ExtensionForMIME(mt)
		stored, err := a.store.Write(ctx, key, gen.Image.ImageBytes)
		if err != nil {
			return generation.Outcome{}, generation.Transient(ImageAdapterName, "storage", "failed to store image", err)
		}
		if mimeType == "" {
			mimeType = mt
		}
		keys = append(keys, stored)
		urls = append(urls, a.store.URL(stored))
	}

	if len(urls) == 0 {
		if filtered != "" {
			return generation.Outcome{}, generation.Permanent(ImageAdapterName, "content_filtered", filtered, generation.ErrContentBlocked)
		}
		return generation.Outcome{}, generation.Permanent(ImageAdapterName, "", "no images generated", generation.ErrInvalidResponse)
	}

	result := &domain.Result{
		URL:        urls[0],
		StorageKey: keys[0],
		MIMEType:   mimeType,
	}
	if len(urls) > 1 {
		result.Metadata = map[string]any{"images": urls}
	}
	return generation.Completed(result), nil
}

// PollStatus implements generation.Adapter. Imagen never issues handles.
func (a *ImageAdapter) PollStatus(ctx context.Context, handle string) (generation.PollOutcome, error) {
	return generation.PollOutcome{}, generation.Permanent(ImageAdapterName, "", "image generation is synchronous", generation.ErrInvalidParams)
}
