package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/phrazzld/genflow/internal/config"
	"github.com/phrazzld/genflow/internal/generation"
	"google.golang.org/genai"
)

// VideoBackend is the subset of the genai client used by the Veo adapter.
type VideoBackend interface {
	GenerateVideos(
		ctx context.Context,
		model string,
		prompt string,
		image *genai.Image,
		config *genai.GenerateVideosConfig,
	) (*genai.GenerateVideosOperation, error)

	GetVideosOperation(
		ctx context.Context,
		operation *genai.GenerateVideosOperation,
		config *genai.GetOperationConfig,
	) (*genai.GenerateVideosOperation, error)
}

// ImageBackend is the subset of the genai client used by the Imagen adapter.
type ImageBackend interface {
	GenerateImages(
		ctx context.Context,
		model string,
		prompt string,
		config *genai.GenerateImagesConfig,
	) (*genai.GenerateImagesResponse, error)
}

// Backend adapts a *genai.Client to VideoBackend and ImageBackend.
type Backend struct {
	client *genai.Client
}

var (
	_ VideoBackend = (*Backend)(nil)
	_ ImageBackend = (*Backend)(nil)
)

// NewBackend creates a Gemini API client from cfg.
func NewBackend(ctx context.Context, cfg config.GeminiConfig) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", generation.ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", generation.ErrInvalidConfig, err)
	}
	return &Backend{client: client}, nil
}

// GenerateVideos implements VideoBackend.
func (b *Backend) GenerateVideos(
	ctx context.Context,
	model string,
	prompt string,
	image *genai.Image,
	config *genai.GenerateVideosConfig,
) (*genai.GenerateVideosOperation, error) {
	return b.client.Models.GenerateVideos(ctx, model, prompt, image, config)
}

// GetVideosOperation implements VideoBackend.
func (b *Backend) GetVideosOperation(
	ctx context.Context,
	operation *genai.GenerateVideosOperation,
	config *genai.GetOperationConfig,
) (*genai.GenerateVideosOperation, error) {
	return b.client.Operations.GetVideosOperation(ctx, operation, config)
}

// GenerateImages implements ImageBackend.
func (b *Backend) GenerateImages(
	ctx context.Context,
	model string,
	prompt string,
	config *genai.GenerateImagesConfig,
) (*genai.GenerateImagesResponse, error) {
	return b.client.Models.GenerateImages(ctx, model, prompt, config)
}

// classifyError converts a genai call failure into a *generation.ProviderError.
// Cancellation is passed through unchanged so callers can tell shutdown
// from provider failure.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return generation.Transient(provider, "timeout", "request timed out", err)
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(provider, apiErr, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyAPIError(provider, *apiErrPtr, err)
	}

	// no status: most likely the network
	return generation.Transient(provider, "", "request failed", err)
}

func classifyAPIError(provider string, apiErr genai.APIError, err error) error {
	code := strconv.Itoa(apiErr.Code)
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Status
	}
	if isTransientStatus(apiErr.Code) {
		return generation.Transient(provider, code, msg, err)
	}
	return generation.Permanent(provider, code, msg, err)
}

func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}

// operationError converts the error payload of a finished operation.
func operationError(provider string, payload map[string]any) error {
	code := ""
	switch v := payload["code"].(type) {
	case float64:
		code = strconv.Itoa(int(v))
	case int:
		code = strconv.Itoa(v)
	case string:
		code = v
	}
	msg, _ := payload["message"].(string)
	if msg == "" {
		msg = "operation failed"
	}
	if n, err := strconv.Atoi(code); err == nil && isTransientStatus(n) {
		return generation.Transient(provider, code, msg, nil)
	}
	return generation.Permanent(provider, code, msg, nil)
}
