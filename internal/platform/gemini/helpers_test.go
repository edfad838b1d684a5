package gemini

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/phrazzld/genflow/internal/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *storage.FileStore {
	t.Helper()
	s, err := storage.NewFileStore(t.TempDir(), "https://assets.example.com")
	require.NoError(t, err)
	return s
}

func testRequest(kind domain.Kind, params string) generation.Request {
	return generation.Request{
		TaskID: uuid.New(),
		Kind:   kind,
		Params: json.RawMessage(params),
	}
}

// fakeVideoBackend scripts Veo responses.
type fakeVideoBackend struct {
	mu         sync.Mutex
	startOp    *genai.GenerateVideosOperation
	startErr   error
	polls      []*genai.GenerateVideosOperation
	pollErr    error
	lastPrompt string
	lastConfig *genai.GenerateVideosConfig
	polledName string
}

func (f *fakeVideoBackend) GenerateVideos(
	ctx context.Context,
	model string,
	prompt string,
	image *genai.Image,
	config *genai.GenerateVideosConfig,
) (*genai.GenerateVideosOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPrompt = prompt
	f.lastConfig = config
	return f.startOp, f.startErr
}

func (f *fakeVideoBackend) GetVideosOperation(
	ctx context.Context,
	operation *genai.GenerateVideosOperation,
	config *genai.GetOperationConfig,
) (*genai.GenerateVideosOperation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polledName = operation.Name
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.polls) == 0 {
		return &genai.GenerateVideosOperation{Name: operation.Name}, nil
	}
	op := f.polls[0]
	f.polls = f.polls[1:]
	return op, nil
}

// fakeImageBackend scripts Imagen responses.
type fakeImageBackend struct {
	resp       *genai.GenerateImagesResponse
	err        error
	lastConfig *genai.GenerateImagesConfig
}

func (f *fakeImageBackend) GenerateImages(
	ctx context.Context,
	model string,
	prompt string,
	config *genai.GenerateImagesConfig,
) (*genai.GenerateImagesResponse, error) {
	f.lastConfig = config
	return f.resp, f.err
}
