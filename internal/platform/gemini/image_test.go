package gemini

import (
	"context"
	"testing"

	"github.com/phrazzld/genflow/internal/domain"
	"github.com/phrazzld/genflow/internal/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestNewImageAdapter_Validation(t *testing.T) {
	t.Parallel()
	store := testStore(t)

	_, err := NewImageAdapter(nil, store, "imagen", testLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewImageAdapter(&fakeImageBackend{}, nil, "imagen", testLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = NewImageAdapter(&fakeImageBackend{}, store, "", testLogger())
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}

func TestImageAdapter_StartStoresImages(t *testing.T) {
	t.Parallel()
	store := testStore(t)
	backend := &fakeImageBackend{resp: &genai.GenerateImagesResponse{
		GeneratedImages: []*genai.GeneratedImage{
			{Image: &genai.Image{ImageBytes: []byte("one"), MIMEType: "image/png"}},
			{Image: &genai.Image{ImageBytes: []byte("two"), MIMEType: "image/png"}},
		},
	}}
	a, err := NewImageAdapter(backend, store, "imagen", testLogger())
	require.NoError(t, err)

	req := testRequest(domain.KindImage, `{"prompt":"a lighthouse","count":9}`)
	out, err := a.Start(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.False(t, out.IsPending())

	require.NotNil(t, backend.lastConfig)
	assert.Equal(t, int32(maxImages), backend.lastConfig.NumberOfImages)

	wantKey := "image/" + req.TaskID.String() + "/0.png"
	assert.Equal(t, wantKey, out.Result.StorageKey)
	assert.Equal(t, "https://assets.example.com/"+wantKey, out.Result.URL)
	assert.Equal(t, "image/png", out.Result.MIMEType)
	assert.Len(t, out.Result.Metadata["images"], 2)

	data, err := store.Read(context.Background(), "image/"+req.TaskID.String()+"/1.png")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestImageAdapter_StartFiltered(t *testing.T) {
	t.Parallel()
	backend := &fakeImageBackend{resp: &genai.GenerateImagesResponse{
		GeneratedImages: []*genai.GeneratedImage{{RAIFilteredReason: "person generation blocked"}},
	}}
	a, err := NewImageAdapter(backend, testStore(t), "imagen", testLogger())
	require.NoError(t, err)

	_, err = a.Start(context.Background(), testRequest(domain.KindImage, `{"prompt":"x"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, generation.ErrContentBlocked)
	assert.Equal(t, generation.ClassPermanent, generation.Classify(err))
}

func TestImageAdapter_StartEmptyResponse(t *testing.T) {
	t.Parallel()
	a, err := NewImageAdapter(&fakeImageBackend{resp: &genai.GenerateImagesResponse{}}, testStore(t), "imagen", testLogger())
	require.NoError(t, err)

	_, err = a.Start(context.Background(), testRequest(domain.KindImage, `{"prompt":"x"}`))
	assert.ErrorIs(t, err, generation.ErrInvalidResponse)
}

func TestImageAdapter_StartThrottled(t *testing.T) {
	t.Parallel()
	backend := &fakeImageBackend{err: genai.APIError{Code: 429, Message: "quota"}}
	a, err := NewImageAdapter(backend, testStore(t), "imagen", testLogger())
	require.NoError(t, err)

	_, err = a.Start(context.Background(), testRequest(domain.KindImage, `{"prompt":"x"}`))
	require.Error(t, err)
	var pe *generation.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, generation.ClassTransient, pe.Class)
	assert.Equal(t, "429", pe.Code)
	assert.Equal(t, "quota", pe.Message)
}

func TestImageAdapter_PollIsUnsupported(t *testing.T) {
	t.Parallel()
	a, err := NewImageAdapter(&fakeImageBackend{}, testStore(t), "imagen", testLogger())
	require.NoError(t, err)

	_, err = a.PollStatus(context.Background(), "anything")
	assert.Equal(t, generation.ClassPermanent, generation.Classify(err))
}
