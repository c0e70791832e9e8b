package integrationtests

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nervus-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucketName = "test-bucket"

func TestS3Provider_PutGetObject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	provider := setupS3Provider(t, ctx, bucketName)

	// Creating an existing bucket is not an error.
	require.NoError(t, provider.CreateBucket(ctx, bucketName))

	key := "runs/a/weights/weight_epoch-001-best.safetensors"
	content := []byte("Test content")
	putObject(t, provider, bucketName, key, content)

	data, err := provider.GetObject(ctx, bucketName, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	stream, err := provider.GetObjectStream(ctx, bucketName, key)
	require.NoError(t, err)
	data, err = io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, content, data)

	filename := filepath.Join(t.TempDir(), "nested", "weights.safetensors")
	require.NoError(t, provider.DownloadObject(ctx, bucketName, key, filename))
	data, err = os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	_, err = provider.GetObject(ctx, bucketName, "runs/a/missing.csv")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	_, err = provider.GetObjectStream(ctx, bucketName, "runs/a/missing.csv")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestS3Provider_ListAndDeleteObjects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	provider := setupS3Provider(t, ctx, bucketName)

	keys := []string{
		"runs/a/parameter.csv",
		"runs/a/learning_curves/learning_curve_y.csv",
		"runs/a/weights/weight_epoch-001.safetensors",
		"runs/b/parameter.csv",
	}
	for _, key := range keys {
		putObject(t, provider, bucketName, key, []byte(key))
	}

	objects, err := provider.ListObjects(ctx, bucketName, "runs/a")
	require.NoError(t, err)
	names := make([]string, 0, len(objects))
	for _, obj := range objects {
		names = append(names, obj.Name)
		assert.Positive(t, obj.Size)
	}
	assert.ElementsMatch(t, keys[:3], names)

	count := 0
	for obj, err := range provider.IterObjects(ctx, bucketName, "runs/") {
		require.NoError(t, err)
		assert.NotEmpty(t, obj.Name)
		count++
	}
	assert.Equal(t, len(keys), count)

	require.NoError(t, provider.DeleteObjects(ctx, bucketName, "runs/a"))

	objects, err = provider.ListObjects(ctx, bucketName, "runs/a")
	require.NoError(t, err)
	assert.Empty(t, objects)

	objects, err = provider.ListObjects(ctx, bucketName, "runs/b")
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestS3Provider_ValidateAccess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	provider := setupS3Provider(t, ctx, bucketName)

	assert.NoError(t, provider.ValidateAccess(ctx, bucketName, "runs/"))
	assert.Error(t, provider.ValidateAccess(ctx, "missing-bucket", ""))
}

var _ storage.Provider = (*storage.S3Provider)(nil)
