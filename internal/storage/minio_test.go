package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	"go.uber.org/zap"
)

// setupMinio starts a MinIO container and returns a storage bound to a fresh bucket.
func setupMinio(t *testing.T) *MinioStorage {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := tcminio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate minio container: %v", err)
		}
	})

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := NewMinioStorage(ctx, MinioOptions{
		Endpoint:        endpoint,
		AccessKey:       container.Username,
		SecretKey:       container.Password,
		Bucket:          "tempshare-test",
		PublicBase:      "http://" + endpoint + "/tempshare-test",
		ExpireAfterDays: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestMinioStorage_UploadListDeletePrefix(t *testing.T) {
	s := setupMinio(t)
	ctx := context.Background()

	payload := []byte("0123456789")
	require.NoError(t, s.Upload(ctx, "1234/a.txt", bytes.NewReader(payload), int64(len(payload)), "text/plain"))
	require.NoError(t, s.Upload(ctx, "1234/b.txt", bytes.NewReader(payload), int64(len(payload)), "text/plain"))
	require.NoError(t, s.Upload(ctx, "12345/c.txt", bytes.NewReader(payload), int64(len(payload)), "text/plain"))

	objs, err := s.List(ctx, "1234/")
	require.NoError(t, err)
	assert.Len(t, objs, 2)
	for _, o := range objs {
		assert.Equal(t, int64(10), o.Size)
		assert.False(t, o.LastModified.IsZero())
	}

	n, err := s.DeletePrefix(ctx, "1234/")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	objs, err = s.List(ctx, "1234/")
	require.NoError(t, err)
	assert.Empty(t, objs)

	// Neighbouring prefix is untouched.
	objs, err = s.List(ctx, "12345/")
	require.NoError(t, err)
	assert.Len(t, objs, 1)

	// Deleting an empty prefix is a no-op.
	n, err = s.DeletePrefix(ctx, "1234/")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMinioStorage_DeletePrefixRejectsEmpty(t *testing.T) {
	s := &MinioStorage{log: zap.NewNop()}
	_, err := s.DeletePrefix(context.Background(), "")
	assert.Error(t, err)
}

func TestPublicReadPolicy(t *testing.T) {
	var policy struct {
		Statement []struct {
			Action   string
			Resource string
		}
	}
	raw, err := publicReadPolicy("bucket")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(raw), &policy))
	require.Len(t, policy.Statement, 1)
	assert.Equal(t, "s3:GetObject", policy.Statement[0].Action)
	assert.Equal(t, "arn:aws:s3:::bucket/*", policy.Statement[0].Resource)
}
