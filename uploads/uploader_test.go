package uploads

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeout(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want time.Duration
	}{
		{name: "empty", size: 0, want: time.Minute},
		{name: "below one MiB", size: 512 * 1024, want: time.Minute},
		{name: "one MiB", size: mib, want: time.Minute},
		{name: "one and a half MiB", size: mib + mib/2, want: 90 * time.Second},
		{name: "twenty MiB", size: 20 * mib, want: 20 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Timeout(tt.size))
		})
	}
}

func TestUpload_NativeSingle(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	info, err := s.Upload(ctx, batch, blob.NewBufferBlob([]byte("hello"), "my file.txt", ""), UploaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, info.FileIdx)
	assert.True(t, info.Uploaded)
	assert.Equal(t, int64(5), info.UploadedSize)
	assert.Equal(t, batch.ID, info.BatchID)
	assert.Equal(t, blob.UploadTypeNormal, info.UploadType)
	assert.Equal(t, 1, batch.NextIdx())

	stored, ok := batch.Blob(0)
	require.True(t, ok)
	assert.Equal(t, info, stored)
	assert.NotSame(t, info, stored)

	file, ok := server.File(batch.ID, 0)
	require.True(t, ok)
	assert.Equal(t, "hello", string(file.Content()))
	assert.Equal(t, "my file.txt", file.Name)
	assert.Equal(t, "text/plain", file.MimeType)

	requests := server.Requests()
	last := requests[len(requests)-1]
	assert.Equal(t, "my%20file.txt", last.Header.Get("X-File-Name"))
	assert.Equal(t, "5", last.Header.Get("X-File-Size"))
	assert.Equal(t, "no-cache", last.Header.Get("Cache-Control"))
	assert.Equal(t, "text/plain", last.Header.Get("Content-Type"))
	assert.Empty(t, last.Header.Get("X-Upload-Type"))

	info, err = s.Upload(ctx, batch, blob.NewBufferBlob([]byte("world"), "other.txt", ""), UploaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, info.FileIdx)
	assert.Equal(t, 2, batch.NextIdx())
}

func TestUpload_SameBlobTwice(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()
	b := blob.NewBufferBlob([]byte("data"), "Test.txt", "")

	first, err := s.Create(ctx, "")
	require.NoError(t, err)
	second, err := s.Create(ctx, "")
	require.NoError(t, err)

	firstInfo, err := s.Upload(ctx, first, b, UploaderOptions{})
	require.NoError(t, err)
	secondInfo, err := s.Upload(ctx, second, b, UploaderOptions{})
	require.NoError(t, err)
	againInfo, err := s.Upload(ctx, second, b, UploaderOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, server.CountRequests(http.MethodPost, "/upload/"+first.ID+"/0"))
	assert.Equal(t, 1, server.CountRequests(http.MethodPost, "/upload/"+second.ID+"/0"))
	assert.Equal(t, 1, server.CountRequests(http.MethodPost, "/upload/"+second.ID+"/1"))
	for _, idx := range []int{0, 1} {
		file, ok := server.File(second.ID, idx)
		require.True(t, ok)
		assert.Equal(t, "data", string(file.Content()))
	}

	stored, ok := first.Blob(0)
	require.True(t, ok)
	assert.Equal(t, first.ID, stored.BatchID)
	assert.Equal(t, 0, stored.FileIdx)
	assert.Equal(t, first.ID, firstInfo.BatchID)
	assert.Equal(t, second.ID, secondInfo.BatchID)
	assert.Equal(t, 0, secondInfo.FileIdx)
	assert.Equal(t, 1, againInfo.FileIdx)
	assert.Equal(t, 2, second.NextIdx())

	assert.False(t, b.Info().Uploaded)
	assert.Equal(t, blob.NoFileIdx, b.Info().FileIdx)
}

func TestUpload_NativeChunked(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := []byte("0123456789")
	var progress []int64
	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "digits.bin", "application/octet-stream"), UploaderOptions{
		Chunked:   true,
		ChunkSize: 4,
		Callbacks: []func(*Uploader){
			func(u *Uploader) { progress = append(progress, u.Info().UploadedSize) },
		},
	})
	require.NoError(t, err)
	assert.True(t, u.Chunked())
	assert.False(t, u.IsComplete())

	info, err := u.Upload(ctx)
	require.NoError(t, err)
	assert.True(t, u.IsComplete())
	assert.Equal(t, []int64{4, 8, 10}, progress)
	assert.Equal(t, 3, info.ChunkCount)
	assert.Equal(t, []int{0, 1, 2}, info.UploadedChunkIDs)
	assert.Equal(t, int64(10), info.UploadedSize)
	assert.Equal(t, blob.UploadTypeChunked, info.UploadType)
	assert.Equal(t, 0, info.FileIdx)
	assert.Equal(t, int64(3), u.Stats().FinishedCount())

	file, ok := server.File(batch.ID, 0)
	require.True(t, ok)
	assert.Equal(t, data, file.Content())

	var indexes []string
	for _, r := range server.Requests() {
		if r.Method == http.MethodPost && r.Header.Get("X-Upload-Type") == "chunked" {
			indexes = append(indexes, r.Header.Get("X-Upload-Chunk-Index"))
			assert.Equal(t, "3", r.Header.Get("X-Upload-Chunk-Count"))
		}
	}
	assert.Equal(t, []string{"0", "1", "2"}, indexes)
}

func TestUpload_EmptyBlobIsNotChunked(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	u, err := s.Uploader(batch, blob.NewBufferBlob(nil, "empty.txt", ""), UploaderOptions{Chunked: true})
	require.NoError(t, err)
	assert.False(t, u.Chunked())

	info, err := u.Upload(ctx)
	require.NoError(t, err)
	assert.True(t, info.Uploaded)
	assert.Zero(t, info.UploadedSize)

	file, ok := server.File(batch.ID, 0)
	require.True(t, ok)
	assert.Empty(t, file.Content())
}

func TestUpload_ResumesChunkedUpload(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	data := []byte("0123456789")
	id := server.NewBatch("default")
	server.PutChunks(id, 0, "digits.bin", 10, 3, map[int][]byte{0: data[0:4], 1: data[4:8]})
	batch := &Batch{ID: id, Blobs: map[int]*blob.Info{}}

	info, err := s.Upload(ctx, batch, blob.NewBufferBlob(data, "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, info.UploadedChunkIDs)
	assert.Equal(t, int64(10), info.UploadedSize)

	assert.Equal(t, 1, server.CountRequests(http.MethodPost, "/upload/"+id+"/0"))
	file, _ := server.File(id, 0)
	assert.Equal(t, data, file.Content())
}

func TestUpload_AllChunksAlreadyUploaded(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	data := []byte("0123456789")
	id := server.NewBatch("default")
	server.PutChunks(id, 0, "digits.bin", 10, 3, map[int][]byte{0: data[0:4], 1: data[4:8], 2: data[8:]})
	batch := &Batch{ID: id, Blobs: map[int]*blob.Info{}}

	info, err := s.Upload(ctx, batch, blob.NewBufferBlob(data, "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)
	assert.True(t, info.Uploaded)
	assert.Zero(t, server.CountRequests(http.MethodPost, "/upload/"+id+"/0"))
	assert.Equal(t, 1, batch.NextIdx())
}

func TestUpload_ReuploadsChunkLostByServer(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := []byte("0123456789")
	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)

	dropped := false
	for u, err := range u.IterUpload(ctx) {
		require.NoError(t, err)
		if !dropped {
			server.DropChunk(batch.ID, 0, 0)
			dropped = true
			assert.Equal(t, []int{0}, u.Info().UploadedChunkIDs)
		}
	}

	assert.True(t, u.IsComplete())
	assert.Equal(t, 4, server.CountRequests(http.MethodPost, "/upload/"+batch.ID+"/0"))
	file, _ := server.File(batch.ID, 0)
	assert.Equal(t, data, file.Content())
}

func TestUploader_IterUpload_PauseAndResume(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := bytes.Repeat([]byte("x"), 10)
	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "x.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)

	for _, err := range u.IterUpload(ctx) {
		require.NoError(t, err)
		break
	}
	assert.False(t, u.IsComplete())
	assert.Equal(t, int64(4), u.Info().UploadedSize)
	assert.Equal(t, 0, batch.NextIdx())

	_, err = u.Upload(ctx)
	require.NoError(t, err)
	assert.True(t, u.IsComplete())
	assert.Equal(t, 3, server.CountRequests(http.MethodPost, "/upload/"+batch.ID+"/0"))

	done, err := u.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
}

// failChunk makes the server reject the given chunk index times times.
func failChunk(index string, times int) func(w http.ResponseWriter, r *http.Request) bool {
	return func(w http.ResponseWriter, r *http.Request) bool {
		if times == 0 || r.Method != http.MethodPost || r.Header.Get("X-Upload-Chunk-Index") != index {
			return false
		}
		times--
		http.Error(w, `{"message":"chunk rejected"}`, http.StatusBadRequest)
		return true
	}
}

func TestUpload_ChunkErrorThenResume(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()
	server.Intercept = failChunk("1", 1)

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := []byte("0123456789")
	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)

	_, err = u.Upload(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierrors.ErrUpload))
	var uploadErr *apierrors.UploadError
	require.True(t, errors.As(err, &uploadErr))
	assert.Equal(t, 1, uploadErr.Chunk)
	assert.Equal(t, "digits.bin", uploadErr.Name)
	assert.Contains(t, uploadErr.Info, "chunk rejected")
	assert.Equal(t, []int{0}, u.Info().UploadedChunkIDs)

	info, err := u.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, info.UploadedChunkIDs)
	file, _ := server.File(batch.ID, 0)
	assert.Equal(t, data, file.Content())
}

func TestUploadWithRetry(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()
	server.Intercept = failChunk("2", 2)

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := []byte("0123456789")
	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)

	info, err := UploadWithRetry(ctx, u, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3))
	require.NoError(t, err)
	assert.True(t, info.Uploaded)
	file, _ := server.File(batch.ID, 0)
	assert.Equal(t, data, file.Content())
}

func TestUploadWithRetry_GivesUp(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()
	server.Intercept = failChunk("0", 10)

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	u, err := s.Uploader(batch, blob.NewBufferBlob([]byte("0123456789"), "digits.bin", ""), UploaderOptions{Chunked: true, ChunkSize: 4})
	require.NoError(t, err)

	_, err = UploadWithRetry(ctx, u, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2))
	assert.True(t, errors.Is(err, apierrors.ErrUpload))
	assert.Equal(t, 3, server.CountRequests(http.MethodPost, "/upload/"+batch.ID+"/0"))
}

func TestUploadWithRetry_DoesNotRetryInvalidBatch(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)
	u, err := s.Uploader(batch, blob.NewBufferBlob([]byte("data"), "a.txt", ""), UploaderOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, batch))

	attempts := 0
	policy := backoff.WithMaxRetries(&countingBackOff{attempts: &attempts}, 5)
	_, err = UploadWithRetry(ctx, u, policy)
	assert.True(t, errors.Is(err, apierrors.ErrInvalidBatch))
	assert.Zero(t, attempts)
}

type countingBackOff struct {
	attempts *int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	*b.attempts++
	return 0
}

func (b *countingBackOff) Reset() {}

func TestUpload_SingleShotScenario(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	_, err = s.Upload(ctx, batch, blob.NewBufferBlob([]byte("data"), "Test.txt", ""), UploaderOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, batch.NextIdx())
	info, ok := batch.Blob(0)
	require.True(t, ok)
	assert.Equal(t, int64(4), info.Size)
	assert.Equal(t, blob.UploadTypeNormal, info.UploadType)
	assert.True(t, info.Uploaded)
}

func TestUpload_ChunkedResumeWithNewUploader(t *testing.T) {
	s, server := newTestService(t)
	ctx := context.Background()
	server.Intercept = failChunk("3", 1)

	batch, err := s.Create(ctx, "")
	require.NoError(t, err)

	data := make([]byte, 4*mib)
	for i := range data {
		data[i] = byte(i * 7)
	}
	opts := UploaderOptions{Chunked: true, ChunkSize: mib}

	u, err := s.Uploader(batch, blob.NewBufferBlob(data, "random.bin", ""), opts)
	require.NoError(t, err)
	_, err = u.Upload(ctx)
	require.True(t, errors.Is(err, apierrors.ErrUpload))
	posts := server.CountRequests(http.MethodPost, "/upload/"+batch.ID+"/0")
	assert.Equal(t, 4, posts)

	u, err = s.Uploader(batch, blob.NewBufferBlob(data, "random.bin", ""), opts)
	require.NoError(t, err)
	info, err := u.Upload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, info.UploadedChunkIDs)
	assert.Equal(t, posts+1, server.CountRequests(http.MethodPost, "/upload/"+batch.ID+"/0"))

	file, _ := server.File(batch.ID, 0)
	assert.True(t, bytes.Equal(data, file.Content()))
}
