package uploads

import (
	"context"
	"errors"
	"iter"
	"sort"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

const mib = 1024 * 1024

// Timeout returns how long sending size bytes may take: one minute per MiB, at least one minute.
func Timeout(size int64) time.Duration {
	t := time.Duration(float64(time.Minute) * float64(size) / mib)
	if t < time.Minute {
		return time.Minute
	}
	return t
}

// UploaderOptions tune an Uploader.
type UploaderOptions struct {
	// Chunked splits the blob into chunks that are sent, and resumed, one by one.
	Chunked bool
	// ChunkSize defaults to DefaultChunkSize. S3 uploads adjust it to the S3 limits.
	ChunkSize int64
	// Callbacks are called in order after each uploaded chunk.
	Callbacks []func(u *Uploader)
	// TokenCallback is called when the S3 credentials of the batch are refreshed.
	TokenCallback TokenCallback
}

// strategy is one way of sending bytes: native or S3, in one shot or in chunks.
type strategy interface {
	// plan discovers what the server already has.
	plan(ctx context.Context) error
	uploadOne(ctx context.Context, chunkID int) error
	finalize(ctx context.Context) error
}

type aborter interface {
	abort(ctx context.Context) error
}

// Uploader sends one blob to a batch. It is not safe for concurrent use.
type Uploader struct {
	service *Service
	batch   *Batch
	blob    blob.Blob
	info    *blob.Info
	batchID string
	fileIdx int

	chunked       bool
	chunkSize     int64
	callbacks     []func(*Uploader)
	tokenCallback TokenCallback

	strategy  strategy
	logger    log.Logger
	stats     *Stats
	planned   bool
	finalized bool
	pending   []int
}

// Uploader prepares the upload of b into batch.
func (s *Service) Uploader(batch *Batch, b blob.Blob, opts UploaderOptions) (*Uploader, error) {
	batchID, err := batch.id()
	if err != nil {
		return nil, err
	}

	// Upload progress belongs to this upload, not to the blob: the same blob may be
	// sent to several batches.
	info := b.Info().Clone()
	info.FileIdx = blob.NoFileIdx
	info.ChunkCount = 0
	info.UploadedSize = 0
	info.UploadedChunkIDs = []int{}
	info.Uploaded = false
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunked := opts.Chunked && info.Size > 0

	u := &Uploader{
		service:       s,
		batch:         batch,
		blob:          b,
		info:          info,
		batchID:       batchID,
		fileIdx:       batch.NextIdx(),
		chunked:       chunked,
		chunkSize:     chunkSize,
		callbacks:     opts.Callbacks,
		tokenCallback: opts.TokenCallback,
		logger:        s.logger,
		stats:         NewStats(),
	}

	info.BatchID = batchID
	info.UploadType = blob.UploadTypeNormal
	if chunked {
		info.UploadType = blob.UploadTypeChunked
	}

	switch {
	case batch.IsS3() && chunked:
		u.chunkSize = S3ChunkSize(info.Size, chunkSize)
		u.strategy = &s3Multipart{u: u}
	case batch.IsS3():
		u.strategy = &s3Single{u: u}
	case chunked:
		u.strategy = &nativeChunked{u: u}
	default:
		u.strategy = &nativeSingle{u: u}
	}
	return u, nil
}

// Upload creates an Uploader and runs it to completion.
func (s *Service) Upload(ctx context.Context, batch *Batch, b blob.Blob, opts UploaderOptions) (*blob.Info, error) {
	u, err := s.Uploader(batch, b, opts)
	if err != nil {
		return nil, err
	}
	return u.Upload(ctx)
}

// Info returns the metadata of the blob being uploaded.
func (u *Uploader) Info() *blob.Info { return u.info }

// Batch returns the target batch.
func (u *Uploader) Batch() *Batch { return u.batch }

// Blob returns the blob being uploaded.
func (u *Uploader) Blob() blob.Blob { return u.blob }

// ChunkSize returns the size of a chunk.
func (u *Uploader) ChunkSize() int64 { return u.chunkSize }

// Chunked tells whether the blob is sent in chunks.
func (u *Uploader) Chunked() bool { return u.chunked }

// Stats returns the chunk upload timings.
func (u *Uploader) Stats() *Stats { return u.stats }

// IsComplete tells whether every byte reached the server.
func (u *Uploader) IsComplete() bool {
	if !u.chunked {
		return u.info.Uploaded
	}
	return u.info.ChunkCount > 0 && len(u.info.UploadedChunkIDs) == u.info.ChunkCount
}

// Step uploads the next missing chunk, or finalizes the upload once nothing is missing.
// It reports true when the upload is done. After an error, calling Step again
// resumes from the server state.
func (u *Uploader) Step(ctx context.Context) (bool, error) {
	if u.finalized {
		return true, nil
	}
	if _, err := u.batch.id(); err != nil {
		return false, err
	}

	if !u.planned {
		if err := u.strategy.plan(ctx); err != nil {
			return false, u.wrap(-1, err)
		}
		u.planned = true
		u.pending = u.missing()
		u.logger.Debugf("Uploading %s (%s) to batch %s: %d chunk(s) of %d missing",
			u.info.Name, units.BytesSize(float64(u.info.Size)), u.batchID, len(u.pending), u.chunkCount())
	}

	if len(u.pending) == 0 {
		// Chunks may have been lost on the server side meanwhile.
		if u.pending = u.missing(); len(u.pending) == 0 {
			if err := u.strategy.finalize(ctx); err != nil {
				return false, u.wrap(-1, err)
			}
			u.finalized = true
			u.logger.Debugf("Uploaded %s in %d chunk(s), average chunk time: %s",
				u.info.Name, u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond))
			return true, nil
		}
	}

	chunkID := u.pending[0]
	before := u.info.UploadedSize
	start := time.Now()
	if err := u.strategy.uploadOne(ctx, chunkID); err != nil {
		u.planned = false
		chunk := -1
		if u.chunked {
			chunk = chunkID
		}
		return false, u.wrap(chunk, err)
	}
	u.stats.Update(time.Since(start), u.info.UploadedSize-before)
	u.pending = u.pending[1:]
	u.logger.Debugf("Uploaded chunk %d of %s [finished=%d] [avg=%s] [%s/s]",
		chunkID, u.info.Name, u.stats.FinishedCount(), u.stats.Average().Round(time.Millisecond),
		units.BytesSize(u.stats.Throughput()))

	for _, callback := range u.callbacks {
		callback(u)
	}
	return false, nil
}

// IterUpload yields the uploader after each uploaded chunk. Stopping the iteration pauses
// the upload, a later Step, Upload or IterUpload resumes it.
func (u *Uploader) IterUpload(ctx context.Context) iter.Seq2[*Uploader, error] {
	return func(yield func(*Uploader, error) bool) {
		for {
			done, err := u.Step(ctx)
			if err != nil {
				yield(u, err)
				return
			}
			if done {
				return
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// Upload runs the upload to completion.
func (u *Uploader) Upload(ctx context.Context) (*blob.Info, error) {
	for {
		done, err := u.Step(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return u.info, nil
		}
	}
}

// Abort cancels a multipart S3 upload so that S3 frees the parts already sent.
// It does nothing for other uploads.
func (u *Uploader) Abort(ctx context.Context) error {
	a, ok := u.strategy.(aborter)
	if !ok {
		return nil
	}
	return a.abort(ctx)
}

func (u *Uploader) chunkCount() int {
	if !u.chunked {
		return 1
	}
	return u.info.ChunkCount
}

// firstChunkID is 1 for S3 part numbers, 0 for native chunk indexes.
func (u *Uploader) firstChunkID() int {
	if u.batch.IsS3() {
		return 1
	}
	return 0
}

// missing returns the chunks not yet on the server, in ascending order.
func (u *Uploader) missing() []int {
	if !u.chunked {
		if u.info.Uploaded {
			return nil
		}
		return []int{0}
	}

	uploaded := make(map[int]bool, len(u.info.UploadedChunkIDs))
	for _, id := range u.info.UploadedChunkIDs {
		uploaded[id] = true
	}

	first := u.firstChunkID()
	var missing []int
	for id := first; id < first+u.info.ChunkCount; id++ {
		if !uploaded[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// setUploadedChunks stores a sorted, deduplicated copy of ids.
func (u *Uploader) setUploadedChunks(ids []int) {
	seen := map[int]bool{}
	sorted := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Ints(sorted)
	u.info.UploadedChunkIDs = sorted
}

func (u *Uploader) addUploadedSize(n int64) {
	u.info.UploadedSize += n
	if u.info.UploadedSize > u.info.Size {
		u.info.UploadedSize = u.info.Size
	}
}

func (u *Uploader) wrap(chunk int, err error) error {
	var uploadErr *apierrors.UploadError
	switch {
	case errors.As(err, &uploadErr):
		return err
	case errors.Is(err, apierrors.ErrInvalidBatch),
		errors.Is(err, apierrors.ErrBadQuery),
		errors.Is(err, context.Canceled):
		return err
	}
	return apierrors.NewUploadError(u.info.Name, chunk, err)
}
