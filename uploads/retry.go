package uploads

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

// DefaultUploadBackOff is used by UploadWithRetry when no policy is given.
func DefaultUploadBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 15 * time.Minute
	return b
}

// UploadWithRetry runs the upload to completion, resuming it from the server state after
// each UploadError until policy gives up. Other errors stop it at once.
func UploadWithRetry(ctx context.Context, u *Uploader, policy backoff.BackOff) (*blob.Info, error) {
	if policy == nil {
		policy = DefaultUploadBackOff()
	}

	var info *blob.Info
	operation := func() error {
		var err error
		info, err = u.Upload(ctx)
		if err != nil && !errors.Is(err, apierrors.ErrUpload) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		u.logger.Warnf("Upload of %s interrupted (%d/%d chunks sent), resuming in %s: %s",
			u.info.Name, len(u.info.UploadedChunkIDs), u.chunkCount(), wait, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		return nil, err
	}
	return info, nil
}
