package uploads

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

const (
	// S3MinChunkSize is the smallest size of a multipart upload part, but the last one.
	S3MinChunkSize = manager.MinUploadPartSize
	// S3MaxParts is the maximum number of parts of a multipart upload.
	S3MaxParts = int64(manager.MaxUploadParts)

	defaultRegion       = "us-east-1"
	numPartRetries      = 3
	credentialsLifetime = 5 * time.Minute
)

// S3API is the part of the S3 client used by uploads.
type S3API interface {
	manager.UploadAPIClient
	ListParts(context.Context, *s3.ListPartsInput, ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3ClientFactory builds the S3 API for a batch.
type S3ClientFactory func(ctx context.Context, info S3Info, creds aws.CredentialsProvider) (S3API, error)

// NewS3Client builds an S3 client honoring the endpoint, addressing style and acceleration of the batch.
func NewS3Client(ctx context.Context, info S3Info, creds aws.CredentialsProvider) (S3API, error) {
	region := info.Region
	if region == "" {
		region = defaultRegion
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if info.Endpoint != "" {
			o.BaseEndpoint = aws.String(info.Endpoint)
		}
		o.UsePathStyle = info.UsePathStyleAccess
		o.UseAccelerate = info.UseS3Accelerate
	}), nil
}

// S3ChunkSize adjusts chunkSize to the multipart limits: at least S3MinChunkSize
// and at most S3MaxParts parts.
func S3ChunkSize(fileSize, chunkSize int64) int64 {
	if chunkSize < S3MinChunkSize {
		chunkSize = S3MinChunkSize
	}
	for int64(blob.ChunkCount(fileSize, chunkSize)) > S3MaxParts {
		chunkSize = fileSize / (S3MaxParts - 1)
	}
	return chunkSize
}

// credentialsProvider serves the batch credentials and refreshes them through the server
// shortly before they expire.
func (s *Service) credentialsProvider(batch *Batch, callback TokenCallback) aws.CredentialsProvider {
	provider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		creds := batch.S3Info().Credentials()
		if !creds.CanExpire || time.Until(creds.Expires) > credentialsLifetime {
			return creds, nil
		}
		s.logger.Debugf("S3 credentials of batch %s expire at %s, refreshing them", batch.ID, creds.Expires)
		return s.RefreshToken(ctx, batch, callback)
	})

	return aws.NewCredentialsCache(provider, func(o *aws.CredentialsCacheOptions) {
		o.ExpiryWindow = credentialsLifetime
	})
}

func (u *Uploader) s3Client(ctx context.Context, creds aws.CredentialsProvider) (S3API, error) {
	api, err := u.service.S3Client(ctx, u.batch.S3Info(), creds)
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}
	return api, nil
}

// s3Single puts the whole blob with a single PutObject.
type s3Single struct {
	u   *Uploader
	api S3API
}

func (s *s3Single) plan(ctx context.Context) error {
	if s.api != nil {
		return nil
	}
	info := s.u.batch.S3Info()
	api, err := s.u.s3Client(ctx, credentials.NewStaticCredentialsProvider(info.AccessKeyID, info.SecretAccessKey, info.SessionToken))
	if err != nil {
		return err
	}
	s.api = api
	return nil
}

func (s *s3Single) uploadOne(ctx context.Context, _ int) error {
	u := s.u
	extra := u.batch.S3Info()

	uploader := manager.NewUploader(s.api, func(m *manager.Uploader) {
		// Large enough to never switch to a multipart upload.
		m.PartSize = max(S3MinChunkSize, u.info.Size)
		m.Concurrency = 1
	})

	ctx, cancel := context.WithTimeout(ctx, Timeout(u.info.Size))
	defer cancel()

	return blob.With(u.blob, func(r blob.Reader) error {
		out, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(extra.Bucket),
			Key:           aws.String(u.batch.objectKey(u.info.Name)),
			Body:          r,
			ContentType:   aws.String(u.info.MimeType),
			ContentLength: aws.Int64(u.info.Size),
		})
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}

		u.batch.setEtag(aws.ToString(out.ETag))
		u.info.UploadedSize = u.info.Size
		u.info.Uploaded = true
		return nil
	})
}

func (s *s3Single) finalize(context.Context) error {
	s.u.batch.record(s.u.info)
	return nil
}

// s3Multipart sends the blob as the parts of an S3 multipart upload, resumable through ListParts.
type s3Multipart struct {
	u     *Uploader
	api   S3API
	parts []types.CompletedPart
}

func (s *s3Multipart) plan(ctx context.Context) error {
	u := s.u
	if s.api == nil {
		api, err := u.s3Client(ctx, u.service.credentialsProvider(u.batch, u.tokenCallback))
		if err != nil {
			return err
		}
		s.api = api
	}

	extra := u.batch.S3Info()
	key := u.batch.objectKey(u.info.Name)
	s.parts = nil

	uploadID := u.batch.multipartUploadID()
	if uploadID == "" {
		out, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(extra.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(u.info.MimeType),
		})
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		u.batch.setMultipartUploadID(aws.ToString(out.UploadId))
		u.info.ChunkCount = blob.ChunkCount(u.info.Size, u.chunkSize)
		u.setUploadedChunks(nil)
		u.info.UploadedSize = 0
		return nil
	}

	var ids []int
	var uploaded int64
	var marker *string
	for {
		out, err := s.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(extra.Bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			MaxParts:         aws.Int32(u.service.MaxParts),
			PartNumberMarker: marker,
		})
		if err != nil {
			return fmt.Errorf("list parts: %w", err)
		}

		for _, part := range out.Parts {
			if len(s.parts) == 0 && aws.ToInt64(part.Size) > 0 {
				// Resume with the chunk size the upload started with.
				u.chunkSize = aws.ToInt64(part.Size)
			}
			s.parts = append(s.parts, types.CompletedPart{ETag: part.ETag, PartNumber: part.PartNumber})
			ids = append(ids, int(aws.ToInt32(part.PartNumber)))
			uploaded += aws.ToInt64(part.Size)
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	u.info.ChunkCount = blob.ChunkCount(u.info.Size, u.chunkSize)
	u.setUploadedChunks(ids)
	u.info.UploadedSize = 0
	u.addUploadedSize(uploaded)
	u.logger.Debugf("Resuming multipart upload %s: %d part(s) of %d already uploaded", uploadID, len(ids), u.info.ChunkCount)
	return nil
}

func (s *s3Multipart) uploadOne(ctx context.Context, partNumber int) error {
	u := s.u
	extra := u.batch.S3Info()

	var data []byte
	err := blob.With(u.blob, func(r blob.Reader) error {
		var err error
		data, err = blob.NewChunks(r, u.info.Size, u.chunkSize).Read(partNumber - 1)
		return err
	})
	if err != nil {
		return err
	}

	var etag *string
	err = retry.Times(numPartRetries).Wait(u.service.PartRetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		partCtx, cancel := context.WithTimeout(ctx, Timeout(int64(len(data))))
		defer cancel()

		out, err := s.api.UploadPart(partCtx, &s3.UploadPartInput{
			Bucket:        aws.String(extra.Bucket),
			Key:           aws.String(u.batch.objectKey(u.info.Name)),
			UploadId:      aws.String(u.batch.multipartUploadID()),
			PartNumber:    aws.Int32(int32(partNumber)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) || ctx.Err() != nil {
				// rejected by S3, or cancelled: retrying does not help
				return fmt.Errorf("upload part %d: %w", partNumber, err), true
			}
			u.logger.Warnf("Part %d attempt %d failed: %s", partNumber, attempt+1, err)
			return fmt.Errorf("upload part %d: %w", partNumber, err), false
		}

		etag = out.ETag
		return nil, true
	})
	if err != nil {
		return err
	}

	s.parts = append(s.parts, types.CompletedPart{ETag: etag, PartNumber: aws.Int32(int32(partNumber))})
	u.setUploadedChunks(append(u.info.UploadedChunkIDs, partNumber))
	u.addUploadedSize(int64(len(data)))
	return nil
}

func (s *s3Multipart) finalize(ctx context.Context) error {
	u := s.u
	extra := u.batch.S3Info()

	parts := append([]types.CompletedPart(nil), s.parts...)
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	out, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(extra.Bucket),
		Key:             aws.String(u.batch.objectKey(u.info.Name)),
		UploadId:        aws.String(u.batch.multipartUploadID()),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	u.batch.setEtag(aws.ToString(out.ETag))
	u.batch.setMultipartUploadID("")
	u.info.Uploaded = true
	u.batch.record(u.info)
	return nil
}

func (s *s3Multipart) abort(ctx context.Context) error {
	u := s.u
	uploadID := u.batch.multipartUploadID()
	if uploadID == "" {
		return nil
	}
	if s.api == nil {
		api, err := u.s3Client(ctx, u.service.credentialsProvider(u.batch, u.tokenCallback))
		if err != nil {
			return err
		}
		s.api = api
	}

	extra := u.batch.S3Info()
	if _, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(extra.Bucket),
		Key:      aws.String(u.batch.objectKey(u.info.Name)),
		UploadId: aws.String(uploadID),
	}); err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	u.batch.setMultipartUploadID("")
	s.parts = nil
	return nil
}
