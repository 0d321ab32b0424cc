package uploads

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nuxeo/nuxeo-go/client"
	nuxeotest "github.com/nuxeo/nuxeo-go/internal/testing"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *nuxeotest.Server) {
	t.Helper()

	server := nuxeotest.NewServer()
	t.Cleanup(server.Close)

	cfg := client.DefaultConfig()
	cfg.Host = server.Root()
	cfg.Username = "Administrator"
	cfg.Password = "Administrator"
	cfg.RetryBackoffFactor = 0
	cfg.MaxRetry = 1

	c, err := client.New(cfg, log.NewLogger())
	require.NoError(t, err)

	s := NewService(c)
	s.PartRetryWait = 0
	return s, server
}

type fakeS3 struct {
	mu sync.Mutex

	objects      map[string][]byte
	contentTypes map[string]string
	uploads      map[string]map[int32][]byte
	aborted      []string

	nextID         int
	failParts      int
	failPartsErr   error
	uploadPartCall int
	listPartsCall  int
	createCall     int
	completeCall   int

	info  S3Info
	creds aws.CredentialsProvider
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:      map[string][]byte{},
		contentTypes: map[string]string{},
		uploads:      map[string]map[int32][]byte{},
	}
}

func (f *fakeS3) factory(_ context.Context, info S3Info, creds aws.CredentialsProvider) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
	f.creds = creds
	return f, nil
}

// startUpload creates a multipart upload holding parts.
func (f *fakeS3) startUpload(parts map[int32][]byte) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = map[int32][]byte{}
	for n, p := range parts {
		f.uploads[id][n] = p
	}
	return id
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	f.contentTypes[aws.ToString(in.Key)] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String(`"etag-put"`)}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	f.createCall++
	f.mu.Unlock()
	id := f.startUpload(nil)
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key, Bucket: in.Bucket}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	f.uploadPartCall++
	if f.failParts > 0 {
		f.failParts--
		f.mu.Unlock()
		return nil, f.failPartsErr
	}
	f.mu.Unlock()

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload")
	}
	n := aws.ToInt32(in.PartNumber)
	parts[n] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPartsCall++

	parts, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload")
	}
	marker := 0
	if in.PartNumberMarker != nil {
		marker, _ = strconv.Atoi(*in.PartNumberMarker)
	}

	var numbers []int
	for n := range parts {
		if int(n) > marker {
			numbers = append(numbers, int(n))
		}
	}
	sort.Ints(numbers)

	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for i, n := range numbers {
		if i == int(aws.ToInt32(in.MaxParts)) {
			out.IsTruncated = aws.Bool(true)
			break
		}
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(int32(n)),
			ETag:       aws.String(fmt.Sprintf("etag-%d", n)),
			Size:       aws.Int64(int64(len(parts[int32(n)]))),
		})
		out.NextPartNumberMarker = aws.String(strconv.Itoa(n))
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCall++

	id := aws.ToString(in.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("NoSuchUpload")
	}

	var data []byte
	previous := int32(0)
	for _, p := range in.MultipartUpload.Parts {
		n := aws.ToInt32(p.PartNumber)
		if n <= previous {
			return nil, fmt.Errorf("InvalidPartOrder")
		}
		if aws.ToString(p.ETag) != fmt.Sprintf("etag-%d", n) {
			return nil, fmt.Errorf("InvalidPart %d", n)
		}
		previous = n
		data = append(data, parts[n]...)
	}
	if len(in.MultipartUpload.Parts) != len(parts) {
		return nil, fmt.Errorf("InvalidPart: %d parts listed, %d uploaded", len(in.MultipartUpload.Parts), len(parts))
	}

	f.objects[aws.ToString(in.Key)] = data
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"etag-complete"`)}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, aws.ToString(in.UploadId))
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}
