package uploads

import (
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

// ProviderS3 is the provider of batches uploading directly to S3.
const ProviderS3 = "s3"

// Batch is a server side upload context grouping files.
//
// A file index is never reused, even when its blob is deleted from the batch.
type Batch struct {
	ID string `mapstructure:"batchId"`
	// UploadIdx is the index the next uploaded file gets.
	UploadIdx int                `mapstructure:"-"`
	Blobs     map[int]*blob.Info `mapstructure:"-"`
	Provider  string             `mapstructure:"provider"`
	ExtraInfo S3Info             `mapstructure:"extraInfo"`
	// MultipartUploadID is the S3 multipart upload in progress, if any.
	MultipartUploadID string `mapstructure:"multiPartUploadId"`
	// Etag of the last completed S3 upload.
	Etag string `mapstructure:"etag"`
	// Key is generated by the client, it names the S3 object.
	Key string `mapstructure:"key"`

	mu sync.Mutex
}

// S3Info is what the server sends about the S3 bucket of a batch,
// including temporary credentials.
type S3Info struct {
	Bucket             string `mapstructure:"bucket"`
	BaseKey            string `mapstructure:"baseKey"`
	Region             string `mapstructure:"region"`
	Endpoint           string `mapstructure:"endpoint"`
	AccessKeyID        string `mapstructure:"awsSecretKeyId"`
	SecretAccessKey    string `mapstructure:"awsSecretAccessKey"`
	SessionToken       string `mapstructure:"awsSessionToken"`
	Expiration         int64  `mapstructure:"expiration"` // epoch ms
	UsePathStyleAccess bool   `mapstructure:"usePathStyleAccess"`
	UseS3Accelerate    bool   `mapstructure:"useS3Accelerate"`
}

// Credentials returns the temporary AWS credentials.
func (i S3Info) Credentials() aws.Credentials {
	creds := aws.Credentials{
		AccessKeyID:     i.AccessKeyID,
		SecretAccessKey: i.SecretAccessKey,
		SessionToken:    i.SessionToken,
		Source:          "NuxeoBatch",
	}
	if i.Expiration > 0 {
		creds.CanExpire = true
		creds.Expires = time.UnixMilli(i.Expiration)
	}
	return creds
}

// IsS3 tells whether the bytes go directly to S3.
func (b *Batch) IsS3() bool {
	return b.Provider == ProviderS3
}

// S3Info returns a copy of the provider info.
func (b *Batch) S3Info() S3Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ExtraInfo
}

// Blob returns the metadata of an uploaded file.
func (b *Batch) Blob(fileIdx int) (*blob.Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.Blobs[fileIdx]
	return info, ok
}

// NextIdx returns the index the next uploaded file gets.
func (b *Batch) NextIdx() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.UploadIdx
}

func (b *Batch) id() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ID == "" {
		return "", &apierrors.InvalidBatch{}
	}
	return b.ID, nil
}

// record assigns the current index to an uploaded blob, stores a copy of it, then
// advances the index.
func (b *Batch) record(info *blob.Info) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Blobs == nil {
		b.Blobs = map[int]*blob.Info{}
	}
	info.FileIdx = b.UploadIdx
	b.Blobs[b.UploadIdx] = info.Clone()
	b.UploadIdx++
}

func (b *Batch) setMultipartUploadID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.MultipartUploadID = id
}

func (b *Batch) multipartUploadID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.MultipartUploadID
}

func (b *Batch) setEtag(etag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Etag = etag
}

// objectKey is the S3 key of a blob: base key followed by the batch key, or by the blob name.
func (b *Batch) objectKey(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Key != "" {
		return b.ExtraInfo.BaseKey + b.Key
	}
	return b.ExtraInfo.BaseKey + name
}
