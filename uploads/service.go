// Package uploads sends files to the server through upload batches, either natively
// or directly to S3, with resumable chunked uploads.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

const (
	// DefaultChunkSize is the chunk size of chunked uploads.
	DefaultChunkSize int64 = 20 * 1024 * 1024
	// DefaultHandler is the native upload handler.
	DefaultHandler = "default"
)

// TokenCallback is called with the new credentials each time a batch refreshes its S3 token.
type TokenCallback func(batch *Batch, creds aws.Credentials)

// Service manages upload batches.
type Service struct {
	client *client.Client
	logger log.Logger

	// S3Client builds the S3 API used by S3 batches.
	S3Client S3ClientFactory
	// MaxParts is the page size when listing the uploaded parts of a multipart upload.
	MaxParts int32
	// PartRetryWait is the pause between two attempts of a failed S3 part upload.
	PartRetryWait time.Duration

	handlersMu sync.Mutex
	handlers   []string
}

// NewService creates a batch manager on top of c.
func NewService(c *client.Client) *Service {
	return &Service{
		client:        c,
		logger:        c.Logger(),
		S3Client:      NewS3Client,
		MaxParts:      1000,
		PartRetryWait: 5 * time.Second,
	}
}

func (s *Service) path(parts ...string) string {
	return s.client.APIPath(append([]string{"upload"}, parts...)...)
}

type handlersResponse struct {
	Handlers []struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"handlers"`
}

// Handlers lists the upload handlers advertised by the server, cached after the first call.
func (s *Service) Handlers(ctx context.Context, force bool) ([]string, error) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if s.handlers != nil && !force {
		return append([]string(nil), s.handlers...), nil
	}

	resp, err := s.client.Request(ctx, http.MethodGet, s.path("handlers"), nil)
	if err != nil {
		var httpErr *apierrors.HTTPError
		if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			// Servers without the endpoint only have the native handler.
			s.handlers = []string{}
			return []string{}, nil
		}
		return nil, err
	}

	var payload handlersResponse
	if err := decodeResponse(resp, &payload); err != nil {
		return nil, err
	}
	handlers := make([]string, 0, len(payload.Handlers))
	for _, h := range payload.Handlers {
		handlers = append(handlers, strings.ToLower(h.Name))
	}
	s.handlers = handlers
	return append([]string(nil), handlers...), nil
}

// HasS3 tells whether the server can upload directly to S3.
func (s *Service) HasS3(ctx context.Context) bool {
	handlers, err := s.Handlers(ctx, false)
	if err != nil {
		s.logger.Warnf("Failed to list upload handlers: %s", err)
		return false
	}
	for _, h := range handlers {
		if h == ProviderS3 {
			return true
		}
	}
	return false
}

// Create opens a new batch. An empty handler selects the server default one,
// any other must be advertised by the server.
func (s *Service) Create(ctx context.Context, handler string) (*Batch, error) {
	endpoint := s.path() + "/"
	if handler != "" {
		handlers, err := s.Handlers(ctx, false)
		if err != nil {
			return nil, err
		}
		if !contains(handlers, strings.ToLower(handler)) {
			return nil, &apierrors.InvalidUploadHandler{Handler: handler, Handlers: handlers}
		}
		endpoint = s.path("new", handler)
	}

	resp, err := s.client.Request(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}

	batch := &Batch{}
	if err := decodeResponse(resp, batch); err != nil {
		return nil, err
	}
	if batch.ID == "" {
		return nil, fmt.Errorf("the server returned no batch id")
	}
	batch.Blobs = map[int]*blob.Info{}
	batch.Key = uuid.NewString()

	s.logger.Debugf("Created batch %s (provider: %q)", batch.ID, batch.Provider)
	return batch, nil
}

// Get returns the server view of every file of a batch.
func (s *Service) Get(ctx context.Context, batch *Batch) ([]*blob.Info, error) {
	id, err := batch.id()
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Request(ctx, http.MethodGet, s.path(id), nil)
	if err != nil {
		return nil, err
	}

	var statuses []fileStatus
	if err := decodeResponse(resp, &statuses); err != nil {
		return nil, err
	}
	infos := make([]*blob.Info, 0, len(statuses))
	for idx, status := range statuses {
		info := status.info(id)
		if info.FileIdx == blob.NoFileIdx {
			info.FileIdx = idx
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// GetFile returns the server view of one file of a batch.
func (s *Service) GetFile(ctx context.Context, batch *Batch, fileIdx int) (*blob.Info, error) {
	id, err := batch.id()
	if err != nil {
		return nil, err
	}
	return s.fileStatus(ctx, id, fileIdx)
}

func (s *Service) fileStatus(ctx context.Context, batchID string, fileIdx int) (*blob.Info, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, s.path(batchID, strconv.Itoa(fileIdx)), nil)
	if err != nil {
		return nil, err
	}

	var status fileStatus
	if err := decodeResponse(resp, &status); err != nil {
		return nil, err
	}
	info := status.info(batchID)
	info.FileIdx = fileIdx
	return info, nil
}

// DeleteFile removes a file from a batch. Its index is not reused.
func (s *Service) DeleteFile(ctx context.Context, batch *Batch, fileIdx int) error {
	id, err := batch.id()
	if err != nil {
		return err
	}
	if _, err := s.client.Request(ctx, http.MethodDelete, s.path(id, strconv.Itoa(fileIdx)), nil); err != nil {
		return err
	}

	batch.mu.Lock()
	delete(batch.Blobs, fileIdx)
	batch.mu.Unlock()
	return nil
}

// Delete removes a batch on the server.
func (s *Service) Delete(ctx context.Context, batch *Batch) error {
	id, err := batch.id()
	if err != nil {
		return err
	}
	_, err = s.client.Request(ctx, http.MethodDelete, s.path(id), nil)
	return err
}

// Cancel deletes the batch and invalidates it: any later call with it fails with InvalidBatch.
func (s *Service) Cancel(ctx context.Context, batch *Batch) error {
	if err := s.Delete(ctx, batch); err != nil {
		return err
	}

	batch.mu.Lock()
	defer batch.mu.Unlock()
	batch.ID = ""
	batch.Blobs = map[int]*blob.Info{}
	return nil
}

// ExecuteOptions describe an automation operation run against uploaded files.
type ExecuteOptions struct {
	Operation string
	// FileIdx restricts the operation to one file, all files are used when nil.
	FileIdx *int
	Params  map[string]interface{}
	// Void asks the server not to send the operation result.
	Void    bool
	Headers map[string]string
}

// Execute runs an automation operation with the batch files as input.
func (s *Service) Execute(ctx context.Context, batch *Batch, opts ExecuteOptions) (interface{}, error) {
	id, err := batch.id()
	if err != nil {
		return nil, err
	}
	if opts.Operation == "" {
		return nil, apierrors.NewBadQuery("no operation to execute")
	}

	parts := []string{id}
	if opts.FileIdx != nil {
		parts = append(parts, strconv.Itoa(*opts.FileIdx))
	}
	parts = append(parts, "execute", opts.Operation)

	headers := map[string]string{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.Void {
		headers["X-NXVoidOperation"] = "true"
	}

	params := opts.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	resp, err := s.client.Request(ctx, http.MethodPost, s.path(parts...), &client.RequestOptions{
		Body:    map[string]interface{}{"params": params},
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Body) == 0 {
		return nil, nil
	}
	return resp.Value(), nil
}

// Attach attaches the batch files to a document. Without fileIdx every file is
// attached to the "files:files" property.
func (s *Service) Attach(ctx context.Context, batch *Batch, document string, fileIdx *int) (interface{}, error) {
	params := map[string]interface{}{"document": document}
	if fileIdx == nil {
		params["xpath"] = "files:files"
	}
	return s.Execute(ctx, batch, ExecuteOptions{
		Operation: "Blob.Attach",
		FileIdx:   fileIdx,
		Params:    params,
	})
}

// Complete lets the server finalize the last file uploaded to S3. It does nothing for native batches.
func (s *Service) Complete(ctx context.Context, batch *Batch) (map[string]interface{}, error) {
	if !batch.IsS3() {
		return nil, nil
	}
	id, err := batch.id()
	if err != nil {
		return nil, err
	}

	idx := batch.NextIdx() - 1
	info, ok := batch.Blob(idx)
	if !ok {
		return nil, apierrors.NewBadQuery("batch %s has no uploaded file to complete", id)
	}

	key := batch.objectKey(info.Name)
	batch.mu.Lock()
	payload := map[string]interface{}{
		"name":     info.Name,
		"fileSize": info.Size,
		"key":      key,
		"bucket":   batch.ExtraInfo.Bucket,
		"etag":     batch.Etag,
	}
	batch.mu.Unlock()

	resp, err := s.client.Request(ctx, http.MethodPost, s.path(id, strconv.Itoa(idx), "complete"), &client.RequestOptions{
		Body: payload,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{}
	if len(resp.Body) > 0 {
		if err := resp.Decode(&result); err != nil {
			return nil, fmt.Errorf("decode completion response: %w", err)
		}
	}
	return result, nil
}

// RefreshToken asks new temporary credentials for an S3 batch and stores them in the batch.
// Native batches have no credentials: empty ones are returned.
func (s *Service) RefreshToken(ctx context.Context, batch *Batch, callback TokenCallback) (aws.Credentials, error) {
	if !batch.IsS3() {
		return aws.Credentials{}, nil
	}
	id, err := batch.id()
	if err != nil {
		return aws.Credentials{}, err
	}

	resp, err := s.client.Request(ctx, http.MethodPost, s.path(id, "refreshToken"), nil)
	if err != nil {
		return aws.Credentials{}, err
	}

	batch.mu.Lock()
	err = decodeResponse(resp, &batch.ExtraInfo)
	extra := batch.ExtraInfo
	batch.mu.Unlock()
	if err != nil {
		return aws.Credentials{}, err
	}

	creds := extra.Credentials()
	s.logger.Debugf("Refreshed the S3 token of batch %s, it expires at %s", id, creds.Expires)
	if callback != nil {
		callback(batch, creds)
	}
	return creds, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
