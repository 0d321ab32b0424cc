// Package documents reads document blobs and lock status.
package documents

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/internal/digest"
)

// DefaultXPath designates the main blob of a document.
const DefaultXPath = "blobholder:0"

const fetchDocumentHeader = "fetch-document"

// Service reads documents.
type Service struct {
	client *client.Client
	logger log.Logger
}

// NewService ...
func NewService(c *client.Client) *Service {
	return &Service{client: c, logger: c.Logger()}
}

// path returns the endpoint of a document: by path when ref starts with "/", by uid otherwise.
func (s *Service) path(ref string, parts ...string) string {
	var segments []string
	if strings.HasPrefix(ref, "/") {
		segments = append(segments, "path")
		for _, segment := range strings.Split(strings.Trim(ref, "/"), "/") {
			segments = append(segments, url.PathEscape(segment))
		}
	} else {
		segments = append(segments, "id", url.PathEscape(ref))
	}
	return s.client.APIPath(append(segments, parts...)...)
}

// Get returns the JSON representation of a document.
func (s *Service) Get(ctx context.Context, ref string) (map[string]interface{}, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, s.path(ref), nil)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := resp.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// FetchBlob returns the content of the blob at xpath, DefaultXPath when empty.
// A non empty expectedDigest is checked against the content.
func (s *Service) FetchBlob(ctx context.Context, ref, xpath, expectedDigest string) ([]byte, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, s.blobPath(ref, xpath), nil)
	if err != nil {
		return nil, err
	}

	if expectedDigest != "" {
		algorithm, err := digest.Algorithm(expectedDigest)
		if err != nil {
			s.logger.Warnf("Digest %q of %s cannot be verified: %s", expectedDigest, ref, err)
			return resp.Body, nil
		}
		local, err := digest.OfReader(algorithm, bytes.NewReader(resp.Body))
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(local, expectedDigest) {
			return nil, &apierrors.CorruptedFile{Filename: path.Base(ref), ServerDigest: expectedDigest, LocalDigest: local}
		}
	}
	return resp.Body, nil
}

// SaveBlob streams the blob at xpath into dest and returns dest.
func (s *Service) SaveBlob(ctx context.Context, ref, xpath, dest string, opts client.FileOutOptions) (string, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, s.blobPath(ref, xpath), &client.RequestOptions{Stream: true})
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Close(); err != nil {
			s.logger.Warnf("Failed to close the blob stream of %s: %s", ref, err)
		}
	}()
	return s.client.SaveToFile(resp.Stream(), dest, opts)
}

func (s *Service) blobPath(ref, xpath string) string {
	if xpath == "" {
		xpath = DefaultXPath
	}
	return s.path(ref, "@blob", xpath)
}

// LockStatus returns the lock owner and creation date of a document, empty when it is not locked.
func (s *Service) LockStatus(ctx context.Context, ref string) (map[string]string, error) {
	resp, err := s.client.Request(ctx, http.MethodGet, s.path(ref), &client.RequestOptions{
		Headers: map[string]string{fetchDocumentHeader: "lock"},
	})
	if err != nil {
		return nil, err
	}

	var doc map[string]interface{}
	if err := resp.Decode(&doc); err != nil {
		return nil, err
	}

	status := map[string]string{}
	for _, key := range []string{"lockOwner", "lockCreated"} {
		if value, ok := doc[key]; ok && value != nil {
			if text := fmt.Sprint(value); text != "" {
				status[key] = text
			}
		}
	}
	return status, nil
}

// IsLocked tells whether a document is locked.
func (s *Service) IsLocked(ctx context.Context, ref string) (bool, error) {
	status, err := s.LockStatus(ctx, ref)
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}
