package uploads

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

func (u *Uploader) nativeHeaders() map[string]string {
	return map[string]string{
		"Cache-Control": "no-cache",
		"X-File-Name":   url.PathEscape(u.info.Name),
		"X-File-Size":   strconv.FormatInt(u.info.Size, 10),
		"X-File-Type":   u.info.MimeType,
		"Content-Type":  u.info.MimeType,
	}
}

func (u *Uploader) nativePath() string {
	return u.service.path(u.batchID, strconv.Itoa(u.fileIdx))
}

// nativeSingle posts the whole blob at once.
type nativeSingle struct {
	u *Uploader
}

func (s *nativeSingle) plan(context.Context) error {
	return nil
}

func (s *nativeSingle) uploadOne(ctx context.Context, _ int) error {
	u := s.u

	var status fileStatus
	err := blob.With(u.blob, func(r blob.Reader) error {
		resp, err := u.service.client.Request(ctx, http.MethodPost, u.nativePath(), &client.RequestOptions{
			Raw:           true,
			Body:          r,
			ContentLength: u.info.Size,
			Headers:       u.nativeHeaders(),
			Timeout:       Timeout(u.info.Size),
		})
		if err != nil {
			return err
		}
		return decodeResponse(resp, &status)
	})
	if err != nil {
		return err
	}

	u.info.UploadedSize = u.info.Size
	if status.UploadedSize > 0 && status.UploadedSize <= u.info.Size {
		u.info.UploadedSize = status.UploadedSize
	}
	u.info.Uploaded = true
	return nil
}

func (s *nativeSingle) finalize(context.Context) error {
	s.u.batch.record(s.u.info)
	return nil
}

// nativeChunked posts the blob chunk by chunk, the server tracks the received chunks.
type nativeChunked struct {
	u *Uploader
}

func (s *nativeChunked) plan(ctx context.Context) error {
	u := s.u
	u.info.ChunkCount = blob.ChunkCount(u.info.Size, u.chunkSize)

	status, err := u.service.fileStatus(ctx, u.batchID, u.fileIdx)
	if err != nil {
		var httpErr *apierrors.HTTPError
		if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
			return err
		}
		// Nothing uploaded yet.
		status = &blob.Info{}
	}

	var ids []int
	var size int64
	for _, id := range status.UploadedChunkIDs {
		if id < 0 || id >= u.info.ChunkCount {
			continue
		}
		ids = append(ids, id)
		size += s.chunkSize(id)
	}
	u.setUploadedChunks(ids)
	u.info.UploadedSize = 0
	u.addUploadedSize(size)
	return nil
}

func (s *nativeChunked) chunkSize(id int) int64 {
	u := s.u
	offset := int64(id) * u.chunkSize
	if remaining := u.info.Size - offset; remaining < u.chunkSize {
		return remaining
	}
	return u.chunkSize
}

func (s *nativeChunked) uploadOne(ctx context.Context, chunkID int) error {
	u := s.u

	var data []byte
	err := blob.With(u.blob, func(r blob.Reader) error {
		var err error
		data, err = blob.NewChunks(r, u.info.Size, u.chunkSize).Read(chunkID)
		return err
	})
	if err != nil {
		return err
	}

	headers := u.nativeHeaders()
	headers["X-Upload-Type"] = blob.UploadTypeChunked
	headers["X-Upload-Chunk-Count"] = strconv.Itoa(u.info.ChunkCount)
	headers["X-Upload-Chunk-Index"] = strconv.Itoa(chunkID)

	resp, err := u.service.client.Request(ctx, http.MethodPost, u.nativePath(), &client.RequestOptions{
		Raw:     true,
		Body:    data,
		Headers: headers,
		Timeout: Timeout(int64(len(data))),
	})
	if err != nil {
		return err
	}

	var status fileStatus
	if err := decodeResponse(resp, &status); err != nil {
		return err
	}

	// The server list is authoritative, it reveals chunks lost meanwhile.
	ids := []int{chunkID}
	for _, id := range status.UploadedChunkIDs {
		if id >= 0 && id < u.info.ChunkCount {
			ids = append(ids, id)
		}
	}
	u.setUploadedChunks(ids)
	u.addUploadedSize(int64(len(data)))
	return nil
}

func (s *nativeChunked) finalize(context.Context) error {
	s.u.info.Uploaded = true
	s.u.batch.record(s.u.info)
	return nil
}
