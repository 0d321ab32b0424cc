package uploads

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

// decode maps a loosely typed payload onto out: the server sends most numbers
// and booleans as strings.
func decode(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func decodeResponse(resp *client.Response, out interface{}) error {
	if len(resp.Body) == 0 {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := decode(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// fileStatus is the server view of a file within a batch.
type fileStatus struct {
	BatchID          string `mapstructure:"batchId"`
	FileIdx          *int   `mapstructure:"fileIdx"`
	Name             string `mapstructure:"name"`
	Size             int64  `mapstructure:"size"`
	UploadType       string `mapstructure:"uploadType"`
	UploadedSize     int64  `mapstructure:"uploadedSize"`
	UploadedChunkIDs []int  `mapstructure:"uploadedChunkIds"`
	ChunkCount       int    `mapstructure:"chunkCount"`
	Uploaded         bool   `mapstructure:"uploaded"`
}

func (s fileStatus) info(batchID string) *blob.Info {
	info := &blob.Info{
		BatchID:          s.BatchID,
		FileIdx:          blob.NoFileIdx,
		Name:             s.Name,
		Size:             s.Size,
		UploadType:       s.UploadType,
		UploadedSize:     s.UploadedSize,
		UploadedChunkIDs: append([]int{}, s.UploadedChunkIDs...),
		ChunkCount:       s.ChunkCount,
		Uploaded:         s.Uploaded,
	}
	if info.BatchID == "" {
		info.BatchID = batchID
	}
	if s.FileIdx != nil {
		info.FileIdx = *s.FileIdx
	}
	if info.UploadType == "" {
		info.UploadType = blob.UploadTypeNormal
	}
	return info
}
