package testing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// APIPath is the REST API prefix served by Server, relative to its root.
const APIPath = "/nuxeo/api/v1/"

// Request is a request received by Server.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// File is a file uploaded to a fake batch.
type File struct {
	Name       string
	MimeType   string
	Size       int64
	Chunked    bool
	ChunkCount int
	Chunks     map[int][]byte
	Data       []byte
}

// Content returns the bytes received so far, chunks in index order.
func (f *File) Content() []byte {
	if !f.Chunked {
		return f.Data
	}
	var data []byte
	for i := 0; i < f.ChunkCount; i++ {
		data = append(data, f.Chunks[i]...)
	}
	return data
}

func (f *File) uploadedIDs() []int {
	ids := make([]int, 0, len(f.Chunks))
	for id := range f.Chunks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (f *File) uploadedSize() int64 {
	if !f.Chunked {
		return int64(len(f.Data))
	}
	var size int64
	for _, c := range f.Chunks {
		size += int64(len(c))
	}
	return size
}

// Call is an automation operation run by Server, against a batch or not.
type Call struct {
	Operation string
	BatchID   string
	FileIdx   *int
	Header    http.Header
	Payload   map[string]interface{}
}

// Batch is the server side state of an upload batch.
type Batch struct {
	ID        string
	Handler   string
	Files     map[int]*File
	Completed []map[string]interface{}
}

// OperationHandler answers an automation call. A zero status means 200.
type OperationHandler func(call Call) (status int, contentType string, body []byte)

// Server fakes the upload and automation endpoints of a Nuxeo server.
type Server struct {
	*httptest.Server

	// Handlers advertised by upload/handlers, nil answers 404.
	Handlers []string
	// S3Info is the extra info of batches created with the s3 handler.
	S3Info map[string]interface{}
	// RefreshS3Info returns the extra info sent by refreshToken, S3Info when nil.
	RefreshS3Info func() map[string]interface{}
	// Operations is the descriptor list served by site/automation.
	Operations []map[string]interface{}
	// OnOperation answers automation calls, results are echoed when nil.
	OnOperation OperationHandler
	// Intercept runs first on every request, returning true when it wrote the response.
	Intercept func(w http.ResponseWriter, r *http.Request) bool

	mu       sync.Mutex
	requests []Request
	batches  map[string]*Batch
	calls    []Call
	nextID   int
}

// NewServer starts a fake server. Its root is URL + "/nuxeo/".
func NewServer() *Server {
	s := &Server{
		Handlers: []string{"default"},
		batches:  map[string]*Batch{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// Root returns the server root to configure clients with.
func (s *Server) Root() string {
	return s.URL + "/nuxeo/"
}

// Requests returns the received requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts the received requests matching method and containing pathPart.
func (s *Server) CountRequests(method, pathPart string) int {
	count := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.Contains(r.Path, pathPart) {
			count++
		}
	}
	return count
}

// Calls returns the automation operations run.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Batch returns the state of a batch.
func (s *Server) Batch(id string) (*Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	return b, ok
}

// File returns the state of a file of a batch.
func (s *Server) File(batchID string, idx int) (*File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, false
	}
	f, ok := b.Files[idx]
	return f, ok
}

// PutChunks stores chunks as if they had been uploaded earlier.
func (s *Server) PutChunks(batchID string, idx int, name string, size int64, chunkCount int, chunks map[int][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[batchID]
	f := &File{Name: name, Size: size, Chunked: true, ChunkCount: chunkCount, Chunks: map[int][]byte{}}
	for id, c := range chunks {
		f.Chunks[id] = c
	}
	b.Files[idx] = f
}

// DropChunk forgets a received chunk.
func (s *Server) DropChunk(batchID string, idx, chunk int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[batchID]; ok {
		if f, ok := b.Files[idx]; ok {
			delete(f.Chunks, chunk)
		}
	}
}

// NewBatch creates a batch directly on the server side.
func (s *Server) NewBatch(handler string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newBatch(handler).ID
}

func (s *Server) newBatch(handler string) *Batch {
	s.nextID++
	b := &Batch{ID: fmt.Sprintf("batchId-%d", s.nextID), Handler: handler, Files: map[int]*File{}}
	s.batches[b.ID] = b
	return b
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
	s.mu.Unlock()

	if s.Intercept != nil && s.Intercept(w, r) {
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, APIPath+"upload/"):
		s.serveUpload(w, r, strings.TrimPrefix(r.URL.Path, APIPath+"upload/"), body)
	case r.URL.Path == "/nuxeo/site/automation" || r.URL.Path == "/nuxeo/site/automation/":
		writeJSON(w, http.StatusOK, map[string]interface{}{"operations": s.Operations})
	case strings.HasPrefix(r.URL.Path, "/nuxeo/site/automation/") && r.Method == http.MethodPost:
		op := strings.TrimPrefix(r.URL.Path, "/nuxeo/site/automation/")
		s.serveOperation(w, r, Call{Operation: op}, body)
	default:
		writeError(w, http.StatusNotFound, "not found: "+r.URL.Path)
	}
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if path == "" {
		parts = nil
	}

	switch {
	case len(parts) == 0 && r.Method == http.MethodPost:
		s.mu.Lock()
		b := s.newBatch("default")
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]interface{}{"batchId": b.ID})
		return
	case len(parts) == 1 && parts[0] == "handlers" && r.Method == http.MethodGet:
		if s.Handlers == nil {
			writeError(w, http.StatusNotFound, "no handlers")
			return
		}
		handlers := []map[string]string{}
		for _, h := range s.Handlers {
			handlers = append(handlers, map[string]string{"name": h})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"handlers": handlers})
		return
	case len(parts) == 2 && parts[0] == "new" && r.Method == http.MethodPost:
		s.mu.Lock()
		b := s.newBatch(parts[1])
		s.mu.Unlock()
		resp := map[string]interface{}{"batchId": b.ID, "provider": parts[1]}
		if parts[1] == "s3" {
			resp["extraInfo"] = s.S3Info
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.mu.Lock()
	b, ok := s.batches[parts[0]]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown batch "+parts[0])
		return
	}

	var idx *int
	rest := parts[1:]
	if len(rest) > 0 {
		if i, err := strconv.Atoi(rest[0]); err == nil {
			idx = &i
			rest = rest[1:]
		}
	}

	switch {
	case len(rest) == 0 && idx == nil:
		s.serveBatch(w, r, b)
	case len(rest) == 0:
		s.serveFile(w, r, b, *idx, body)
	case rest[0] == "execute" && len(rest) == 2:
		s.serveOperation(w, r, Call{Operation: rest[1], BatchID: b.ID, FileIdx: idx}, body)
	case rest[0] == "complete" && idx != nil:
		var payload map[string]interface{}
		_ = json.Unmarshal(body, &payload)
		s.mu.Lock()
		b.Completed = append(b.Completed, payload)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"batchId": b.ID, "fileIdx": strconv.Itoa(*idx), "uploaded": "true"})
	case rest[0] == "refreshToken" && idx == nil:
		info := s.S3Info
		if s.RefreshS3Info != nil {
			info = s.RefreshS3Info()
		}
		writeJSON(w, http.StatusOK, info)
	default:
		writeError(w, http.StatusNotFound, "not found: "+r.URL.Path)
	}
}

func (s *Server) serveBatch(w http.ResponseWriter, r *http.Request, b *Batch) {
	switch r.Method {
	case http.MethodDelete:
		s.mu.Lock()
		delete(s.batches, b.ID)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		s.mu.Lock()
		idxs := make([]int, 0, len(b.Files))
		for i := range b.Files {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		statuses := make([]map[string]interface{}, 0, len(idxs))
		for _, i := range idxs {
			statuses = append(statuses, fileStatus(b.ID, i, b.Files[i]))
		}
		s.mu.Unlock()
		if len(statuses) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	default:
		writeError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, b *Batch, idx int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		f, ok := b.Files[idx]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown file")
			return
		}
		writeJSON(w, http.StatusOK, fileStatus(b.ID, idx, f))
	case http.MethodDelete:
		if _, ok := b.Files[idx]; !ok {
			writeError(w, http.StatusNotFound, "unknown file")
			return
		}
		delete(b.Files, idx)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		size, _ := strconv.ParseInt(r.Header.Get("X-File-Size"), 10, 64)
		f, ok := b.Files[idx]
		if !ok || f.Chunked != (r.Header.Get("X-Upload-Type") == "chunked") {
			f = &File{Size: size, Chunks: map[int][]byte{}}
			b.Files[idx] = f
		}
		f.Name, _ = url.PathUnescape(r.Header.Get("X-File-Name"))
		f.MimeType = r.Header.Get("X-File-Type")

		status := http.StatusCreated
		if r.Header.Get("X-Upload-Type") == "chunked" {
			f.Chunked = true
			f.ChunkCount, _ = strconv.Atoi(r.Header.Get("X-Upload-Chunk-Count"))
			chunk, err := strconv.Atoi(r.Header.Get("X-Upload-Chunk-Index"))
			if err != nil || chunk < 0 || chunk >= f.ChunkCount {
				writeError(w, http.StatusBadRequest, "invalid chunk index")
				return
			}
			f.Chunks[chunk] = body
			if len(f.Chunks) < f.ChunkCount {
				status = http.StatusAccepted
			}
		} else {
			f.Data = body
		}
		writeJSON(w, status, fileStatus(b.ID, idx, f))
	default:
		writeError(w, http.StatusMethodNotAllowed, r.Method)
	}
}

func (s *Server) serveOperation(w http.ResponseWriter, r *http.Request, call Call, body []byte) {
	call.Header = r.Header.Clone()
	call.Payload = map[string]interface{}{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &call.Payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
			return
		}
	}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()

	if s.OnOperation != nil {
		status, contentType, result := s.OnOperation(call)
		if status == 0 {
			status = http.StatusOK
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = w.Write(result)
		return
	}

	if r.Header.Get("X-NXVoidOperation") == "true" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity-type": "operation-result",
		"operation":   call.Operation,
		"params":      call.Payload["params"],
	})
}

// fileStatus renders numbers as strings, the way the real server does.
func fileStatus(batchID string, idx int, f *File) map[string]interface{} {
	status := map[string]interface{}{
		"batchId":      batchID,
		"fileIdx":      strconv.Itoa(idx),
		"name":         f.Name,
		"size":         strconv.FormatInt(f.Size, 10),
		"uploadType":   "normal",
		"uploadedSize": strconv.FormatInt(f.uploadedSize(), 10),
	}
	if f.Chunked {
		ids := []string{}
		for _, id := range f.uploadedIDs() {
			ids = append(ids, strconv.Itoa(id))
		}
		status["uploadType"] = "chunked"
		status["uploadedChunkIds"] = ids
		status["chunkCount"] = strconv.Itoa(f.ChunkCount)
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"entity-type": "exception",
		"status":      status,
		"message":     message,
	})
}
