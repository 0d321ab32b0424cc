// Package operations runs automation operations: named server side procedures
// taking typed parameters and an optional document or blob input.
package operations

import (
	"context"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/nuxeo/nuxeo-go/apierrors"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/uploads/blob"
)

const (
	automationPath = "site/automation"

	// VoidOperationHeader asks the server not to send the operation result.
	VoidOperationHeader = "X-NXVoidOperation"
)

// Param describes a parameter of an operation.
type Param struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Type        string        `json:"type"`
	Required    bool          `json:"required"`
	Order       int           `json:"order"`
	Values      []interface{} `json:"values"`
}

// Descriptor describes an operation advertised by the server.
type Descriptor struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Aliases     []string `json:"aliases"`
	Signature   []string `json:"signature"`
	Params      []Param  `json:"params"`
}

// Param returns the parameter named name.
func (d *Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

type registry struct {
	Operations []*Descriptor `json:"operations"`
	Chains     []*Descriptor `json:"chains"`
}

// Service runs automation operations.
type Service struct {
	client *client.Client
	logger log.Logger

	mu         sync.Mutex
	operations map[string]*Descriptor
}

// NewService creates an automation client on top of c.
func NewService(c *client.Client) *Service {
	return &Service{client: c, logger: c.Logger()}
}

// Operations returns the operations and chains advertised by the server, by id and alias.
// The list is fetched once and cached unless force is set. The returned map is a copy,
// the descriptors it points to are shared and must not be modified.
func (s *Service) Operations(ctx context.Context, force bool) (map[string]*Descriptor, error) {
	operations, err := s.cachedOperations(ctx, force)
	if err != nil {
		return nil, err
	}
	return maps.Clone(operations), nil
}

func (s *Service) cachedOperations(ctx context.Context, force bool) (map[string]*Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.operations != nil && !force {
		return s.operations, nil
	}

	resp, err := s.client.Request(ctx, http.MethodGet, automationPath, nil)
	if err != nil {
		return nil, err
	}

	var reg registry
	if err := resp.Decode(&reg); err != nil {
		return nil, err
	}

	operations := map[string]*Descriptor{}
	for _, d := range append(reg.Operations, reg.Chains...) {
		operations[d.ID] = d
		for _, alias := range d.Aliases {
			operations[alias] = d
		}
	}
	s.logger.Debugf("Fetched %d automation operations", len(operations))

	s.operations = operations
	return operations, nil
}

// Request describes one operation call.
type Request struct {
	Command string
	Params  map[string]interface{}
	Context map[string]interface{}
	// Input is a document path or uid (string), a document list ([]string)
	// or an uploaded blob (*blob.Info).
	Input interface{}

	// SkipParamsCheck disables the validation of Params against the operation descriptor.
	SkipParamsCheck bool
	// Void asks the server not to send the result.
	Void bool
	// IdempotencyKey makes the server run the operation once for every request sharing it.
	IdempotencyKey string
	Headers        map[string]string
	Timeout        time.Duration

	// FileOut streams the result into this path, which Execute returns.
	FileOut        string
	FileOutOptions client.FileOutOptions
}

// Execute runs an operation and returns its decoded result, nil when there is none.
func (s *Service) Execute(ctx context.Context, req Request) (interface{}, error) {
	if req.Command == "" {
		return nil, apierrors.NewBadQuery("no operation to execute")
	}
	if !req.SkipParamsCheck {
		if err := s.CheckParams(ctx, req.Command, req.Params); err != nil {
			return nil, err
		}
	}

	payload := map[string]interface{}{"params": sanitize(req.Params)}
	if len(req.Context) > 0 {
		payload["context"] = req.Context
	}

	path := automationPath + "/" + req.Command
	switch input := req.Input.(type) {
	case nil:
	case *blob.Info:
		if input.BatchID == "" || input.FileIdx == blob.NoFileIdx {
			return nil, apierrors.NewBadQuery("blob %q is not uploaded", input.Name)
		}
		// The server reads the input from the batch.
		path = s.client.APIPath("upload", input.BatchID, strconv.Itoa(input.FileIdx), "execute", req.Command)
	default:
		encoded, err := encodeInput(input)
		if err != nil {
			return nil, err
		}
		payload["input"] = encoded
	}

	headers := map[string]string{}
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.Void {
		headers[VoidOperationHeader] = "true"
	}
	if req.IdempotencyKey != "" {
		headers[client.IdempotencyKeyHeader] = req.IdempotencyKey
	}

	resp, err := s.client.Request(ctx, http.MethodPost, path, &client.RequestOptions{
		Body:    payload,
		Headers: headers,
		Timeout: req.Timeout,
		Stream:  req.FileOut != "",
	})
	if err != nil {
		return nil, err
	}

	if req.FileOut != "" {
		defer func() {
			if err := resp.Close(); err != nil {
				s.logger.Warnf("Failed to close the response of %s: %s", req.Command, err)
			}
		}()
		return s.client.SaveToFile(resp.Stream(), req.FileOut, req.FileOutOptions)
	}

	if len(resp.Body) == 0 {
		return nil, nil
	}
	return resp.Value(), nil
}

func encodeInput(input interface{}) (string, error) {
	switch v := input.(type) {
	case string:
		if strings.HasPrefix(v, "doc:") || strings.HasPrefix(v, "docs:") {
			return v, nil
		}
		return "doc:" + v, nil
	case []string:
		return "docs:" + strings.Join(v, ","), nil
	}
	return "", apierrors.NewBadQuery("unsupported operation input type %T", input)
}

// Operation accumulates the arguments of a call and tracks its file output progress.
type Operation struct {
	Request

	service  *Service
	progress atomic.Int64
}

// New prepares a call to command.
func (s *Service) New(command string) *Operation {
	return &Operation{
		Request: Request{Command: command, Params: map[string]interface{}{}, Context: map[string]interface{}{}},
		service: s,
	}
}

// Progress returns the bytes of the result written to FileOut so far.
func (o *Operation) Progress() int64 {
	return o.progress.Load()
}

// Execute runs the operation.
func (o *Operation) Execute(ctx context.Context) (interface{}, error) {
	req := o.Request
	o.progress.Store(0)
	if req.FileOut != "" {
		req.FileOutOptions.Callbacks = append([]func(string, int64){
			func(_ string, written int64) { o.progress.Store(written) },
		}, req.FileOutOptions.Callbacks...)
	}
	return o.service.Execute(ctx, req)
}
