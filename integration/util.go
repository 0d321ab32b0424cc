//go:build integration
// +build integration

package integration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/nuxeo/nuxeo-go/client"
	"github.com/nuxeo/nuxeo-go/operations"
	"github.com/stretchr/testify/require"
)

var logger = log.NewLogger()

// newClient connects to the server configured by the NUXEO_* environment variables.
func newClient(t *testing.T) *client.Client {
	t.Helper()

	envRepo := env.NewRepository()
	if envRepo.Get(client.EnvHost) == "" {
		t.Skipf("%s is not set", client.EnvHost)
	}

	cfg := client.DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(envRepo))
	if cfg.Username == "" && cfg.Token == "" {
		cfg.Username = "Administrator"
		cfg.Password = "Administrator"
	}

	logger.EnableDebugLog(true)
	c, err := client.New(cfg, logger)
	require.NoError(t, err)
	if !c.IsReachable(context.Background()) {
		t.Skipf("%s is not reachable", c.Host())
	}
	return c
}

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// newWorkspace creates a workspace deleted at the end of the test, it returns its path.
func newWorkspace(t *testing.T, ops *operations.Service) string {
	t.Helper()
	ctx := context.Background()

	name := "go-tests-" + uuid.NewString()
	result, err := ops.Execute(ctx, operations.Request{
		Command: "Document.Create",
		Input:   "/default-domain/workspaces",
		Params: map[string]interface{}{
			"type":       "Workspace",
			"name":       name,
			"properties": map[string]string{"dc:title": name},
		},
	})
	require.NoError(t, err)
	doc, ok := result.(map[string]interface{})
	require.True(t, ok, "unexpected result %v", result)
	path := fmt.Sprint(doc["path"])

	t.Cleanup(func() {
		if _, err := ops.Execute(context.Background(), operations.Request{
			Command: "Document.Delete",
			Input:   path,
			Void:    true,
		}); err != nil {
			logger.Warnf("Failed to delete %s: %s", path, err)
		}
	})
	return path
}
