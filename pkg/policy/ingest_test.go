package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoire/pkg/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "ingest.rego"), []byte(body), 0644))
	return dir
}

func TestIngestPolicy(t *testing.T) {
	ctx := context.Background()
	dir := writePolicy(t, `package ingest

default reject := false

reject if {
	count(input.content) < 3
}

reason := "content too short" if {
	reject
}

metadata := {"source": "discord"} if {
	input.server_id != ""
}
`)

	p, err := policy.LoadIngest(ctx, dir)
	gt.NoError(t, err)
	gt.V(t, p).NotNil()

	t.Run("accepts and enriches", func(t *testing.T) {
		d, err := p.Evaluate(ctx, map[string]any{"content": "I like tea", "server_id": "guild"})
		gt.NoError(t, err)
		gt.V(t, d.Reject).Equal(false)
		gt.Equal(t, d.Metadata["source"], any("discord"))
	})

	t.Run("rejects short content", func(t *testing.T) {
		d, err := p.Evaluate(ctx, map[string]any{"content": "ok", "server_id": ""})
		gt.NoError(t, err)
		gt.V(t, d.Reject).Equal(true)
		gt.Equal(t, d.Reason, "content too short")
		gt.Equal(t, len(d.Metadata), 0)
	})
}

func TestIngestPolicyEmptyDir(t *testing.T) {
	p, err := policy.LoadIngest(context.Background(), t.TempDir())
	gt.NoError(t, err)
	gt.V(t, p == nil).Equal(true)

	// nil policy accepts everything
	d, err := p.Evaluate(context.Background(), map[string]any{"content": "x"})
	gt.NoError(t, err)
	gt.V(t, d.Reject).Equal(false)
}

func TestIngestPolicyInvalid(t *testing.T) {
	dir := writePolicy(t, `package ingest

reject if {
`)
	_, err := policy.LoadIngest(context.Background(), dir)
	gt.Error(t, err)
}
