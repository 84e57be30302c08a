package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/theapemachine/memcube/pkg/audit"
	"github.com/theapemachine/memcube/pkg/embedding"
	memerr "github.com/theapemachine/memcube/pkg/errors"
	"github.com/theapemachine/memcube/pkg/memory"
	"github.com/theapemachine/memcube/pkg/orchestrator"
)

func testConfig(t *testing.T, overrides map[string]any) *viper.Viper {
	t.Helper()

	raw, err := embedded.ReadFile("cfg/config.yml")
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigType("yml")
	require.NoError(t, v.ReadConfig(bytes.NewReader(raw)))

	v.Set("audit.path", filepath.Join(t.TempDir(), "audit.jsonl"))

	for key, value := range overrides {
		v.Set(key, value)
	}

	return v
}

func TestBuildStackFromDefaults(t *testing.T) {
	v := testConfig(t, nil)

	mem, err := buildStack(context.Background(), v)
	require.NoError(t, err)

	_, isFile := mem.audit.(*audit.FileLog)
	assert.True(t, isFile)

	_, isMemory := mem.vectors.(*memory.InMemoryVectorStore)
	assert.True(t, isMemory)
	assert.NoError(t, mem.ready(context.Background()))

	mem.scheduler.Start(context.Background())

	added, err := mem.orchestrator.Add(context.Background(), orchestrator.AddRequest{
		UserID: "u1",
		Text:   "the default stack works",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)

	mem.close(context.Background())

	reopened, err := audit.OpenFileLog(v.GetString("audit.path"))
	require.NoError(t, err)
	defer reopened.Close()

	page, err := reopened.List(context.Background(), audit.ListOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestBuildStackWithChromem(t *testing.T) {
	v := testConfig(t, map[string]any{
		"vector.backend": "chromem",
		"audit.backend":  "memory",
	})

	mem, err := buildStack(context.Background(), v)
	require.NoError(t, err)
	defer mem.close(context.Background())

	_, isChromem := mem.vectors.(*memory.ChromemVectorStore)
	assert.True(t, isChromem)
}

func TestBuildEmbedderProviders(t *testing.T) {
	embedder, err := buildEmbedder(testConfig(t, nil))
	require.NoError(t, err)

	_, isHash := embedder.(*embedding.HashEmbedder)
	assert.True(t, isHash)

	embedder, err = buildEmbedder(testConfig(t, map[string]any{"embedding.url": "http://localhost:8080/v1"}))
	require.NoError(t, err)

	_, isCached := embedder.(*embedding.CachedEmbedder)
	assert.True(t, isCached)

	embedder, err = buildEmbedder(testConfig(t, map[string]any{"embedding.provider": "ollama"}))
	require.NoError(t, err)

	_, isCached = embedder.(*embedding.CachedEmbedder)
	assert.True(t, isCached)

	_, err = buildEmbedder(testConfig(t, map[string]any{"embedding.provider": "word2vec"}))
	assert.True(t, memerr.IsValidation(err))
}

func TestUnknownBackendsAreRejected(t *testing.T) {
	_, err := buildStack(context.Background(), testConfig(t, map[string]any{"vector.backend": "faiss"}))
	assert.True(t, memerr.IsValidation(err))

	_, err = buildStack(context.Background(), testConfig(t, map[string]any{"audit.backend": "kafka"}))
	assert.True(t, memerr.IsValidation(err))
}

func TestLegacyEnvironment(t *testing.T) {
	t.Setenv("QDRANT_COLLECTION", "legacy_collection")
	t.Setenv("MEMCUBE_SERVER_LISTEN", ":9999")
	t.Setenv("MEMCUBE_SCHEDULER_WORKERS", "9")

	v := testConfig(t, nil)
	bindEnv(v)

	assert.Equal(t, "legacy_collection", v.GetString("vector.qdrant.collection"))
	assert.Equal(t, ":9999", v.GetString("server.listen"))
	assert.Equal(t, 9, v.GetInt("scheduler.workers"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".memcube", "audit.jsonl"), expandHome("~/.memcube/audit.jsonl"))
	assert.Equal(t, "/var/log/audit.jsonl", expandHome("/var/log/audit.jsonl"))
}

func TestAuditListOnlyReadsTheLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	writer, err := audit.OpenFileLog(path)
	require.NoError(t, err)

	for _, user := range []string{"u1", "u2", "u1"} {
		_, err = writer.Append(context.Background(), audit.Event{
			UserID: user, Action: audit.ActionAdd, Outcome: audit.OutcomeSuccess,
		})
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	auditPathFlag, auditUserFlag, auditLimitFlag = path, "u1", audit.DefaultListLimit
	t.Cleanup(func() { auditPathFlag, auditUserFlag = "", "" })

	var stdout, stderr bytes.Buffer

	auditListCmd.SetContext(context.Background())
	auditListCmd.SetOut(&stdout)
	auditListCmd.SetErr(&stderr)

	require.NoError(t, auditListCmd.RunE(auditListCmd, nil))

	assert.Equal(t, 2, bytes.Count(stdout.Bytes(), []byte("\n")))
	assert.Contains(t, stderr.String(), "2 of 2 events")

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	auditPathFlag = filepath.Join(t.TempDir(), "missing.jsonl")

	assert.Error(t, auditListCmd.RunE(auditListCmd, nil))
	assert.NoFileExists(t, auditPathFlag)
}
