package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	memerr "github.com/theapemachine/memcube/pkg/errors"
)

type upload struct {
	path        string
	size        int64
	contentType string
}

// fakeBucket answers the handful of S3 calls the archiver makes.
type fakeBucket struct {
	mu      sync.Mutex
	exists  bool
	created bool
	uploads []upload
	keys    []string
}

func (fake *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	segments := strings.SplitN(strings.Trim(r.URL.Path, "/"), "/", 2)

	switch {
	case r.Method == http.MethodHead && len(segments) == 1:
		if !fake.exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && len(segments) == 1:
		fake.exists = true
		fake.created = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		size := r.ContentLength

		if decoded := r.Header.Get("X-Amz-Decoded-Content-Length"); decoded != "" {
			size, _ = strconv.ParseInt(decoded, 10, 64)
		}

		_, _ = io.Copy(io.Discard, r.Body)

		fake.uploads = append(fake.uploads, upload{
			path:        r.URL.Path,
			size:        size,
			contentType: r.Header.Get("Content-Type"),
		})
		fake.keys = append(fake.keys, segments[1])

		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		var contents strings.Builder

		for _, key := range fake.keys {
			if strings.HasPrefix(key, r.URL.Query().Get("prefix")) {
				fmt.Fprintf(&contents, "<Contents><Key>%s</Key><Size>1</Size><ETag>&quot;x&quot;</ETag></Contents>", key)
			}
		}

		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>%s</ListBucketResult>`,
			segments[0], r.URL.Query().Get("prefix"), len(fake.keys), contents.String())
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestArchiver(t *testing.T, fake *fakeBucket) *Archiver {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	archiver, err := NewArchiver(Options{
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "memories",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	archiver.now = func() time.Time {
		return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	}

	return archiver
}

func TestNewArchiverValidates(t *testing.T) {
	_, err := NewArchiver(Options{Bucket: "memories"})
	assert.True(t, memerr.IsValidation(err))

	_, err = NewArchiver(Options{Endpoint: "localhost:9000"})
	assert.True(t, memerr.IsValidation(err))
}

func TestKeyIsDatedUnderPrefix(t *testing.T) {
	archiver := newTestArchiver(t, &fakeBucket{})
	assert.Equal(t, "audit/2026/03/14/150926-audit.jsonl", archiver.Key("audit.jsonl"))
}

func TestEnsureBucketCreatesMissingBucket(t *testing.T) {
	fake := &fakeBucket{}
	archiver := newTestArchiver(t, fake)

	require.NoError(t, archiver.EnsureBucket(context.Background()))
	assert.True(t, fake.created)

	fake.created = false

	require.NoError(t, archiver.EnsureBucket(context.Background()))
	assert.False(t, fake.created)
}

func TestArchiveFileUploadsAndLists(t *testing.T) {
	fake := &fakeBucket{exists: true}
	archiver := newTestArchiver(t, fake)

	content := `{"event_id":"e1","action":"add"}` + "\n"
	file := filepath.Join(t.TempDir(), "audit.jsonl")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

	key, err := archiver.ArchiveFile(context.Background(), file)
	require.NoError(t, err)
	assert.Equal(t, "audit/2026/03/14/150926-audit.jsonl", key)

	require.Len(t, fake.uploads, 1)
	assert.Equal(t, "/memories/"+key, fake.uploads[0].path)
	assert.Equal(t, int64(len(content)), fake.uploads[0].size)
	assert.Equal(t, "application/x-ndjson", fake.uploads[0].contentType)

	keys, err := archiver.List(context.Background(), "audit/")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestArchiveMissingFile(t *testing.T) {
	archiver := newTestArchiver(t, &fakeBucket{exists: true})

	_, err := archiver.ArchiveFile(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}
