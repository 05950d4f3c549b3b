package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPullOnceReturnsSuccessOnCompletion(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == nativeDownloadPath:
			_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-1"), Status: "queued"})
		default:
			polls++
			status := "downloading"
			if polls >= 2 {
				status = "completed"
			}
			_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-1"), Status: status})
		}
	}))
	defer srv.Close()

	resolver := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	aliasStore, err := LoadAliasStore(filepath.Join(t.TempDir(), "v.json"))
	require.NoError(t, err)
	f := NewPullForwarder(srv.Client(), srv.URL, resolver, aliasStore)

	resp, perr := f.PullOnce(context.Background(), "huggingface.co/acme/foo", "", "")
	require.Nil(t, perr)
	assert.Equal(t, "success", resp["status"])
}

func TestPullOnceFailurePropagatesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-2"), Status: "queued"})
			return
		}
		errMsg := "no such repository"
		_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-2"), Status: "failed", Error: &errMsg})
	}))
	defer srv.Close()

	resolver := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	aliasStore, _ := LoadAliasStore(filepath.Join(t.TempDir(), "v.json"))
	f := NewPullForwarder(srv.Client(), srv.URL, resolver, aliasStore)

	_, perr := f.PullOnce(context.Background(), "https://example.com/foo", "", "")
	require.NotNil(t, perr)
	assert.Contains(t, perr.Message, "no such repository")
}

func TestPullStreamEmitsOneLinePerPollAndFinalSuccess(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-3"), Status: "queued"})
			return
		}
		polls++
		status := "downloading"
		if polls >= 3 {
			status = "already_downloaded"
		}
		_ = json.NewEncoder(w).Encode(lmStudioDownloadStatus{JobID: strPtr("job-3"), Status: status})
	}))
	defer srv.Close()

	resolver := NewModelResolver(srv.Client(), srv.URL, time.Minute)
	aliasStore, _ := LoadAliasStore(filepath.Join(t.TempDir(), "v.json"))
	f := NewPullForwarder(srv.Client(), srv.URL, resolver, aliasStore)

	var emitted []map[string]any
	perr := f.PullStream(context.Background(), "hf://acme/foo", "", "", func(m map[string]any) error {
		emitted = append(emitted, m)
		return nil
	})
	require.Nil(t, perr)
	require.NotEmpty(t, emitted)
	last := emitted[len(emitted)-1]
	assert.Equal(t, "success", last["status"])
}

func TestResolveDownloadSourceExplicitSourceWins(t *testing.T) {
	resolver := NewModelResolver(http.DefaultClient, "http://unused", time.Minute)
	aliasStore, _ := LoadAliasStore(filepath.Join(t.TempDir(), "v.json"))
	f := NewPullForwarder(http.DefaultClient, "http://unused", resolver, aliasStore)

	src, perr := f.resolveDownloadSource(context.Background(), "anything", "explicit-source")
	require.Nil(t, perr)
	assert.Equal(t, "explicit-source", src)
}

func TestResolveDownloadSourceRemoteNameUsedVerbatim(t *testing.T) {
	resolver := NewModelResolver(http.DefaultClient, "http://unused", time.Minute)
	aliasStore, _ := LoadAliasStore(filepath.Join(t.TempDir(), "v.json"))
	f := NewPullForwarder(http.DefaultClient, "http://unused", resolver, aliasStore)

	src, perr := f.resolveDownloadSource(context.Background(), "https://huggingface.co/acme/foo", "")
	require.Nil(t, perr)
	assert.Equal(t, "https://huggingface.co/acme/foo", src)
}

func strPtr(s string) *string { return &s }
