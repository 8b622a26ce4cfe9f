package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouselabs/gatehouse/pkg/observability"
)

const watcherProvidersOne = `
providers:
  - id: corp
    type: saml
    saml:
      idp_metadata_url: https://idp.example.com/metadata
`

const watcherProvidersTwo = `
providers:
  - id: corp
    type: saml
    saml:
      idp_metadata_url: https://idp.example.com/metadata
  - id: partner
    type: oidc
    oidc:
      issuer_url: https://accounts.example.com
      client_id: gatehouse
      client_secret: secret
`

// startWatcher writes the initial providers file, starts a watcher on it,
// and returns the file path plus a channel of reloads.
func startWatcher(t *testing.T) (string, chan *ProvidersFile) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(watcherProvidersOne), 0o600))

	reloads := make(chan *ProvidersFile, 4)
	watcher, err := NewProvidersWatcher(path, func(pf *ProvidersFile) { reloads <- pf }, observability.NewNopLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)

	return path, reloads
}

func waitForReload(t *testing.T, reloads chan *ProvidersFile) *ProvidersFile {
	t.Helper()
	select {
	case pf := <-reloads:
		return pf
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for providers reload")
		return nil
	}
}

func TestProvidersWatcher_ReloadOnWrite(t *testing.T) {
	path, reloads := startWatcher(t)

	require.NoError(t, os.WriteFile(path, []byte(watcherProvidersTwo), 0o600))

	pf := waitForReload(t, reloads)
	assert.Len(t, pf.Providers, 2)
}

func TestProvidersWatcher_ReloadOnRename(t *testing.T) {
	path, reloads := startWatcher(t)

	// Atomic replace: write a sibling, rename it over the watched file.
	// This is how kubernetes projects configmaps and how editors save.
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(watcherProvidersTwo), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	pf := waitForReload(t, reloads)
	assert.Len(t, pf.Providers, 2)
}

func TestProvidersWatcher_KeepsPreviousSetOnBadFile(t *testing.T) {
	path, reloads := startWatcher(t)

	require.NoError(t, os.WriteFile(path, []byte("providers: [broken"), 0o600))

	// The bad write must not produce a reload.
	select {
	case pf := <-reloads:
		t.Fatalf("unexpected reload with %d providers", len(pf.Providers))
	case <-time.After(2 * reloadDebounce):
	}

	// A subsequent valid write recovers.
	require.NoError(t, os.WriteFile(path, []byte(watcherProvidersTwo), 0o600))
	pf := waitForReload(t, reloads)
	assert.Len(t, pf.Providers, 2)
}

func TestProvidersWatcher_IgnoresSiblingFiles(t *testing.T) {
	path, reloads := startWatcher(t)

	other := filepath.Join(filepath.Dir(path), "unrelated.yaml")
	require.NoError(t, os.WriteFile(other, []byte(watcherProvidersTwo), 0o600))

	select {
	case <-reloads:
		t.Fatal("unexpected reload from a sibling file")
	case <-time.After(2 * reloadDebounce):
	}
}

func TestProvidersWatcher_DebouncesBursts(t *testing.T) {
	path, reloads := startWatcher(t)

	// A save often lands as several writes in quick succession; only one
	// reload should come out.
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(watcherProvidersTwo), 0o600))
	}

	waitForReload(t, reloads)

	select {
	case pf := <-reloads:
		t.Fatalf("expected a single reload, got another with %d providers", len(pf.Providers))
	case <-time.After(2 * reloadDebounce):
	}
}
