package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestListReadRoundTrip(t *testing.T) {
	manager := newManager(t)
	require.Empty(t, manager.List())

	require.NoError(t, os.WriteFile(filepath.Join(manager.dir, "greeting.md"), []byte("# Greeting\nSay hi warmly."), 0o644))
	require.NoError(t, manager.rescan())

	require.Equal(t, []string{"greeting"}, manager.List())
	content, err := manager.Read("greeting")
	require.NoError(t, err)
	require.Contains(t, content, "Say hi warmly.")

	_, err = manager.Read("missing")
	require.Error(t, err)
}

func TestDownloadStoresSkill(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# Remote skill\nDo the thing.")
	}))
	defer server.Close()

	manager := newManager(t)
	require.NoError(t, manager.Download(context.Background(), server.URL, "remote"))
	content, err := manager.Read("remote")
	require.NoError(t, err)
	require.Contains(t, content, "Do the thing.")
	require.Contains(t, manager.List(), "remote")
}

func TestInvalidSkillNamesRejected(t *testing.T) {
	manager := newManager(t)
	for _, name := range []string{"", "../escape", "a/b", "a b"} {
		_, err := manager.Read(name)
		require.Error(t, err, "name %q", name)
	}
}

func TestExternalDropDetectedByWatcher(t *testing.T) {
	manager := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(manager.dir, "dropped.md"), []byte("x"), 0o644))
	require.Eventually(t, func() bool {
		for _, name := range manager.List() {
			if name == "dropped" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestToolActions(t *testing.T) {
	manager := newManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(manager.dir, "alpha.md"), []byte("alpha body"), 0o644))
	require.NoError(t, manager.rescan())
	tool := NewTool(manager)

	result, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	require.NoError(t, err)
	require.Contains(t, result.Content, "alpha")

	result, err = tool.Execute(context.Background(), json.RawMessage(`{"action":"read","skill_name":"alpha"}`))
	require.NoError(t, err)
	require.Equal(t, "alpha body", result.Content)

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"action":"evolve"}`))
	require.Error(t, err)
}
