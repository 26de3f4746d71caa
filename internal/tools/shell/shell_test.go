package shell

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/exec"
)

func run(t *testing.T, tool *Tool, command string) (string, bool) {
	t.Helper()
	params, err := json.Marshal(map[string]string{"command": command})
	require.NoError(t, err)
	result, execErr := tool.Execute(context.Background(), params)
	require.NoError(t, execErr)
	return result.Content, result.IsError
}

func TestDenyListRefusesWithoutExecuting(t *testing.T) {
	tool := New(t.TempDir(), 0)

	for _, command := range []string{
		"rm -rf /",
		"sudo shutdown -h now",
		"reboot",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
	} {
		content, isError := run(t, tool, command)
		require.True(t, isError, "command %q must be refused", command)
		require.Contains(t, content, "Refused", "command %q", command)
	}
}

func TestDenyListAllowsOrdinaryCommands(t *testing.T) {
	refused, _ := exec.CheckCommand("echo hello")
	require.False(t, refused)
	refused, _ = exec.CheckCommand("ls -la /tmp")
	require.False(t, refused)
	refused, _ = exec.CheckCommand("git status")
	require.False(t, refused)
	// rm of a scoped path is fine; only root-wiping forms are refused.
	refused, _ = exec.CheckCommand("rm ./build/output.txt")
	require.False(t, refused)
}

func TestExecuteSimpleCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	tool := New(t.TempDir(), 0)
	content, isError := run(t, tool, "echo hello world")
	require.False(t, isError)
	require.Equal(t, "hello world", content)
}

func TestExecuteTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	tool := New(t.TempDir(), 100*time.Millisecond)
	content, isError := run(t, tool, "sleep 5")
	require.True(t, isError)
	require.Contains(t, content, "timed out")
}

func TestComplexCommandHeuristic(t *testing.T) {
	require.True(t, exec.IsComplexCommand(strings.Repeat("a", 301)))
	require.True(t, exec.IsComplexCommand("line1\nline2"))
	require.True(t, exec.IsComplexCommand(`echo "a" 'b' "c" 'd' "e" 'f' "g"`))
	require.True(t, exec.IsComplexCommand(`$body = @{name="x"} | ConvertTo-Json`))
	require.True(t, exec.IsComplexCommand(`curl -d '{"a":1}' http://example.com`))
	require.False(t, exec.IsComplexCommand("echo hello"))
	require.False(t, exec.IsComplexCommand("ls -la"))
}

func TestComplexCommandRunsFromScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	tool := New(t.TempDir(), 0)
	content, isError := run(t, tool, "X=1\nY=2\necho $((X+Y))")
	require.False(t, isError)
	require.Equal(t, "3", content)
}
