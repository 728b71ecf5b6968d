package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/model"
)

func sh(dir, script string) Command {
	return Command{Name: "/bin/sh", Args: []string{"-c", script}, Dir: dir}
}

func TestRunCapturesStreams(t *testing.T) {
	dir := t.TempDir()
	res, err := New().Run(context.Background(), sh(dir, `echo out; echo err >&2; exit 3`))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestRunRunsInDir(t *testing.T) {
	dir := t.TempDir()
	res, err := New().Run(context.Background(), sh(dir, `pwd -P`))
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", res.Stdout)
}

func TestRunMissingWorkspace(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	cmd := sh(filepath.Join(t.TempDir(), "missing"), "touch "+marker)

	res, err := New().Run(context.Background(), cmd)
	require.ErrorIs(t, err, model.ErrWorkspaceNotFound)
	assert.Nil(t, res)
	assert.NoFileExists(t, marker)
}

func TestRunTimeout(t *testing.T) {
	cmd := sh(t.TempDir(), `echo started; sleep 30`)
	cmd.Timeout = 200 * time.Millisecond

	start := time.Now()
	res, err := New().Run(context.Background(), cmd)
	require.ErrorIs(t, err, model.ErrExecutionTimeout)
	require.NotNil(t, res)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestRunParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := New().Run(ctx, sh(t.TempDir(), `sleep 30`))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunEnvPrecedence(t *testing.T) {
	t.Setenv("CAFLZ_TEST_AMBIENT", "kept")
	t.Setenv("ARM_CLIENT_ID", "ambient")

	cmd := sh(t.TempDir(), `echo "$CAFLZ_TEST_AMBIENT $ARM_CLIENT_ID"`)
	cmd.Env = map[string]string{"ARM_CLIENT_ID": "override"}

	res, err := New().Run(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, "kept override\n", res.Stdout)
}

func TestRunMissingBinary(t *testing.T) {
	cmd := Command{Name: filepath.Join(t.TempDir(), "terraform"), Dir: t.TempDir()}
	_, err := New().Run(context.Background(), cmd)
	require.ErrorIs(t, err, model.ErrToolExecutionFailed)
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"B=1", "A=2", "broken"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=2", "B=3", "C=4"}, got)
}

func TestCappedOutput(t *testing.T) {
	var c capped
	chunk := make([]byte, 1<<20)
	for range 5 {
		n, err := c.Write(chunk)
		require.NoError(t, err)
		assert.Equal(t, len(chunk), n)
	}
	assert.True(t, c.truncated)
	assert.Equal(t, maxOutputBytes, c.buf.Len())
}

func TestMain(m *testing.M) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
