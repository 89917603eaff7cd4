package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		RetryUntilSec:      1,
		RetryIntervalMilli: 10,
		DotEveryRetries:    10,
		NoticeAfterRetries: 50,
	}
}

func TestReadPidFile_NotExist(t *testing.T) {
	dir := t.TempDir()
	res, err := ReadPidFile(filepath.Join(dir, "missing.pid"))
	require.NoError(t, err)
	assert.Equal(t, PidFileNotExist, res.State)
}

func TestClaimAndReadPidFile_LockedByOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proc.pid")

	f, err := ClaimPidFile(path)
	require.NoError(t, err)
	defer f.Close()

	res, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, PidFileLockedByOtherProcess, res.State)
	assert.Equal(t, os.Getpid(), res.Pid)
}

func TestReadPidFile_NotHeldAfterClaimerCloses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proc.pid")

	f, err := ClaimPidFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := ReadPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, PidFileNotHeldByAnyProcess, res.State)
	assert.Equal(t, os.Getpid(), res.Pid)
}

func TestStopProcess_NotHeldPidFileIsLeftAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proc.pid")

	f, err := ClaimPidFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = StopProcess(testSupervisorConfig(), false, "test-proc", path)
	require.NoError(t, err)

	// The file must still exist afterward; it was never touched.
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestStopProcess_MissingPidFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	err := StopProcess(testSupervisorConfig(), false, "test-proc", filepath.Join(dir, "gone.pid"))
	assert.NoError(t, err)
}

func TestStartProcess_SucceedsWithNoPidFileAndPassingStatusCheck(t *testing.T) {
	cmd, err := StartProcess(context.Background(), testSupervisorConfig(), "sleeper", "sleep", []string{"5"}, BuildEnv(), InitialPidFileExpect, "", func() (bool, error) {
		return true, nil
	})
	require.NoError(t, err)
	require.NotNil(t, cmd.Process)
	_ = cmd.Process.Kill()
	_ = cmd.Wait()
}

func TestBuildEnv_DefaultsBacktraceWhenUnset(t *testing.T) {
	os.Unsetenv("RUST_BACKTRACE")
	env := BuildEnv("PGDATA=/tmp/x")
	assert.Contains(t, env, "RUST_BACKTRACE=1")
	assert.Contains(t, env, "PGDATA=/tmp/x")
}

func TestBuildEnv_PassesThroughAwsCredentials(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAEXAMPLE")
	env := BuildEnv()
	assert.Contains(t, env, "AWS_ACCESS_KEY_ID=AKIAEXAMPLE")
}
