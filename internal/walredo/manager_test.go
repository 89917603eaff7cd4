package walredo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondatabase/pageserver-redo/internal/config"
)

// fakeChild is a test double for the wal-redo child process: it never spawns
// postgres, just records how many times it was invoked and returns a
// canned result, error, or simulated hang.
type fakeChild struct {
	calls   int
	killed  bool
	result  []byte
	err     error
	hang    bool
}

func (f *fakeChild) applyWALRecords(timeout time.Duration, writebuf []byte) ([]byte, error) {
	f.calls++
	if f.hang {
		time.Sleep(timeout + 5*time.Millisecond)
		return nil, newError(Timeout, "wal redo process did not respond in time")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeChild) kill() { f.killed = true }

// fakeTranslator resolves every key to a fixed VM block / CLOG block so the
// in-process apply tests don't need a real key space.
type fakeTranslator struct {
	rel   RelTag
	block uint32
	slru  SlruBlock
}

func (t *fakeTranslator) KeyToRelBlock(key Key) (RelTag, uint32, error) {
	return t.rel, t.block, nil
}

func (t *fakeTranslator) KeyToSlruBlock(key Key) (SlruBlock, error) {
	return t.slru, nil
}

func testManager(t *testing.T, child *fakeChild) (*Manager, *int) {
	t.Helper()
	launches := 0
	translator := &fakeTranslator{
		rel:   RelTag{ForkNum: ForkVisibilityMap},
		block: 0,
		slru:  SlruBlock{Kind: SlruClog},
	}
	m := NewManager(config.RedoConfig{BatchTimeoutSec: 1}, "tenant-a", translator)
	m.launch = func(ctx context.Context, cfg config.RedoConfig, tenantID, pgVersion string) (redoChild, error) {
		launches++
		return child, nil
	}
	return m, &launches
}

func TestRequestRedo_EmptyRecordsIsInvalidRequest(t *testing.T) {
	child := &fakeChild{}
	m, launches := testManager(t, child)

	_, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, nil, nil, "16")

	var redoErr *Error
	require.True(t, errors.As(err, &redoErr))
	assert.Equal(t, InvalidRequest, redoErr.Kind)
	assert.Equal(t, 0, *launches, "child must not be launched for an empty record list")
}

func TestRequestRedo_StructuredRunWithoutBaseImageFails(t *testing.T) {
	child := &fakeChild{}
	m, _ := testManager(t, child)

	flags := byte(0x03)
	rec := ClearVisibilityMapFlags{NewHeapBlkno: u32ptr(0), Flags: flags}

	_, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, nil, []WalRecord{rec}, "16")

	var redoErr *Error
	require.True(t, errors.As(err, &redoErr))
	assert.Equal(t, InvalidRequest, redoErr.Kind)
}

func TestRequestRedo_OpaqueOnlyBatchInvokesChildExactlyOnce(t *testing.T) {
	page := make([]byte, BlockSize)
	child := &fakeChild{result: page}
	m, _ := testManager(t, child)

	rec := PostgresRecord{EndLSN: 100, Payload: []byte("wal-bytes")}

	result, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, make([]byte, BlockSize), []WalRecord{rec}, "16")

	require.NoError(t, err)
	assert.Equal(t, page, result)
	assert.Equal(t, 1, child.calls)
}

// Scenario 7: mixed-polarity batch. The child must be invoked exactly once,
// for the single opaque run, sandwiched between two in-process runs whose
// outputs chain as each other's base image.
func TestRequestRedo_MixedPolarityBatchInvokesChildOnce(t *testing.T) {
	childResult := make([]byte, BlockSize)
	childResult[pageHeaderSize] = 0xFF // distinguishable marker written by the "child"
	child := &fakeChild{result: childResult}
	m, _ := testManager(t, child)

	flagsA := ClearVisibilityMapFlags{NewHeapBlkno: u32ptr(0), Flags: 0x01}
	flagsB := ClearVisibilityMapFlags{NewHeapBlkno: u32ptr(0), Flags: 0x02}
	opaqueC := PostgresRecord{EndLSN: 200, Payload: []byte("opaque")}
	flagsD := ClearVisibilityMapFlags{NewHeapBlkno: u32ptr(0), Flags: 0x04}

	base := make([]byte, BlockSize)
	base[pageHeaderSize] = 0x0F

	result, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, base,
		[]WalRecord{flagsA, flagsB, opaqueC, flagsD}, "16")

	require.NoError(t, err)
	require.Equal(t, 1, child.calls)
	// flagsD clears bit 0x04 from the child's output (0xFF -> 0xFB).
	assert.Equal(t, byte(0xFB), result[pageHeaderSize])
}

func TestRequestRedo_ChildTimeoutKillsProcessAndRelaunches(t *testing.T) {
	child := &fakeChild{hang: true}
	m, launches := testManager(t, child)

	rec := PostgresRecord{EndLSN: 1, Payload: []byte("x")}
	_, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, make([]byte, BlockSize), []WalRecord{rec}, "16")

	var redoErr *Error
	require.True(t, errors.As(err, &redoErr))
	assert.Equal(t, Timeout, redoErr.Kind)
	assert.True(t, child.killed)
	assert.Equal(t, 1, *launches)

	// The next request relaunches a fresh child successfully.
	freshResult := make([]byte, BlockSize)
	freshChild := &fakeChild{result: freshResult}
	m.launch = func(ctx context.Context, cfg config.RedoConfig, tenantID, pgVersion string) (redoChild, error) {
		*launches++
		return freshChild, nil
	}
	out, err := m.RequestRedo(context.Background(), Key{}, BufferTag{}, make([]byte, BlockSize), []WalRecord{rec}, "16")
	require.NoError(t, err)
	assert.Equal(t, freshResult, out)
	assert.Equal(t, 2, *launches)
}

func TestSplitRuns_MaximalContiguousPolarityGroups(t *testing.T) {
	a := ClearVisibilityMapFlags{}
	b := PostgresRecord{}
	c := PostgresRecord{}
	d := ClearVisibilityMapFlags{}

	runs := splitRuns([]WalRecord{a, b, c, d})

	require.Len(t, runs, 3)
	assert.Len(t, runs[0], 1)
	assert.Len(t, runs[1], 2)
	assert.Len(t, runs[2], 1)
}

func u32ptr(v uint32) *uint32 { return &v }
