package digidaq

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/digidaq/drb"
	"github.com/usnistgov/digidaq/internal/daqdb"
)

// flakyStorage is a drb.Store whose appends can be made to fail.
type flakyStorage struct {
	*drb.Store
	fail    bool
	appends int
}

var errDiskFull = errors.New("disk full")

func (s *flakyStorage) AppendAll(path string, batches []*drb.Batch) error {
	if s.fail {
		return errDiskFull
	}
	s.appends++
	return s.Store.AppendAll(path, batches)
}

func newFlakyStorage(t *testing.T) *flakyStorage {
	store, err := drb.NewStore(drb.None, drb.FileHeader{RunID: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &flakyStorage{Store: store}
}

// recordingCatalog keeps every message it is given.
type recordingCatalog struct {
	runs     []*daqdb.RunMessage
	finished []*daqdb.RunMessage
	files    []*daqdb.FileMessage
}

func (c *recordingCatalog) RecordRun(m *daqdb.RunMessage)   { c.runs = append(c.runs, m) }
func (c *recordingCatalog) FinishRun(m *daqdb.RunMessage)   { c.finished = append(c.finished, m) }
func (c *recordingCatalog) RecordFile(m *daqdb.FileMessage) { c.files = append(c.files, m) }

// fillFrames appends n frames to bm, numbering them from first.
func fillFrames(t *testing.T, bm *BufferManager, plan *ChannelPlan, reclen, first, n int) {
	t.Helper()
	for i := first; i < first+n; i++ {
		require.NoError(t, bm.AppendFrame(testFrame(plan, reclen, uint64(i)), uint64(i)))
	}
}

func TestFlushClearAfterConfirm(t *testing.T) {
	plan := testPlan(t, "0..1")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 16), 10)
	require.NoError(t, err)
	fillFrames(t, bm, plan, 16, 0, 4)

	store := newFlakyStorage(t)
	store.fail = true
	session := newSessionAt(filepath.Join(t.TempDir(), "run"), 0, 0, time.Now)
	fc := NewFlushController(store, 1<<20, 8, nil)

	snap := bm.Drain()
	err = fc.Flush(session, snap)
	var serr *StorageError
	require.True(t, errors.As(err, &serr), "failed flush returns %v, want *StorageError", err)
	assert.Equal(t, session.CurrentFile(), serr.Path)
	assert.True(t, errors.Is(err, errDiskFull))
	bm.Restore(snap)
	assert.Equal(t, 4, bm.Pending(), "a failed flush must not clear the buffers")
	n, _ := bm.Fill(1)
	assert.Equal(t, 4, n)
	assert.Zero(t, fc.Flushes)

	// The same data flush fine once storage recovers.
	store.fail = false
	require.NoError(t, fc.Flush(session, bm.Drain()))
	assert.Equal(t, 1, fc.Flushes)
	_, batches, err := drb.ReadAll(session.CurrentFile())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ch000": 4, "ch001": 4}, drb.GroupRows(batches))
	wf := batches[0].Column("waveform")
	require.NotNil(t, wf)
	assert.Equal(t, []int{4, 16}, wf.Shape)
	assert.Equal(t, []uint64{0, 1, 2, 3}, batches[0].Column("eventnumber").Data)
	assert.Equal(t, []float64{8, 8, 8, 8}, batches[0].Column("dt").Data)
}

// statFailStorage fails the first statFailures calls to Size.
type statFailStorage struct {
	*flakyStorage
	statFailures int
}

var errStat = errors.New("stat failed")

func (s *statFailStorage) Size(path string) (int64, error) {
	if s.statFailures > 0 {
		s.statFailures--
		return 0, errStat
	}
	return s.flakyStorage.Size(path)
}

func TestFlushStatFailureCommits(t *testing.T) {
	plan := testPlan(t, "0..1")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 16), 10)
	require.NoError(t, err)
	store := &statFailStorage{flakyStorage: newFlakyStorage(t), statFailures: 1}
	session := newSessionAt(filepath.Join(t.TempDir(), "run"), 0, 0, time.Now)
	fc := NewFlushController(store, 1, 0, nil)

	fillFrames(t, bm, plan, 16, 0, 4)
	require.NoError(t, fc.Flush(session, bm.Drain()), "written data are committed even if the size is unknown")
	assert.Equal(t, 1, fc.Flushes)
	assert.Zero(t, fc.Rotations, "rotation waits for a size")
	first := session.CurrentFile()

	fillFrames(t, bm, plan, 16, 4, 4)
	require.NoError(t, fc.Flush(session, bm.Drain()))
	assert.Equal(t, 1, fc.Rotations)

	_, batches, err := drb.ReadAll(first)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ch000": 8, "ch001": 8}, drb.GroupRows(batches), "each event once")
}

func TestFlushDryRun(t *testing.T) {
	plan := testPlan(t, "0")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 4), 2)
	require.NoError(t, err)
	fillFrames(t, bm, plan, 4, 0, 2)
	store := newFlakyStorage(t)
	fc := NewFlushController(store, 1<<20, 0, nil)
	require.NoError(t, fc.Flush(newSessionAt("", 0, 0, time.Now), bm.Drain()))
	assert.Zero(t, store.appends, "dry runs write nothing")
}

func TestFlushChannelModeColumns(t *testing.T) {
	plan := testPlan(t, "2")
	bm, err := NewBufferManager(ChannelMode, plan, sameLengths(plan, 5), 3)
	require.NoError(t, err)
	bm.EnableTemperatures([]string{"tempsensairin"})
	for i := 0; i < 3; i++ {
		require.NoError(t, bm.Append(2, channelFields(5, uint64(i))))
		require.NoError(t, bm.AppendTemperatures(uint64(i), []float64{27.5}))
	}
	session := newSessionAt(filepath.Join(t.TempDir(), "pha"), 0, 0, time.Now)
	fc := NewFlushController(newFlakyStorage(t), 1<<20, 4, nil)
	require.NoError(t, fc.Flush(session, bm.Drain()))

	_, batches, err := drb.ReadAll(session.CurrentFile())
	require.NoError(t, err)
	require.Len(t, batches, 2)
	ch := batches[0]
	assert.Equal(t, "ch002", ch.Group)
	for _, name := range []string{"waveform", "timestamp", "eventnumber", "dt", "energy", "flags", "digital_probe"} {
		assert.NotNil(t, ch.Column(name), "column %s", name)
	}
	assert.Equal(t, []uint16{0, 1, 2}, ch.Column("energy").Data)
	assert.Equal(t, []int{3, 5}, ch.Column("digital_probe").Shape)
	dig := batches[1]
	assert.Equal(t, DeviceGroup, dig.Group)
	assert.Equal(t, []float64{27.5, 27.5, 27.5}, dig.Column("tempsensairin").Data)
}

// Scenario D: with a 1 MB threshold, the flush that crosses it is the last
// one in that file and the next flush opens a file with a later suffix.
func TestRotationScenarioD(t *testing.T) {
	const reclen = 1000
	const perFlush = 100
	plan := testPlan(t, "0..3") // 4 channels * 100 events * 2000 bytes = 800 kB per flush
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, reclen), perFlush)
	require.NoError(t, err)

	clock := newFakeClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	session := newSessionAt(filepath.Join(t.TempDir(), "run"), 0, 0, clock.now)
	catalog := &recordingCatalog{}
	const threshold = 1 << 20
	fc := NewFlushController(newFlakyStorage(t), threshold, 8, catalog)

	var flushSizes []int64
	var lastSize int64
	events := 0
	for flush := 0; flush < 5; flush++ {
		fillFrames(t, bm, plan, reclen, events, perFlush)
		events += perFlush
		path := session.CurrentFile()
		require.NoError(t, fc.Flush(session, bm.Drain()))
		size, err := fc.store.Size(path)
		require.NoError(t, err)
		flushSizes = append(flushSizes, size-lastSize)
		lastSize = size
		if path != session.CurrentFile() {
			lastSize = 0
		}
	}
	fc.Close(session)
	session.Close()

	require.Equal(t, 3, len(session.Files), "files %v", session.Files)
	assert.Equal(t, 2, fc.Rotations)
	for i := 1; i < len(session.Files); i++ {
		assert.Greater(t, session.Files[i], session.Files[i-1], "rotated file name must sort later")
	}

	maxFlush := int64(0)
	for _, s := range flushSizes {
		maxFlush = max(maxFlush, s)
	}
	total := 0
	for i, name := range session.Files {
		size, err := fc.store.Size(name)
		require.NoError(t, err)
		if i < len(session.Files)-1 {
			assert.GreaterOrEqual(t, size, int64(threshold), "file %s rotated early", name)
			assert.LessOrEqual(t, size, threshold+maxFlush, "file %s overshoots by more than one flush", name)
		}
		_, batches, err := drb.ReadAll(name)
		require.NoError(t, err)
		total += drb.GroupRows(batches)["ch000"]
	}
	assert.Equal(t, events, total, "events across all files equal events flushed")

	require.Len(t, catalog.files, 3)
	for i, f := range catalog.files {
		assert.Equal(t, session.Files[i], f.Filename)
		assert.Equal(t, session.RunID, f.RunID)
		assert.Len(t, f.XXH3, 16)
		assert.Positive(t, f.Size)
	}
	assert.Equal(t, uint64(200), catalog.files[0].Events)
	assert.Equal(t, uint64(100), catalog.files[2].Events)
}
