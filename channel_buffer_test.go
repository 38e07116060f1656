package digidaq

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(t *testing.T, selector string) *ChannelPlan {
	t.Helper()
	plan, err := ResolveChannels(ChannelGroups{group("g", selector, true)})
	require.NoError(t, err)
	return plan
}

func sameLengths(plan *ChannelPlan, reclen int) map[int]int {
	rl := make(map[int]int)
	for _, ch := range plan.Channels {
		rl[ch] = reclen
	}
	return rl
}

func testFrame(plan *ChannelPlan, reclen int, ts uint64) *FrameEvent {
	ev := &FrameEvent{TimestampNs: ts, Rows: make([][]uint16, plan.Nchan())}
	for i, ch := range plan.Channels {
		ev.Rows[i] = make([]uint16, reclen)
		for j := range ev.Rows[i] {
			ev.Rows[i][j] = uint16(100*ch + j)
		}
	}
	return ev
}

func channelFields(reclen int, ts uint64) *ChannelFields {
	return &ChannelFields{
		TimestampNs:  ts,
		EventNumber:  ts,
		Waveform:     make([]uint16, reclen),
		Energy:       uint16(ts),
		DigitalProbe: make([]uint8, reclen),
	}
}

func TestFrameBuffers(t *testing.T) {
	plan := testPlan(t, "0,2,5")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 8), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, bm.Capacity())

	for i := 0; i < 3; i++ {
		assert.False(t, bm.IsFull(), "buffer full after %d frames", i)
		require.NoError(t, bm.AppendFrame(testFrame(plan, 8, uint64(i)), uint64(i)))
	}
	assert.True(t, bm.IsFull())
	assert.Equal(t, 3, bm.Pending())

	// Appending beyond capacity is rejected, not truncated.
	err = bm.AppendFrame(testFrame(plan, 8, 99), 99)
	assert.True(t, errors.Is(err, ErrBufferFull), "AppendFrame on a full buffer returns %v", err)
	for _, ch := range plan.Channels {
		n, err := bm.Fill(ch)
		require.NoError(t, err)
		assert.Equal(t, 3, n, "channel %d fill", ch)
	}

	snap := bm.Drain()
	assert.Equal(t, 3, snap.Events)
	require.Len(t, snap.Channels, 3)
	cs := snap.Channels[1]
	assert.Equal(t, 2, cs.Channel)
	assert.Equal(t, 8, cs.RecordLength)
	assert.Equal(t, 3, cs.Count)
	assert.Equal(t, []uint64{0, 1, 2}, cs.Timestamp)
	assert.Equal(t, []uint64{0, 1, 2}, cs.EventNumber)
	assert.Len(t, cs.Waveform, 24)
	assert.Equal(t, uint16(203), cs.Waveform[3])
	assert.Nil(t, cs.Energy, "frame mode has no scalar features")

	// After a drain every fill count is zero and the drained data are not shared.
	assert.False(t, bm.IsFull())
	assert.Zero(t, bm.Pending())
	for _, ch := range plan.Channels {
		n, _ := bm.Fill(ch)
		assert.Zero(t, n)
	}
	require.NoError(t, bm.AppendFrame(testFrame(plan, 8, 50), 50))
	assert.Equal(t, []uint64{0, 1, 2}, cs.Timestamp, "new appends must not alter a drained snapshot")
	assert.Equal(t, uint16(0), snap.Channels[0].Waveform[0])
}

func TestFrameShapeChecks(t *testing.T) {
	plan := testPlan(t, "0..1")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 8), 4)
	require.NoError(t, err)

	short := testFrame(plan, 8, 0)
	short.Rows[1] = short.Rows[1][:7]
	var mismatch *ShapeMismatch
	assert.True(t, errors.As(bm.AppendFrame(short, 0), &mismatch))
	assert.Equal(t, 1, mismatch.Channel)

	few := testFrame(plan, 8, 0)
	few.Rows = few.Rows[:1]
	assert.True(t, errors.As(bm.AppendFrame(few, 0), &mismatch))

	// A rejected frame leaves no partial rows behind.
	for _, ch := range plan.Channels {
		n, _ := bm.Fill(ch)
		assert.Zero(t, n, "channel %d", ch)
	}
}

func TestChannelModeBuffers(t *testing.T) {
	plan := testPlan(t, "1,3")
	rl := map[int]int{1: 4, 3: 6}
	bm, err := NewBufferManager(ChannelMode, plan, rl, 5)
	require.NoError(t, err)

	// Channels fill unevenly; the shared count since the last flush decides.
	for i := 0; i < 4; i++ {
		require.NoError(t, bm.Append(1, channelFields(4, uint64(i))))
	}
	assert.False(t, bm.IsFull())
	require.NoError(t, bm.Append(3, channelFields(6, 4)))
	assert.True(t, bm.IsFull(), "5 events since flush with capacity 5")
	err = bm.Append(3, channelFields(6, 5))
	assert.True(t, errors.Is(err, ErrBufferFull), "Append when full returns %v", err)

	err = bm.Append(2, channelFields(4, 6))
	assert.True(t, errors.Is(err, ErrUnknownChannel), "Append to inactive channel returns %v", err)
	_, err = bm.Fill(2)
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	snap := bm.Drain()
	assert.Equal(t, 5, snap.Events)
	require.Len(t, snap.Channels, 2)
	assert.Equal(t, 4, snap.Channels[0].Count)
	assert.Equal(t, []uint16{0, 1, 2, 3}, snap.Channels[0].Energy)
	assert.Len(t, snap.Channels[0].DigitalProbe, 16)
	assert.Equal(t, 1, snap.Channels[1].Count)
	assert.Len(t, snap.Channels[1].Waveform, 6)
}

func TestChannelModeShapeChecks(t *testing.T) {
	plan := testPlan(t, "0")
	bm, err := NewBufferManager(ChannelMode, plan, sameLengths(plan, 4), 5)
	require.NoError(t, err)
	var mismatch *ShapeMismatch
	assert.True(t, errors.As(bm.Append(0, channelFields(3, 0)), &mismatch))
	f := channelFields(4, 0)
	f.DigitalProbe = f.DigitalProbe[:2]
	assert.True(t, errors.As(bm.Append(0, f), &mismatch))
	assert.Zero(t, bm.Pending(), "rejected events are not counted")
}

func TestDrainEmptyChannels(t *testing.T) {
	plan := testPlan(t, "0..2")
	bm, err := NewBufferManager(ChannelMode, plan, sameLengths(plan, 4), 10)
	require.NoError(t, err)
	require.NoError(t, bm.Append(2, channelFields(4, 0)))
	snap := bm.Drain()
	require.Len(t, snap.Channels, 1, "empty channels are left out")
	assert.Equal(t, 2, snap.Channels[0].Channel)
	assert.Empty(t, bm.Drain().Channels)
}

func TestRestore(t *testing.T) {
	plan := testPlan(t, "0..1")
	bm, err := NewBufferManager(ChannelMode, plan, sameLengths(plan, 4), 10)
	require.NoError(t, err)
	bm.EnableTemperatures([]string{"a", "b"})
	for i := 0; i < 3; i++ {
		require.NoError(t, bm.Append(i%2, channelFields(4, uint64(i))))
		require.NoError(t, bm.AppendTemperatures(uint64(i), []float64{40, 41}))
	}
	snap := bm.Drain()
	require.NotNil(t, snap.Device)
	assert.Equal(t, 3, snap.Device.Count)
	assert.Zero(t, bm.Pending())

	// A failed flush puts everything back: fill counts are unchanged.
	bm.Restore(snap)
	assert.Equal(t, 3, bm.Pending())
	n0, _ := bm.Fill(0)
	n1, _ := bm.Fill(1)
	assert.Equal(t, 2, n0)
	assert.Equal(t, 1, n1)
	require.NoError(t, bm.Append(1, channelFields(4, 3)))
	again := bm.Drain()
	assert.Equal(t, 4, again.Events)
	assert.Equal(t, []uint64{1, 3}, again.Channels[1].Timestamp)
	require.NotNil(t, again.Device)
	assert.Equal(t, 3, again.Device.Count)
	assert.Equal(t, []float64{41, 41, 41}, again.Device.Temperatures[1])
}

func TestTemperatureErrors(t *testing.T) {
	plan := testPlan(t, "0")
	bm, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 4), 2)
	require.NoError(t, err)
	assert.Error(t, bm.AppendTemperatures(0, []float64{1}), "not enabled")
	bm.EnableTemperatures(TemperatureParams)
	assert.Error(t, bm.AppendTemperatures(0, []float64{1}), "wrong count")
	temps := make([]float64, len(TemperatureParams))
	require.NoError(t, bm.AppendTemperatures(0, temps))
	require.NoError(t, bm.AppendTemperatures(1, temps))
	assert.True(t, errors.Is(bm.AppendTemperatures(2, temps), ErrBufferFull))
}

func TestNewBufferManagerErrors(t *testing.T) {
	plan := testPlan(t, "0..1")
	_, err := NewBufferManager(FrameMode, plan, sameLengths(plan, 4), 0)
	assert.Error(t, err)
	_, err = NewBufferManager(FrameMode, plan, map[int]int{0: 4}, 10)
	assert.Error(t, err, "missing record length for channel 1")
}
