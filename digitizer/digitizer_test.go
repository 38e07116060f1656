package digitizer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startedSim(t *testing.T, config NoHardwareConfig, endpoint string) *NoHardware {
	dig := NewNoHardware(config)
	require.NoError(t, dig.SetEndpoint(endpoint))
	require.NoError(t, dig.Arm())
	require.NoError(t, dig.Start())
	return dig
}

func TestPaths(t *testing.T) {
	if got := ParamPath("recordlengths"); got != "/par/recordlengths" {
		t.Errorf("ParamPath returns %q, want /par/recordlengths", got)
	}
	if got := ChannelParamPath(7, "chenable"); got != "/ch/7/par/chenable" {
		t.Errorf("ChannelParamPath returns %q, want /ch/7/par/chenable", got)
	}
}

func TestOpen(t *testing.T) {
	dev, err := Open("sim://digitizer?numch=8&timeout_every=3&seed=42")
	require.NoError(t, err)
	sim, ok := dev.(*NoHardware)
	require.True(t, ok, "sim:// opens a *NoHardware, got %T", dev)
	assert.Equal(t, 8, sim.Nchan)
	assert.Equal(t, 3, sim.TimeoutEvery)
	assert.Equal(t, uint64(42), sim.Seed)
	v, err := dev.GetValue("/par/numch")
	require.NoError(t, err)
	assert.Equal(t, "8", v)
	assert.NoError(t, dev.Close())
	assert.Error(t, dev.Close(), "closing twice")

	for _, bad := range []string{"digitizer", "nosuch://x", "sim://x?numch=many"} {
		if _, err := Open(bad); err == nil {
			t.Errorf("Open(%q) returns nil error, want error", bad)
		}
	}
	assert.Contains(t, Schemes(), "sim")
	assert.Panics(t, func() { Register("sim", OpenNoHardware) })
}

func TestParameters(t *testing.T) {
	dig := NewNoHardware(NoHardwareConfig{Nchan: 4})
	require.NoError(t, dig.SetValue("/ch/0..3/par/chenable", "FALSE"))
	require.NoError(t, dig.SetValue("/ch/2/par/chenable", "TRUE"))
	for ch, want := range []string{"FALSE", "FALSE", "TRUE", "FALSE"} {
		got, err := dig.GetValue(ChannelParamPath(ch, "chenable"))
		require.NoError(t, err)
		assert.Equal(t, want, got, "channel %d chenable", ch)
	}

	// Channel record lengths fall back to the board setting.
	require.NoError(t, dig.SetValue("/par/recordlengths", "256"))
	v, err := dig.GetValue("/ch/1/par/chrecordlengths")
	require.NoError(t, err)
	assert.Equal(t, "256", v)
	require.NoError(t, dig.SetValue("/ch/1/par/chrecordlengths", "64"))
	v, err = dig.GetValue("/ch/1/par/chrecordlengths")
	require.NoError(t, err)
	assert.Equal(t, "64", v)

	assert.Error(t, dig.SetValue("/par/numch", "99"), "numch is read-only")
	assert.Error(t, dig.SetValue("/ch/4/par/chenable", "TRUE"), "channel out of range")
	assert.Error(t, dig.SetValue("/ch/3..1/par/chenable", "TRUE"), "reversed range")
	assert.Error(t, dig.SetValue("/bogus", "1"))
	_, err = dig.GetValue("/par/nosuchthing")
	assert.Error(t, err)
	_, err = dig.GetValue("/ch/0..1/par/chenable")
	assert.Error(t, err, "GetValue of a range")

	// Reset restores defaults.
	require.NoError(t, dig.Reset())
	v, err = dig.GetValue("/par/recordlengths")
	require.NoError(t, err)
	assert.Equal(t, "1000", v)
}

func TestStateMachine(t *testing.T) {
	dig := NewNoHardware(NoHardwareConfig{Nchan: 2})
	assert.Error(t, dig.Start(), "Start before Arm")
	assert.Error(t, dig.SendSWTrigger(), "trigger while not running")
	_, err := dig.ReadFrame(time.Millisecond)
	assert.Error(t, err, "read while not running")
	require.NoError(t, dig.Arm())
	assert.Error(t, dig.Arm(), "Arm twice")
	require.NoError(t, dig.Start())
	assert.Error(t, dig.Reset(), "Reset while running")
	_, err = dig.ReadChannelEvent(time.Millisecond)
	assert.Error(t, err, "read on the inactive endpoint")
	require.NoError(t, dig.Stop())
	require.NoError(t, dig.Disarm())
	assert.Error(t, dig.SetEndpoint("waveforms"))
}

func TestReadFrame(t *testing.T) {
	dig := startedSim(t, NoHardwareConfig{Nchan: 4, TimeoutEvery: 3}, EndpointScope)
	require.NoError(t, dig.SetValue("/par/recordlengths", "50"))

	// Software trigger mode: no trigger, no event.
	_, err := dig.ReadFrame(time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout), "read without a trigger returns %v, want ErrTimeout", err)

	require.NoError(t, dig.SendSWTrigger())
	frame, err := dig.ReadFrame(time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, frame.Waveforms, 4, "one row per device channel")
	for _, row := range frame.Waveforms {
		assert.Len(t, row, 50)
	}
	assert.Equal(t, uint32(1), frame.TriggerID)

	// The third read times out by configuration.
	require.NoError(t, dig.SendSWTrigger())
	_, err = dig.ReadFrame(time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout), "third read returns %v, want ErrTimeout", err)
	frame, err = dig.ReadFrame(time.Millisecond)
	require.NoError(t, err, "the pending trigger is still served")
	assert.Equal(t, uint32(2), frame.TriggerID)
	assert.Equal(t, 2, dig.Events())
}

func TestReadChannelEvent(t *testing.T) {
	dig := startedSim(t, NoHardwareConfig{Nchan: 4, StopAfter: 6}, EndpointDPPPHA)
	require.NoError(t, dig.SetValue("/par/acqtriggersource", "TestPulse"))
	require.NoError(t, dig.SetValue("/ch/0..3/par/chenable", "FALSE"))
	require.NoError(t, dig.SetValue("/ch/1/par/chenable", "TRUE"))
	require.NoError(t, dig.SetValue("/ch/3/par/chenable", "TRUE"))
	require.NoError(t, dig.SetValue("/ch/3/par/chrecordlengths", "40"))

	var chans []int
	for range 6 {
		ev, err := dig.ReadChannelEvent(time.Millisecond)
		require.NoError(t, err)
		chans = append(chans, ev.Channel)
		want := 1000
		if ev.Channel == 3 {
			want = 40
		}
		assert.Len(t, ev.AnalogProbe, want)
		assert.Len(t, ev.DigitalProbe, want)
		assert.Equal(t, want, ev.WaveformSize)
	}
	assert.Equal(t, []int{1, 3, 1, 3, 1, 3}, chans, "enabled channels trigger round-robin")

	_, err := dig.ReadChannelEvent(time.Millisecond)
	assert.True(t, errors.Is(err, ErrStop), "read after StopAfter returns %v, want ErrStop", err)
}

func TestFailAfter(t *testing.T) {
	dig := startedSim(t, NoHardwareConfig{Nchan: 1, FailAfter: 2}, EndpointScope)
	require.NoError(t, dig.SetValue("/par/acqtriggersource", "TestPulse"))
	for range 2 {
		_, err := dig.ReadFrame(time.Millisecond)
		require.NoError(t, err)
	}
	_, err := dig.ReadFrame(time.Millisecond)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout) || errors.Is(err, ErrStop), "failure must not look like a timeout or stop")
}

func TestStatusParameters(t *testing.T) {
	dig := startedSim(t, NoHardwareConfig{Nchan: 1, TriggerPeriod: 80 * time.Nanosecond}, EndpointScope)
	require.NoError(t, dig.SetValue("/par/acqtriggersource", "TestPulse"))
	for range 5 {
		_, err := dig.ReadFrame(time.Millisecond)
		require.NoError(t, err)
	}
	status, err := dig.GetValue("/par/acquisitionstatus")
	require.NoError(t, err)
	assert.Equal(t, "15", status, "armed, run, run_mw and clock valid bits")
	cnt, err := dig.GetValue("/par/triggercnt")
	require.NoError(t, err)
	assert.Equal(t, "5", cnt)
	rt, err := dig.GetValue("/par/realtimemonitor")
	require.NoError(t, err)
	assert.Equal(t, "50", rt, "5 triggers of 80 ns in 8 ns ticks")
	assert.NotEmpty(t, dig.Inspect())
}
