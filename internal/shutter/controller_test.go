package shutter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveUpTurnsSiblingsOffAndAutoOffs(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)

	h.commander.AssertCalled(t, "Up", "0x01")
	h.commander.AssertNotCalled(t, "Stop", "0x01")
	assert.Equal(t, map[string]bool{"0x01/Up": true, "0x01/Down": false, "0x01/Stop": false}, h.states(t))

	on, ok := h.presenter.value("0x01/Up")
	require.True(t, ok)
	assert.True(t, on)

	h.clock.Advance(2999 * time.Millisecond)
	assert.True(t, h.states(t)["0x01/Up"])

	h.clock.Advance(time.Millisecond)
	assert.False(t, h.states(t)["0x01/Up"])
	on, _ = h.presenter.value("0x01/Up")
	assert.False(t, on)
}

func TestMoveDownAfterUpKeepsMutualExclusion(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)
	h.clock.Advance(time.Second)
	h.set(t, "0x01/Down", true)

	h.commander.AssertCalled(t, "Down", "0x01")
	assert.Equal(t, map[string]bool{"0x01/Up": false, "0x01/Down": true, "0x01/Stop": false}, h.states(t))

	// The auto-off of Up was cancelled when Down took over.
	h.clock.Advance(2 * time.Second)
	assert.True(t, h.states(t)["0x01/Down"])
	h.clock.Advance(time.Second)
	assert.False(t, h.states(t)["0x01/Down"])
	assert.Zero(t, h.clock.pending())
}

func TestStopSettlesAllSiblingsAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)
	h.set(t, "0x01/Stop", true)

	h.commander.AssertCalled(t, "Stop", "0x01")
	// Acknowledged before the grace delay has elapsed.
	assert.True(t, h.states(t)["0x01/Up"])

	h.clock.Advance(DefaultStopGrace)
	assert.Equal(t, map[string]bool{"0x01/Up": false, "0x01/Down": false, "0x01/Stop": false}, h.states(t))
	assert.Zero(t, h.clock.pending())
}

func TestSetFalseIsStop(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Down", true)
	h.set(t, "0x01/Down", false)

	h.commander.AssertCalled(t, "Stop", "0x01")
	h.commander.AssertNumberOfCalls(t, "Down", 1)

	h.clock.Advance(DefaultStopGrace)
	for id, on := range h.states(t) {
		assert.False(t, on, id)
	}
}

func TestStopTwiceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	before := h.states(t)
	h.set(t, "0x01/Stop", true)
	h.set(t, "0x01/Stop", true)
	h.clock.Advance(DefaultStopGrace)

	h.commander.AssertNumberOfCalls(t, "Stop", 2)
	assert.Equal(t, before, h.states(t))
	assert.Zero(t, h.clock.pending())
}

func TestRepeatedMoveSupersedesAutoOff(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{{DeviceID: "0x01", Name: "Lounge"}}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)
	h.clock.Advance(2 * time.Second)
	h.set(t, "0x01/Up", true)

	// T+5s: the first timer would have fired here.
	h.clock.Advance(3 * time.Second)
	assert.True(t, h.states(t)["0x01/Up"])

	h.clock.Advance(1999 * time.Millisecond)
	assert.True(t, h.states(t)["0x01/Up"])

	// T+7s.
	h.clock.Advance(time.Millisecond)
	assert.False(t, h.states(t)["0x01/Up"])
	h.commander.AssertNumberOfCalls(t, "Up", 2)
}

func TestSupersededTimerHasNoEffectEvenIfItFires(t *testing.T) {
	h := newHarness(t)
	h.clock.lateStop = true
	h.reconcile(t, []RemoteConfig{{DeviceID: "0x01", Name: "Lounge"}}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)
	h.clock.Advance(2 * time.Second)
	h.set(t, "0x01/Up", true)

	h.clock.Advance(3 * time.Second)
	assert.True(t, h.states(t)["0x01/Up"])

	h.clock.Advance(2 * time.Second)
	assert.False(t, h.states(t)["0x01/Up"])
}

func TestMoveCancelsPendingStopSettlement(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Stop", true)
	h.clock.Advance(DefaultStopGrace / 2)
	h.set(t, "0x01/Up", true)

	h.clock.Advance(DefaultStopGrace)
	assert.True(t, h.states(t)["0x01/Up"])
}

func TestStopGraceIsConfigurable(t *testing.T) {
	h := newHarness(t, WithStopGrace(time.Second))
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	h.set(t, "0x01/Up", true)
	h.set(t, "0x01/Stop", true)

	h.clock.Advance(DefaultStopGrace)
	assert.True(t, h.states(t)["0x01/Up"])
	h.clock.Advance(time.Second)
	assert.False(t, h.states(t)["0x01/Up"])
}

func TestRemotesDoNotShareTimers(t *testing.T) {
	h := newHarness(t)
	bedroom := RemoteConfig{DeviceID: "0x02", Name: "Bedroom", OpenCloseSeconds: seconds(10)}
	h.reconcile(t,
		[]RemoteConfig{lounge, bedroom},
		[]DeviceRemoteRecord{loungeDevice, {DeviceID: "0x02", RemoteType: "RFY", UnitCode: 2}})

	h.set(t, "0x01/Up", true)
	h.set(t, "0x02/Down", true)
	h.set(t, "0x01/Stop", true)
	h.clock.Advance(DefaultStopGrace)

	states := h.states(t)
	assert.False(t, states["0x01/Up"])
	assert.True(t, states["0x02/Down"])

	h.clock.Advance(10 * time.Second)
	assert.False(t, h.states(t)["0x02/Down"])
}

func TestUpDownNeverBothOn(t *testing.T) {
	h := newHarness(t)
	h.reconcile(t, []RemoteConfig{lounge}, []DeviceRemoteRecord{loungeDevice})

	steps := []struct {
		id string
		on bool
		d  time.Duration
	}{
		{"0x01/Up", true, time.Second},
		{"0x01/Down", true, 500 * time.Millisecond},
		{"0x01/Up", true, 0},
		{"0x01/Stop", true, 50 * time.Millisecond},
		{"0x01/Down", true, 4 * time.Second},
		{"0x01/Up", false, time.Second},
	}
	for _, s := range steps {
		h.set(t, s.id, s.on)
		st := h.states(t)
		assert.False(t, st["0x01/Up"] && st["0x01/Down"])
		h.clock.Advance(s.d)
		st = h.states(t)
		assert.False(t, st["0x01/Up"] && st["0x01/Down"])
	}
}

func TestSetUnknownSwitch(t *testing.T) {
	h := newHarness(t)
	err := h.reg.SetSwitch(context.Background(), "0x09/Up", true)
	assert.ErrorIs(t, err, ErrUnknownSwitch)
	h.commander.AssertNotCalled(t, "Up", "0x09")
}

func TestTravelTime(t *testing.T) {
	cases := []struct {
		name string
		in   *float64
		want time.Duration
	}{
		{"unset", nil, 5 * time.Second},
		{"whole", seconds(3), 3 * time.Second},
		{"fraction", seconds(1.5), 1500 * time.Millisecond},
		{"negative", seconds(-2), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rc := RemoteConfig{OpenCloseSeconds: tc.in}
			assert.Equal(t, tc.want, rc.TravelTime())
		})
	}
}
