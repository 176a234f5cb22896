package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const avfListing = `[AVFoundation indev @ 0x7f8] AVFoundation video devices:
[AVFoundation indev @ 0x7f8] [0] FaceTime HD Camera
[AVFoundation indev @ 0x7f8] [1] Capture screen 0
[AVFoundation indev @ 0x7f8] AVFoundation audio devices:
[AVFoundation indev @ 0x7f8] [0] MacBook Pro Microphone
[AVFoundation indev @ 0x7f8] [1] BlackHole 2ch
[AVFoundation indev @ 0x7f8] [2] Jabra Evolve 75
[AVFoundation indev @ 0x7f8] [3] AirPods Pro
: Input/output error
`

const arecordListing = `**** List of CAPTURE Hardware Devices ****
card 0: PCH [HDA Intel PCH], device 0: ALC3246 Analog [ALC3246 Analog]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
card 1: Yeti [Yeti Stereo Microphone], device 0: USB Audio [USB Audio]
  Subdevices: 1/1
`

func TestParseAVFoundationList(t *testing.T) {
	devices := ParseAVFoundationList(avfListing)
	require.Len(t, devices, 4)

	assert.Equal(t, Device{ID: ":0", Name: "MacBook Pro Microphone", Transport: TransportBuiltIn, IsDefault: true}, devices[0])
	assert.Equal(t, TransportVirtual, devices[1].Transport)
	assert.Equal(t, TransportUSB, devices[2].Transport)
	assert.Equal(t, TransportBluetooth, devices[3].Transport)
	assert.False(t, devices[3].IsDefault)
}

func TestParseArecordList(t *testing.T) {
	devices := ParseArecordList(arecordListing)
	require.Len(t, devices, 2)

	assert.Equal(t, "hw:0,0", devices[0].ID)
	assert.True(t, devices[0].IsDefault)
	assert.Equal(t, TransportBuiltIn, devices[0].Transport)
	assert.Equal(t, "hw:1,0", devices[1].ID)
	assert.Equal(t, "Yeti Stereo Microphone - USB Audio", devices[1].Name)
	assert.Equal(t, TransportUSB, devices[1].Transport)
}

func TestResolveFallbackOrder(t *testing.T) {
	devices := ParseAVFoundationList(avfListing)

	d, tier, ok := Resolve(devices, "jabra", []string{"AirPods"})
	require.True(t, ok)
	assert.Equal(t, ":2", d.ID)
	assert.Equal(t, ResolvedByHint, tier)

	d, tier, ok = Resolve(devices, "no such mic", []string{"Yeti", "airpods"})
	require.True(t, ok)
	assert.Equal(t, ":3", d.ID)
	assert.Equal(t, ResolvedByPreferred, tier)

	d, tier, ok = Resolve(devices, "", []string{"Yeti"})
	require.True(t, ok)
	assert.Equal(t, ":0", d.ID)
	assert.Equal(t, ResolvedByDefault, tier)
}

func TestResolveHeuristicSkipsVirtual(t *testing.T) {
	devices := []Device{
		{ID: "a", Name: "BlackHole 16ch", Transport: TransportVirtual},
		{ID: "b", Name: "AirPods", Transport: TransportBluetooth},
		{ID: "c", Name: "Scarlett 2i2 USB", Transport: TransportUSB},
	}

	d, tier, ok := Resolve(devices, "", nil)
	require.True(t, ok)
	assert.Equal(t, "c", d.ID)
	assert.Equal(t, ResolvedByHeuristic, tier)

	_, _, ok = Resolve(devices[:1], "", nil)
	assert.False(t, ok)

	_, _, ok = Resolve(nil, "anything", []string{"x"})
	assert.False(t, ok)
}

func TestMatchPrefersExactID(t *testing.T) {
	devices := []Device{
		{ID: ":1", Name: "Mic :2"},
		{ID: ":2", Name: "Other"},
	}
	d, ok := Match(devices, ":2")
	require.True(t, ok)
	assert.Equal(t, "Other", d.Name)

	_, ok = Match(devices, "   ")
	assert.False(t, ok)
}

type failingDirectory struct{}

func (failingDirectory) Devices(context.Context) ([]Device, error) {
	return nil, errors.New("no ffmpeg")
}

func TestFallbackDirectory(t *testing.T) {
	static := StaticDirectory{{ID: "1", Name: "USB Mic", Transport: TransportUSB}}
	devices, err := FallbackDirectory{failingDirectory{}, static}.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	_, err = FallbackDirectory{failingDirectory{}}.Devices(context.Background())
	assert.Error(t, err)
}
