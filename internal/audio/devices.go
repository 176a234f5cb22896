package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strings"
)

// Transport kinds reported for input devices
const (
	TransportBuiltIn   = "built-in"
	TransportUSB       = "usb"
	TransportBluetooth = "bluetooth"
	TransportVirtual   = "virtual"
	TransportUnknown   = "unknown"
)

// Device is an audio input
type Device struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Transport string `json:"transport"`
	IsDefault bool   `json:"isDefault"`
}

// Directory enumerates input devices
type Directory interface {
	Devices(ctx context.Context) ([]Device, error)
}

// StaticDirectory serves a fixed device list, typically from config
type StaticDirectory []Device

// Devices returns the configured list
func (d StaticDirectory) Devices(ctx context.Context) ([]Device, error) {
	out := make([]Device, len(d))
	copy(out, d)
	return out, nil
}

// FFmpegDirectory lists devices through ffmpeg on macOS (avfoundation) and
// arecord on Linux
type FFmpegDirectory struct {
	FFmpegPath string
}

// Devices runs the platform listing and parses its output
func (d *FFmpegDirectory) Devices(ctx context.Context) ([]Device, error) {
	switch runtime.GOOS {
	case "darwin":
		ffmpeg := d.FFmpegPath
		if ffmpeg == "" {
			ffmpeg = "ffmpeg"
		}
		// ffmpeg exits non-zero after listing; the listing is on stderr
		cmd := exec.CommandContext(ctx, ffmpeg, "-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", "")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		_ = cmd.Run()
		devices := ParseAVFoundationList(stderr.String())
		if len(devices) == 0 {
			return nil, fmt.Errorf("no avfoundation audio devices listed")
		}
		return devices, nil
	case "linux":
		out, err := exec.CommandContext(ctx, "arecord", "-l").Output()
		if err != nil {
			return nil, fmt.Errorf("arecord -l: %w", err)
		}
		return ParseArecordList(string(out)), nil
	default:
		return nil, fmt.Errorf("device listing not supported on %s", runtime.GOOS)
	}
}

// FallbackDirectory tries each directory in order and returns the first
// non-empty listing
type FallbackDirectory []Directory

// Devices returns the first successful, non-empty listing
func (f FallbackDirectory) Devices(ctx context.Context) ([]Device, error) {
	var lastErr error
	for _, dir := range f {
		devices, err := dir.Devices(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(devices) > 0 {
			return devices, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

var avfDeviceLine = regexp.MustCompile(`\[(\d+)\]\s+(.+)$`)

// ParseAVFoundationList extracts audio inputs from `ffmpeg -list_devices` output.
// avfoundation has no default flag; the first audio device is the system default.
func ParseAVFoundationList(output string) []Device {
	var (
		devices []Device
		inAudio bool
	)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "AVFoundation audio devices"):
			inAudio = true
			continue
		case strings.Contains(line, "AVFoundation video devices"):
			inAudio = false
			continue
		}
		if !inAudio {
			continue
		}
		m := avfDeviceLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[2])
		devices = append(devices, Device{
			ID:        ":" + m[1],
			Name:      name,
			Transport: GuessTransport(name),
			IsDefault: len(devices) == 0,
		})
	}
	return devices
}

var arecordCardLine = regexp.MustCompile(`^card (\d+): (\S+) \[(.*?)\], device (\d+): .*?\[(.*?)\]`)

// ParseArecordList extracts capture devices from `arecord -l` output. Card 0 is
// treated as the default.
func ParseArecordList(output string) []Device {
	var devices []Device
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		m := arecordCardLine.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		name := m[3]
		if m[5] != "" && m[5] != m[3] {
			name = m[3] + " - " + m[5]
		}
		devices = append(devices, Device{
			ID:        fmt.Sprintf("hw:%s,%s", m[1], m[4]),
			Name:      name,
			Transport: GuessTransport(name + " " + m[2]),
			IsDefault: m[1] == "0" && m[4] == "0",
		})
	}
	return devices
}

// GuessTransport infers the transport from a device name
func GuessTransport(name string) string {
	n := strings.ToLower(name)
	switch {
	case containsAny(n, "blackhole", "soundflower", "loopback", "aggregate", "virtual", "zoomaudio", "teams audio"):
		return TransportVirtual
	case containsAny(n, "airpods", "bluetooth", "bose", "wh-1000", "beats", "headset"):
		return TransportBluetooth
	case containsAny(n, "usb", "yeti", "jabra", "rode", "scarlett", "focusrite", "shure", "webcam", "c920"):
		return TransportUSB
	case containsAny(n, "built-in", "macbook", "internal", "hda intel", "pch"):
		return TransportBuiltIn
	default:
		return TransportUnknown
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// Resolution tiers, reported with the resolved device
const (
	ResolvedByHint      = "hint"
	ResolvedByPreferred = "preferred"
	ResolvedByDefault   = "default"
	ResolvedByHeuristic = "heuristic"
)

// Resolve picks a capture device. The first tier that matches wins: the
// caller's hint, the preferred list in order, the system default, then the best
// transport. ok is false when nothing resolves.
func Resolve(devices []Device, hint string, preferred []string) (Device, string, bool) {
	if hint != "" {
		if d, ok := Match(devices, hint); ok {
			return d, ResolvedByHint, true
		}
	}

	for _, p := range preferred {
		if d, ok := Match(devices, p); ok {
			return d, ResolvedByPreferred, true
		}
	}

	for _, d := range devices {
		if d.IsDefault {
			return d, ResolvedByDefault, true
		}
	}

	ranked := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Transport != TransportVirtual {
			ranked = append(ranked, d)
		}
	}
	if len(ranked) == 0 {
		return Device{}, "", false
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return transportRank(ranked[i].Transport) < transportRank(ranked[j].Transport)
	})
	return ranked[0], ResolvedByHeuristic, true
}

// Match resolves a human supplied string to a device: exact id first, then a
// case-insensitive name substring
func Match(devices []Device, query string) (Device, bool) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Device{}, false
	}
	for _, d := range devices {
		if d.ID == q {
			return d, true
		}
	}
	lq := strings.ToLower(q)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), lq) {
			return d, true
		}
	}
	return Device{}, false
}

func transportRank(t string) int {
	switch t {
	case TransportUSB:
		return 0
	case TransportBuiltIn:
		return 1
	case TransportBluetooth:
		return 2
	default:
		return 3
	}
}
