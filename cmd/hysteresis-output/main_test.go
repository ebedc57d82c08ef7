package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/hysteresis-output/internal/config"
	"github.com/sweeney/hysteresis-output/internal/gpio"
	"github.com/sweeney/hysteresis-output/internal/logic"
	"github.com/sweeney/hysteresis-output/internal/mqtt"
	"github.com/sweeney/hysteresis-output/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		assert.Equal(t, canonical, got)
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}, *info)
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	assert.Nil(t, readNetworkInfo(), "nil when NETWORK_STATUS is unset")
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, status.NetworkInfo{Status: "connected"}, *info)
}

func TestResolveWSBroker(t *testing.T) {
	tests := []struct {
		name   string
		ws     string
		broker string
		want   string
	}{
		{"derived from broker", "=broker", "tcp://192.168.1.200:1883", "ws://192.168.1.200:9001"},
		{"derived without port", "=broker", "tcp://mqtt.local", "ws://mqtt.local:9001"},
		{"explicit", "ws://other:8080/mqtt", "tcp://192.168.1.200:1883", "ws://other:8080/mqtt"},
		{"off", "off", "tcp://192.168.1.200:1883", ""},
		{"empty", "", "tcp://192.168.1.200:1883", ""},
		{"unparseable broker", "=broker", "tcp://[::1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveWSBroker(tt.ws, tt.broker))
		})
	}
}

// --- configuration ---

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func parseConfig(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	f := newFlags()
	root := newRootCmd(f)
	require.NoError(t, root.ParseFlags(args))
	return loadConfig(root, f)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "on_hold: 10m\ngpio:\n  pin_in: 5\n")

	cfg, err := parseConfig(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.OnHold)
	assert.Equal(t, 5, cfg.GPIO.PinIn)
	assert.Equal(t, time.Minute, cfg.OffHold, "unset keys keep defaults")
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "on_hold: 10m\noff_hold: 2m\n")

	cfg, err := parseConfig(t, "--config", path, "--on-hold", "30s", "--topic-prefix", "garden/pump")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.OnHold, "explicit flag wins")
	assert.Equal(t, 2*time.Minute, cfg.OffHold, "file value kept when flag not set")
	assert.Equal(t, "garden/pump", cfg.MQTT.TopicPrefix)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	_, err := parseConfig(t, "--pin-in", "27", "--pin-out", "27")

	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "gpio", verr.Field)
}

func TestLoadConfigRejectsBadLogLevel(t *testing.T) {
	_, err := parseConfig(t, "--log-level", "chatty")
	assert.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := parseConfig(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// --- runLoop tests ---

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const pollInterval = 100 * time.Millisecond

// levels builds a sample script from alternating run lengths starting low:
// levels(false, 3, 2) yields three lows then two highs.
func levels(first bool, runs ...int) []bool {
	var out []bool
	v := first
	for _, n := range runs {
		for i := 0; i < n; i++ {
			out = append(out, v)
		}
		v = !v
	}
	return out
}

// faultReader wraps a FakeReader and returns errors for a range of Read() calls.
// The fault range is fixed at construction.
type faultReader struct {
	inner      *gpio.FakeReader
	call       int
	faultStart int // first call index that returns error (inclusive)
	faultEnd   int // last call index that returns error (exclusive)
}

func (r *faultReader) Read() (bool, error) {
	i := r.call
	r.call++
	if i >= r.faultStart && i < r.faultEnd {
		return false, errors.New("gpio fault")
	}
	return r.inner.Read()
}

func (r *faultReader) Close() error { return r.inner.Close() }

type loop struct {
	writer  *gpio.FakeWriter
	pub     *mqtt.FakePublisher
	tracker *status.Tracker
	tick    chan time.Time
	latch   chan logic.LatchUpdate
	sig     chan os.Signal
	errCh   chan error
	ticks   int
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Poll = pollInterval
	cfg.OnHold = 500 * time.Millisecond
	cfg.OffHold = 200 * time.Millisecond
	cfg.Heartbeat = 0
	return cfg
}

// startLoop runs runLoop in a goroutine. Channels are unbuffered so each send
// returns only once the loop has finished handling the previous message.
func startLoop(t *testing.T, reader gpio.Reader, cfg config.Config) *loop {
	t.Helper()
	l := &loop{
		writer:  gpio.NewFakeWriter(),
		pub:     mqtt.NewFakePublisher(),
		tracker: status.NewTracker(epoch, "boot", status.Config{}),
		tick:    make(chan time.Time),
		latch:   make(chan logic.LatchUpdate),
		sig:     make(chan os.Signal, 1),
		errCh:   make(chan error, 1),
	}
	l.pub.Connected = true
	now := func() time.Time { return epoch }
	go func() {
		l.errCh <- runLoop(reader, l.writer, l.pub, l.pub, l.tracker, cfg, now, l.tick, l.latch, l.sig)
	}()
	return l
}

// run sends n ticks spaced by the poll interval.
func (l *loop) run(n int) {
	for i := 0; i < n; i++ {
		l.tick <- epoch.Add(time.Duration(l.ticks) * pollInterval)
		l.ticks++
	}
}

func (l *loop) stop(t *testing.T, s os.Signal) {
	t.Helper()
	l.sig <- s
	require.NoError(t, <-l.errCh)
}

func dur(d time.Duration) *time.Duration { return &d }

func eventOffsets(events []logic.Event) []time.Duration {
	out := make([]time.Duration, len(events))
	for i, e := range events {
		out[i] = e.Timestamp.Sub(epoch)
	}
	return out
}

func TestRunLoopNoEventsWhileInputLow(t *testing.T) {
	samples := levels(false, 5)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Empty(t, l.pub.Events)
	assert.Empty(t, l.writer.Writes)
	assert.Equal(t, []string{"SHUTDOWN"}, l.pub.SystemEventNames())
}

func TestRunLoopFollowsInputAfterOnHold(t *testing.T) {
	// ON at 0ms, input drops at 300ms, held until 500ms.
	samples := levels(true, 3, 5)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	require.Len(t, l.pub.Events, 2)
	assert.Equal(t, logic.EventOutputOn, l.pub.Events[0].Type)
	assert.Equal(t, logic.EventOutputOff, l.pub.Events[1].Type)
	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond}, eventOffsets(l.pub.Events))
	assert.Equal(t, []bool{true, false}, l.writer.Writes)
}

func TestRunLoopReversalRestartsHold(t *testing.T) {
	// ON at 0ms, blip low at 100ms, back high at 200ms (restarts the 500ms
	// on-hold), then low for good. Output drops at 700ms.
	samples := append(levels(true, 1, 1, 1), levels(false, 6)...)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{0, 700 * time.Millisecond}, eventOffsets(l.pub.Events))
}

func TestRunLoopShortPulseStretched(t *testing.T) {
	// A single high sample still holds the output on for the full on-hold.
	samples := levels(false, 1, 1, 8)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 600 * time.Millisecond}, eventOffsets(l.pub.Events))
}

func TestRunLoopOffHoldDelaysReactivation(t *testing.T) {
	// ON at 0, OFF at 500ms, input high again at 600ms: off-hold runs to 700ms.
	samples := levels(true, 1, 5, 4)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond, 700 * time.Millisecond}, eventOffsets(l.pub.Events))
	assert.Equal(t, []bool{true, false, true}, l.writer.Writes)
}

func TestRunLoopStatusWhilePending(t *testing.T) {
	samples := levels(true, 3, 1)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	snap := l.tracker.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, logic.StateOff, snap.Input)
	assert.Equal(t, logic.StateOn, snap.Output)
	assert.Equal(t, logic.StateOff, snap.Target)
	assert.Equal(t, logic.RegimePending, snap.Regime)
	assert.Equal(t, 200*time.Millisecond, snap.HoldRemaining)
	assert.Equal(t, logic.EventCounts{On: 1}, snap.Counts)
	assert.True(t, snap.MQTTConnected)
}

func TestRunLoopLatchUpdate(t *testing.T) {
	samples := levels(true, 1, 4)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.latch <- logic.LatchUpdate{On: dur(200 * time.Millisecond), Off: dur(0)}
	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{0, 200 * time.Millisecond}, eventOffsets(l.pub.Events))
	assert.Equal(t, logic.LatchTimes{On: 200 * time.Millisecond}, l.tracker.Snapshot().Latch)
}

func TestRunLoopLatchUpdateKeepsRunningWindow(t *testing.T) {
	samples := levels(true, 2, 6)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.run(2)
	l.latch <- logic.LatchUpdate{On: dur(100 * time.Millisecond), Off: dur(100 * time.Millisecond)}
	l.run(6)
	l.stop(t, syscall.SIGTERM)

	// The 500ms window armed at 0ms is not shortened.
	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond}, eventOffsets(l.pub.Events))
}

func TestRunLoopPartialLatchUpdateKeepsOtherHold(t *testing.T) {
	// Only the on-hold changes; the configured 200ms off-hold still delays
	// the second ON.
	samples := levels(true, 1, 1, 6)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

	l.latch <- logic.LatchUpdate{On: dur(100 * time.Millisecond)}
	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	// ON at 0, OFF at 100ms, input high at 200ms, off-hold ends at 300ms.
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond, 300 * time.Millisecond}, eventOffsets(l.pub.Events))
	assert.Equal(t, logic.LatchTimes{On: 100 * time.Millisecond, Off: 200 * time.Millisecond}, l.tracker.Snapshot().Latch)
}

func TestRunLoopReadErrorsStillResolvePending(t *testing.T) {
	// Input drops at 100ms, then every read fails. The deferred OFF still
	// lands when the 500ms on-hold ends.
	reader := &faultReader{
		inner:      gpio.NewFakeReader(levels(true, 1, 10)),
		faultStart: 2,
		faultEnd:   100,
	}
	l := startLoop(t, reader, testConfig())

	l.run(6)
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{0, 500 * time.Millisecond}, eventOffsets(l.pub.Events))
	snap := l.tracker.Snapshot()
	assert.Equal(t, logic.StateOff, snap.Output)
	assert.Equal(t, logic.RegimeLatched, snap.Regime, "off-hold runs to 700ms")
}

func TestRunLoopRecoversFromReadErrors(t *testing.T) {
	// Reads 1..3 fail; the loop keeps going and picks up the input afterwards.
	reader := &faultReader{
		inner:      gpio.NewFakeReader(levels(true, 10)),
		faultStart: 1,
		faultEnd:   4,
	}
	l := startLoop(t, reader, testConfig())

	l.run(8)
	l.stop(t, syscall.SIGTERM)

	assert.Equal(t, []time.Duration{0}, eventOffsets(l.pub.Events))
	assert.Equal(t, logic.RegimeSettled, l.tracker.Snapshot().Regime, "on-hold expired by 700ms")
}

func TestRunLoopNotReadyWhenEveryReadFails(t *testing.T) {
	reader := gpio.NewFakeReader(nil)
	reader.ReadError = errors.New("gpio fault")
	l := startLoop(t, reader, testConfig())

	l.run(5)
	l.stop(t, syscall.SIGTERM)

	assert.Empty(t, l.pub.Events)
	assert.False(t, l.tracker.Snapshot().Ready)
}

func TestRunLoopPublishErrorDoesNotStopOutput(t *testing.T) {
	samples := levels(true, 3, 5)
	l := startLoop(t, gpio.NewFakeReader(samples), testConfig())
	l.pub.PublishError = errors.New("broker down")

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	assert.Empty(t, l.pub.Events)
	assert.Equal(t, []bool{true, false}, l.writer.Writes, "output still driven")
}

func TestRunLoopHeartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat = 300 * time.Millisecond
	samples := levels(false, 8)
	l := startLoop(t, gpio.NewFakeReader(samples), cfg)

	l.run(len(samples))
	l.stop(t, syscall.SIGTERM)

	// Ticks at 0..700ms: heartbeats at 300ms and 600ms.
	assert.Equal(t, []string{"HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}, l.pub.SystemEventNames())
	assert.Equal(t, epoch.Add(300*time.Millisecond), l.pub.SystemEvents[0].Timestamp)
	assert.False(t, l.pub.SystemEvents[0].Retained)

	var parsed status.StatusJSON
	require.NoError(t, json.Unmarshal(l.pub.SystemPayloads[0], &parsed))
	assert.Equal(t, "HEARTBEAT", parsed.Status.Event)
	assert.Equal(t, "SETTLED", parsed.Status.Regime)
}

func TestRunLoopShutdownReason(t *testing.T) {
	tests := []struct {
		sig    os.Signal
		reason string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			samples := levels(true, 2)
			l := startLoop(t, gpio.NewFakeReader(samples), testConfig())

			l.run(len(samples))
			l.stop(t, tt.sig)

			require.Len(t, l.pub.SystemEvents, 1)
			ev := l.pub.SystemEvents[0]
			assert.Equal(t, "SHUTDOWN", ev.Event)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.True(t, ev.Retained)

			var parsed status.StatusJSON
			require.NoError(t, json.Unmarshal(l.pub.SystemPayloads[0], &parsed))
			assert.Equal(t, "SHUTDOWN", parsed.Status.Event)
			assert.Equal(t, tt.reason, parsed.Status.Reason)
			assert.Equal(t, "ON", parsed.Status.Output)
			assert.Equal(t, "LATCHED", parsed.Status.Regime)
		})
	}
}

func TestRunLoopShutdownPublishFailureIsNotFatal(t *testing.T) {
	l := startLoop(t, gpio.NewFakeReader(levels(false, 1)), testConfig())
	l.pub.PublishSystemError = errors.New("broker down")

	l.run(1)
	l.stop(t, syscall.SIGTERM)
}
