// Command hysteresis-output follows a GPIO input onto a GPIO output, holding the
// output in each state for a minimum time, and publishes transitions to MQTT.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sweeney/hysteresis-output/internal/config"
	"github.com/sweeney/hysteresis-output/internal/gpio"
	"github.com/sweeney/hysteresis-output/internal/logic"
	"github.com/sweeney/hysteresis-output/internal/mqtt"
	"github.com/sweeney/hysteresis-output/internal/status"
	"github.com/sweeney/hysteresis-output/internal/timer"
	"github.com/sweeney/hysteresis-output/internal/web"
)

func main() {
	if err := newRootCmd(newFlags()).Execute(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// flags holds raw flag values. They override the config file only when set
// explicitly on the command line.
type flags struct {
	configPath string
	cfg        config.Config
}

func newFlags() *flags {
	return &flags{cfg: config.Default()}
}

func newRootCmd(f *flags) *cobra.Command {
	root := &cobra.Command{
		Use:           "hysteresis-output",
		Short:         "Latch a GPIO output to a GPIO input with minimum on and off times",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "YAML config file (flags override its values)")
	pf.StringVar(&f.cfg.GPIO.Chip, "chip", f.cfg.GPIO.Chip, "GPIO chip name")
	pf.IntVar(&f.cfg.GPIO.PinIn, "pin-in", f.cfg.GPIO.PinIn, "BCM pin number for the sensor input")
	pf.IntVar(&f.cfg.GPIO.PinOut, "pin-out", f.cfg.GPIO.PinOut, "BCM pin number for the controlled output")
	pf.BoolVar(&f.cfg.GPIO.ActiveLow, "active-low", f.cfg.GPIO.ActiveLow, "Treat a low input level as active")
	pf.StringVar(&f.cfg.Log.Level, "log-level", f.cfg.Log.Level, "Log level (debug, info, warn, error)")
	pf.StringVar(&f.cfg.Log.Format, "log-format", f.cfg.Log.Format, `Log format ("text" or "json")`)

	fl := root.Flags()
	fl.DurationVar(&f.cfg.Poll, "poll", f.cfg.Poll, "GPIO polling interval")
	fl.DurationVar(&f.cfg.OnHold, "on-hold", f.cfg.OnHold, "Minimum time the output stays on")
	fl.DurationVar(&f.cfg.OffHold, "off-hold", f.cfg.OffHold, "Minimum time the output stays off")
	fl.DurationVar(&f.cfg.Heartbeat, "heartbeat", f.cfg.Heartbeat, "Heartbeat interval (0 to disable)")
	fl.StringVar(&f.cfg.MQTT.Broker, "broker", f.cfg.MQTT.Broker, "MQTT broker address")
	fl.StringVar(&f.cfg.MQTT.TopicPrefix, "topic-prefix", f.cfg.MQTT.TopicPrefix, "MQTT topic prefix")
	fl.StringVar(&f.cfg.MQTT.WSBroker, "ws-broker", f.cfg.MQTT.WSBroker, `MQTT websocket URL for live UI ("=broker" derives from --broker, "off" disables)`)
	fl.StringVar(&f.cfg.HTTP.Addr, "http", f.cfg.HTTP.Addr, "HTTP status address (empty to disable)")

	root.AddCommand(newStateCmd(f))
	return root
}

func newStateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the current input and output levels and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			in, out, err := readLevels(cfg.GPIO)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "IN: %s, OUT: %s\n", logic.StateOf(in), logic.StateOf(out))
			return nil
		},
	}
}

// loadConfig merges defaults, the optional config file and explicitly set flags,
// then configures logging.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return cfg, err
		}
	}
	applyFlags(cmd, f.cfg, &cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyFlags copies every flag the user set explicitly from fl into cfg.
func applyFlags(cmd *cobra.Command, fl config.Config, cfg *config.Config) {
	set := func(name string, apply func()) {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
	set("poll", func() { cfg.Poll = fl.Poll })
	set("on-hold", func() { cfg.OnHold = fl.OnHold })
	set("off-hold", func() { cfg.OffHold = fl.OffHold })
	set("heartbeat", func() { cfg.Heartbeat = fl.Heartbeat })
	set("chip", func() { cfg.GPIO.Chip = fl.GPIO.Chip })
	set("pin-in", func() { cfg.GPIO.PinIn = fl.GPIO.PinIn })
	set("pin-out", func() { cfg.GPIO.PinOut = fl.GPIO.PinOut })
	set("active-low", func() { cfg.GPIO.ActiveLow = fl.GPIO.ActiveLow })
	set("broker", func() { cfg.MQTT.Broker = fl.MQTT.Broker })
	set("topic-prefix", func() { cfg.MQTT.TopicPrefix = fl.MQTT.TopicPrefix })
	set("ws-broker", func() { cfg.MQTT.WSBroker = fl.MQTT.WSBroker })
	set("http", func() { cfg.HTTP.Addr = fl.HTTP.Addr })
	set("log-level", func() { cfg.Log.Level = fl.Log.Level })
	set("log-format", func() { cfg.Log.Format = fl.Log.Format })
}

func setupLogging(lc config.LogConfig) error {
	level, err := log.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)
	if lc.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// readLevels samples both lines without driving the output. The output pin is
// requested as an input, so this only works while the daemon is not running.
func readLevels(gc config.GPIOConfig) (in, out bool, err error) {
	inReader, err := gpio.NewRealReader(gc.Chip, gc.PinIn, gc.ActiveLow)
	if err != nil {
		return false, false, fmt.Errorf("init gpio input: %w", err)
	}
	defer inReader.Close()

	outReader, err := gpio.NewRealReader(gc.Chip, gc.PinOut, false)
	if err != nil {
		return false, false, fmt.Errorf("init gpio output: %w", err)
	}
	defer outReader.Close()

	if in, err = inReader.Read(); err != nil {
		return false, false, fmt.Errorf("read gpio input: %w", err)
	}
	if out, err = outReader.Read(); err != nil {
		return false, false, fmt.Errorf("read gpio output: %w", err)
	}
	return in, out, nil
}

func run(cfg config.Config) error {
	bootID := uuid.NewString()
	topics := mqtt.TopicsFor(cfg.MQTT.TopicPrefix)
	wsBroker := resolveWSBroker(cfg.MQTT.WSBroker, cfg.MQTT.Broker)

	// Initialize GPIO
	reader, err := gpio.NewRealReader(cfg.GPIO.Chip, cfg.GPIO.PinIn, cfg.GPIO.ActiveLow)
	if err != nil {
		return fmt.Errorf("init gpio input: %w", err)
	}
	defer reader.Close()

	writer, err := gpio.NewRealWriter(cfg.GPIO.Chip, cfg.GPIO.PinOut)
	if err != nil {
		return fmt.Errorf("init gpio output: %w", err)
	}
	defer writer.Close()
	if level, err := writer.Level(); err != nil {
		log.Warnf("gpio: output readback failed: %v", err)
	} else {
		log.Debugf("gpio: output pin %d requested, level=%s", cfg.GPIO.PinOut, logic.StateOf(level))
	}

	// Initialize MQTT
	publisher, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, "hysteresis-output-"+bootID[:8], topics)
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	// Initialize status tracker (before STARTUP so snapshot is available)
	tracker := status.NewTracker(time.Now(), bootID, status.Config{
		PollMs:      cfg.Poll.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		PinIn:       cfg.GPIO.PinIn,
		PinOut:      cfg.GPIO.PinOut,
		Broker:      cfg.MQTT.Broker,
		EventsTopic: topics.Events,
		HTTPAddr:    cfg.HTTP.Addr,
		WSBroker:    wsBroker,
	})
	tracker.SetMQTTConnected(publisher.IsConnected())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      "STARTUP",
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, "STARTUP", ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		log.Printf("failed to publish startup event: %v", err)
	} else {
		log.Printf("published startup event")
	}

	// Start HTTP status server
	latch := make(chan logic.LatchUpdate, 1)
	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker, latch)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", cfg.HTTP.Addr)
	}

	log.WithFields(log.Fields{
		"boot_id":   bootID,
		"poll":      cfg.Poll,
		"on_hold":   cfg.OnHold,
		"off_hold":  cfg.OffHold,
		"heartbeat": cfg.Heartbeat,
		"broker":    cfg.MQTT.Broker,
		"topic":     topics.Events,
	}).Info("started")

	ticker := time.NewTicker(cfg.Poll)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(reader, writer, publisher, publisher, tracker, cfg, time.Now, ticker.C, latch, sigCh)
}

// runLoop owns the controller. Each tick samples the input, feeds it to the
// controller and publishes whatever transitions resulted. The controller's
// timer runs on the tick timestamps, so a deferred transition resolves on the
// first tick at or after its hold deadline.
func runLoop(in gpio.Reader, out gpio.Writer, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, cfg config.Config, now func() time.Time, tick <-chan time.Time, latch <-chan logic.LatchUpdate, sig <-chan os.Signal) error {
	startTime := now()
	sampledAt := startTime
	hold := timer.New(func() time.Time { return sampledAt })

	// The callback runs inside SetInputState/Poll; it only drives the pin and
	// queues the event so nothing slow happens under the controller.
	var pending []logic.Event
	ctrl := logic.NewController(cfg.OnHold, cfg.OffHold, hold, func(on bool) {
		if err := out.Write(on); err != nil {
			log.Printf("gpio write error: %v", err)
		}
		pending = append(pending, logic.NewEvent(sampledAt, on))
	})
	heartbeat := logic.NewHeartbeat(startTime)
	var input, sampled bool

	updateStatus := func() {
		if tracker == nil || !sampled {
			return
		}
		tracker.Update(status.OutputStatus{
			Input:         logic.StateOf(input),
			Output:        logic.StateOf(ctrl.OutputState()),
			Target:        logic.StateOf(ctrl.TargetState()),
			Regime:        ctrl.Regime(),
			HoldRemaining: hold.Remaining(),
			Latch:         ctrl.LatchTimes(),
			Counts:        ctrl.Counts(),
		})
		if mqttStatus != nil {
			tracker.SetMQTTConnected(mqttStatus.IsConnected())
		}
	}

	for {
		select {
		case s := <-sig:
			log.Printf("received %v, shutting down", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}
			event := mqtt.SystemEvent{
				Timestamp: now(),
				Event:     "SHUTDOWN",
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.RawPayload = status.FormatStatusEvent(snap, "SHUTDOWN", signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				log.Printf("failed to publish shutdown event: %v", err)
			} else {
				log.Printf("published shutdown event")
			}
			return nil

		case u := <-latch:
			lt := u.Apply(ctrl.LatchTimes())
			ctrl.SetLatchTimes(lt.On, lt.Off)
			log.Printf("latch times set: on=%v off=%v", lt.On, lt.Off)
			updateStatus()

		case t := <-tick:
			sampledAt = t
			// A failed read leaves the last request in place; Poll still runs
			// so a deferred transition resolves on time.
			if v, err := in.Read(); err != nil {
				log.Printf("gpio read error: %v", err)
			} else {
				input, sampled = v, true
				ctrl.SetInputState(input)
			}
			ctrl.Poll()

			for _, event := range pending {
				log.Printf("event: %s (regime=%s)", event.Type, ctrl.Regime())
				if err := publisher.Publish(event); err != nil {
					log.Printf("publish error: %v", err)
				}
			}
			pending = pending[:0]

			updateStatus()

			if hbData := heartbeat.Check(t, cfg.Heartbeat, ctrl.Counts()); hbData != nil {
				log.Printf("heartbeat: uptime=%v on=%d off=%d",
					hbData.Uptime, hbData.Counts.On, hbData.Counts.Off)

				hbEvent := mqtt.SystemEvent{
					Timestamp: hbData.Timestamp,
					Event:     "HEARTBEAT",
				}
				if tracker != nil {
					// Refresh network info for heartbeat
					if net := readNetworkInfo(); net != nil {
						tracker.SetNetwork(net)
					}
					hbEvent.RawPayload = status.FormatStatusEvent(tracker.Snapshot(), "HEARTBEAT", "")
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					log.Printf("heartbeat publish error: %v", err)
				}
			}
		}
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}

// resolveWSBroker converts the --ws-broker value into a concrete URL.
// "=broker" derives ws://host:9001 from the TCP broker address; "off" disables.
func resolveWSBroker(ws, broker string) string {
	if ws == "off" || ws == "" {
		return ""
	}
	if ws != "=broker" {
		return ws
	}
	u, err := url.Parse(broker)
	if err != nil {
		log.Printf("ws-broker: cannot parse broker %q: %v", broker, err)
		return ""
	}
	u.Scheme = "ws"
	u.Host = u.Hostname() + ":9001"
	return u.String()
}
