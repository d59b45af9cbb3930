package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/beamscan/internal/bus"
	"github.com/chaz8081/beamscan/internal/config"
	"github.com/chaz8081/beamscan/internal/scanner"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/beamscan/config.yaml)")
	count := flag.Int("count", 1, "number of samples to take (0 = until interrupted)")
	interval := flag.Duration("interval", time.Second, "pause between samples")
	gain := flag.Int("gain", -1, "set amplifier gain 0-255 before sampling (-1 = keep)")
	discover := flag.Bool("discover", false, "forget the stored port and search again")
	asJSON := flag.Bool("json", false, "print results as JSON lines")
	writeConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	props, err := config.LoadProperties(cfg.PropertiesPath)
	if err != nil {
		log.Fatalf("properties: %v", err)
	}

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := scanner.Options{
		Device:        cfg.Device.Name,
		SampleTimeout: cfg.Serial.SampleTimeout,
		SettleDelay:   cfg.Serial.SettleDelay,
		VersionWait:   cfg.Serial.VersionWait,
		Discovery: scanner.DiscoveryOptions{
			Attempts:     cfg.Serial.DiscoveryAttempts,
			ProbeTimeout: cfg.Serial.ProbeTimeout,
			RetryDelay:   cfg.Serial.RetryDelay,
		},
		Reconnect:     cfg.Serial.Reconnect,
		ReconnectBase: cfg.Serial.ReconnectBase,
		ReconnectMax:  cfg.Serial.ReconnectMax,
		Logger:        logger,
		OnFatal: func(err error) {
			// a port we cannot release is unrecoverable for this process
			log.Printf("FATAL: %v", err)
			stop()
		},
	}
	sc := scanner.New(scanner.SerialOpener{}, props, opts)

	if *discover {
		log.Println("Forgetting stored port")
		sc.Forget()
	}
	if cfg.Device.Port != "" {
		props.Put(cfg.Device.Name, cfg.Device.Port)
	}

	log.Println("Opening scanner...")
	openStart := time.Now()
	if err := sc.Open(ctx); err != nil {
		if errors.Is(err, scanner.ErrNoDevice) {
			log.Fatalf("Failed to open scanner: %v\n\nCheck that the instrument is plugged in and announces <id:%s>.\nRun beamscan-ports to list serial ports.", err, cfg.Device.Name)
		}
		log.Fatalf("Failed to open scanner: %v", err)
	}
	log.Printf("Scanner ready on %s (firmware %s) in %s", sc.Port(), versionOrUnknown(sc.Version()), time.Since(openStart).Round(time.Millisecond))

	exitCode := 0
	defer func() {
		if err := sc.Close(); err != nil {
			log.Printf("ERROR: %v", err)
			exitCode = 1
		}
		log.Println("Goodbye!")
		os.Exit(exitCode)
	}()

	if *gain >= 0 {
		if err := sc.SetGain(*gain); err != nil {
			log.Printf("ERROR: set gain: %v", err)
			exitCode = 1
			return
		}
		log.Printf("Gain set to %d", *gain)
	}

	var publisher *bus.Client
	samples := make(chan struct{}, 1)
	if cfg.Bus.URL != "" {
		publisher, err = bus.Dial(cfg.Bus.URL, cfg.Bus.ClientName, cfg.Bus.Subject, logger)
		if err != nil {
			log.Printf("ERROR: %v (continuing without bus)", err)
		} else {
			defer publisher.Close()
			err := publisher.OnCommand(func(cmd bus.Command) {
				switch cmd {
				case bus.CmdKill, bus.CmdShutdown:
					log.Printf("Received %s command, shutting down...", cmd)
					stop()
				case bus.CmdSample:
					select {
					case samples <- struct{}{}:
					default:
					}
				}
			})
			if err != nil {
				log.Printf("ERROR: %v", err)
			}
		}
	}

	for taken := 0; *count == 0 || taken < *count; taken++ {
		if taken > 0 && !wait(ctx, *interval, samples) {
			break
		}

		res, err := sc.Sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("ERROR: sample %d: %v", taken+1, err)
			if sc.State() == scanner.StateClosed && !sc.Reconnecting() {
				exitCode = 1
				break
			}
			continue
		}
		if res == nil {
			log.Printf("Sample %d: scanner at home, no scan data", taken+1)
			continue
		}

		printResult(res, *asJSON)

		if publisher != nil {
			if err := publisher.PublishResult(cfg.Device.Name, sc.Port(), sc.Version(), res); err != nil {
				log.Printf("ERROR: %v", err)
			}
		}
	}

	if ctx.Err() != nil {
		log.Println("Interrupted, shutting down...")
	}
}

// wait pauses between samples. A sample command from the bus ends the pause
// early. It returns false when ctx is done.
func wait(ctx context.Context, d time.Duration, early <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-early:
		return true
	case <-ctx.Done():
		return false
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	port := cfg.Device.Port
	if port == "" {
		port = "(stored or discovered)"
	}
	busURL := cfg.Bus.URL
	if busURL == "" {
		busURL = "off"
	}
	fmt.Fprintln(os.Stderr, "=== beamscan ===")
	fmt.Fprintf(os.Stderr, "  Device:  %s\n", cfg.Device.Name)
	fmt.Fprintf(os.Stderr, "  Port:    %s\n", port)
	fmt.Fprintf(os.Stderr, "  Props:   %s\n", cfg.PropertiesPath)
	fmt.Fprintf(os.Stderr, "  Bus:     %s\n", busURL)
	fmt.Fprintf(os.Stderr, "  Log:     %s\n", cfg.LogLevel)
	fmt.Fprintln(os.Stderr, "================")
}

func printResult(res *scanner.Result, asJSON bool) {
	if asJSON {
		data, err := json.Marshal(struct {
			Readings []int `json:"readings"`
			Duration int   `json:"duration_ms"`
		}{res.Readings, res.Duration})
		if err != nil {
			log.Printf("ERROR: encode result: %v", err)
			return
		}
		fmt.Println(string(data))
		return
	}

	values := make([]string, len(res.Readings))
	for i, v := range res.Readings {
		values[i] = fmt.Sprint(v)
	}
	fmt.Printf("%d readings in %dms: %s\n", len(res.Readings), res.Duration, strings.Join(values, " "))
}

func versionOrUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
