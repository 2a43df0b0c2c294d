package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/goclaw/signalkit/config"
	"github.com/goclaw/signalkit/pkg/logger"
	"github.com/goclaw/signalkit/pkg/metrics"
	"github.com/goclaw/signalkit/pkg/signal"
	"github.com/goclaw/signalkit/pkg/telemetry/tracing"
	"github.com/goclaw/signalkit/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")
	watchFlag   = flag.Bool("watch", false, "Reload log levels when the config file changes")
	printConfig = flag.Bool("print-config", false, "Print the effective configuration and exit")

	// CLI overrides
	appName        = flag.String("app-name", "", "Override app name")
	logLevel       = flag.String("log-level", "", "Override log level")
	signalLogLevel = flag.String("signal-log-level", "", "Override minimum signal record level")
	debounce       = flag.Duration("debounce", -1, "Override consumer debounce")
	emitRate       = flag.Float64("emit-rate", -1, "Override emits per second (0 disables pacing)")
	allowList      = flag.String("allow", "", "Comma-separated payloads the consumer accepts")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}
	if *printConfig {
		fmt.Print(loader.Print())
		os.Exit(0)
	}

	log := logger.New(&logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.SetGlobal(log)
	defer log.Close()
	config.ExtractHotReloadable(cfg).Apply()

	log.Info("Starting signalkit", append(version.LogAttrs(),
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)...)
	log.Debug("Configuration loaded", "config", cfg.String())

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg)
	if err != nil {
		log.Error("Failed to initialise tracing", "error", err)
		os.Exit(1)
	}

	metricsManager := metrics.NewManager(metrics.Config{
		Enabled:                cfg.Metrics.Enabled,
		Namespace:              cfg.Metrics.Namespace,
		Port:                   cfg.Metrics.Port,
		Path:                   cfg.Metrics.Path,
		HandlerDurationBuckets: metrics.DefaultConfig().HandlerDurationBuckets,
	})
	if metricsManager.Enabled() {
		signal.SetMetricsRecorder(metricsManager)
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	if *watchFlag && *configPath != "" {
		startWatcher(ctx, log, *configPath)
	}

	runErr := run(ctx, cfg, os.Stdin, os.Stdout, splitAllowList(*allowList))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("signalkit stopped with error", "error", runErr)
		os.Exit(1)
	}
	log.Info("signalkit stopped")
}

func startWatcher(ctx context.Context, log logger.Logger, path string) {
	watcher, err := config.NewWatcher(path, config.NewLoader())
	if err != nil {
		log.Warn("Config hot reload disabled", "error", err)
		return
	}

	var mu sync.Mutex
	var current config.HotReloadableConfig
	watcher.OnChange(func(cfg *config.Config) {
		hot := config.ExtractHotReloadable(cfg)
		mu.Lock()
		defer mu.Unlock()
		if !hot.Changed(current) {
			return
		}
		current = hot
		hot.Apply()
		log.Info("Log levels reloaded", "log_level", hot.LogLevel, "signal_log_level", hot.SignalLogLevel)
	})

	go func() {
		defer watcher.Stop()
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Config watcher stopped", "error", err)
		}
	}()
}

// run emits every non-empty input line as a payload and reports completions
// to out. It returns once input is exhausted and the last claimed signal has
// finished, or when ctx is done.
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, allowed []string) error {
	var (
		outMu    sync.Mutex
		lastDone string
	)
	reported := func(id string) bool {
		outMu.Lock()
		defer outMu.Unlock()
		return lastDone == id
	}
	report := func(sig signal.Signal[string], err error) {
		outMu.Lock()
		defer outMu.Unlock()
		if err != nil {
			fmt.Fprintf(out, "%s %s %v\n", sig.ID, sig.Payload, err)
		} else {
			fmt.Fprintf(out, "%s %s ok\n", sig.ID, sig.Payload)
		}
		lastDone = sig.ID
	}

	slot := signal.NewSlot[string]()
	dispatcher, err := signal.NewDispatcher(slot,
		signal.WithDispatcherName[string]("stdin"),
		signal.WithIDLength[string](cfg.Signal.IDLength),
		signal.WithEmitLimit[string](cfg.Signal.EmitRate, cfg.Signal.EmitBurst),
		signal.WithCompletion[string](report),
	)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	opts := []signal.ConsumerOption[string]{
		signal.WithOwner[string](cfg.App.Name),
		signal.WithDebounce[string](cfg.Signal.Debounce),
	}
	if allowed != nil {
		opts = append(opts, signal.WithAllowed(allowed...))
	}
	consumer, err := signal.NewConsumer(slot, signal.HandleFunc(true, func(ctx context.Context, sig signal.Signal[string]) error {
		logger.FromContext(ctx).InfoContext(ctx, "Handling payload", "id", sig.ID, "payload", sig.Payload)
		return nil
	}), opts...)
	if err != nil {
		return err
	}
	consumer.Mount()
	defer consumer.Unmount()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	if err := dispatcher.Run(ctx, lines); err != nil {
		return err
	}
	if err := <-scanErr; err != nil {
		return err
	}
	return drain(ctx, slot, consumer, allowed, reported)
}

// drain waits until the last signal is no longer waiting on this consumer
// and, once completed, has been reported.
func drain(ctx context.Context, slot *signal.Slot[string], consumer *signal.Consumer[string], allowed []string, reported func(id string) bool) error {
	for {
		consumer.Wait()
		sig, ok := slot.Load()
		if !ok || (sig.Status.IsCompleted() && reported(sig.ID)) {
			return nil
		}
		if sig.Status.IsDispatching() && !accepts(allowed, sig.Payload) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func accepts(allowed []string, payload string) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == payload {
			return true
		}
	}
	return false
}

func splitAllowList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *signalLogLevel != "" {
		overrides["signal.log_level"] = *signalLogLevel
	}
	if *debounce >= 0 {
		overrides["signal.debounce"] = *debounce
	}
	if *emitRate >= 0 {
		overrides["signal.emit_rate"] = *emitRate
	}

	return overrides
}

func printVersion() {
	fmt.Println(version.String())
}

func printHelp() {
	fmt.Printf("signalkit - dispatches each input line as a signal to a single consumer\n\n")
	fmt.Printf("Usage: signalkit [options] < payloads.txt\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  signalkit -debounce 0 < payloads.txt               # Process every line\n")
	fmt.Printf("  signalkit -emit-rate 5 < payloads.txt              # Emit at most 5 lines per second\n")
	fmt.Printf("  signalkit -allow save,load                          # Only handle two payloads\n")
	fmt.Printf("  signalkit -config signalkit.yaml -watch             # Hot-reload log levels\n")
	fmt.Printf("  signalkit -version                                  # Print version info\n")
	fmt.Printf("  signalkit -config signalkit.yaml -print-config      # Show effective settings\n")
}
