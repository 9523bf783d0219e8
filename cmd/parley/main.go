// Parley is a conversational voice assistant built on the Gemini API.
//
// It serves an HTTP and WebSocket API for conversational turns,
// consent answers and speech control, and offers a CLI for one-shot
// questions. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	parley serve              Start the API server
//	parley init [dir]         Initialize a working directory with defaults
//	parley ask [-speak] <q>   Ask a single question
//	parley version            Print version and build information
//	parley -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/parley/internal/api"
	"github.com/nugget/parley/internal/buildinfo"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/mqtt"
	"github.com/nugget/parley/internal/speech"
	"github.com/nugget/parley/internal/usage"
)

// main builds the OS-level environment and hands off to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the parsed command line.
type options struct {
	configPath string
	outputFmt  string
	speak      bool
	command    string
	args       []string
}

// parseArgs parses the command line by hand. The flag package keeps
// its state in package globals, which gets in the way of calling run
// from parallel tests.
func parseArgs(args []string) (*options, error) {
	o := &options{}
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			o.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			o.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			o.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			o.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-speak" || args[i] == "--speak":
			o.speak = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			o.command = "help"
			return o, nil
		case !strings.HasPrefix(args[i], "-") && o.command == "":
			o.command = args[i]
		default:
			if o.command == "" {
				return nil, fmt.Errorf("unknown flag: %s", args[i])
			}
			o.args = append(o.args, args[i])
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return nil, fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}
	return o, nil
}

// run is the testable entry point. Logs go to stdout; the caller
// prints the returned error.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch o.command {
	case "serve":
		return runServe(ctx, stdout, o.configPath)
	case "init":
		dir := "."
		if len(o.args) > 0 {
			dir = o.args[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(o.args) == 0 {
			return fmt.Errorf("usage: parley ask [-speak] <question>")
		}
		return runAsk(ctx, stdout, stderr, o)
	case "version":
		return runVersion(stdout, o.outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Conversational voice assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -speak            Speak the answer (ask only)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration and
// builds the configured logger.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// runAsk answers one question and prints the reply. With -speak the
// reply is also spoken through the configured sink, and ask waits for
// playback to finish.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, o *options) error {
	cfg, logger, err := loadConfig(o.configPath, stderr)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	resp, err := a.agent.Respond(ctx, chat.Turn{Prompt: strings.Join(o.args, " ")}, nil, a.connections())
	if err != nil {
		logger.Warn("ask failed", "error", err)
	}
	if o.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(resp); err != nil {
			return err
		}
	} else {
		printResponse(stdout, resp)
	}

	if !o.speak || resp.RequiresConsent || strings.TrimSpace(resp.Text) == "" {
		return nil
	}

	var player speech.Player = speech.Discard{}
	if cfg.Speech.Output == config.OutputMQTT {
		sp, err := a.startSpeaker(ctx)
		if err != nil {
			return err
		}
		player = sp
	}
	pipeline := a.newPipeline(player)
	pipeline.Speak(resp.Text)
	return pipeline.Wait(ctx)
}

// printResponse renders a response for a terminal.
func printResponse(w io.Writer, resp *chat.Response) {
	fmt.Fprintln(w, resp.Text)
	if resp.RequiresConsent && resp.Action != nil {
		fmt.Fprintf(w, "\n[consent required: %s]\n", resp.Action.ToolName)
	}
	if resp.GeneratedImage != nil {
		fmt.Fprintf(w, "\n[image: %s, %d bytes]\n", resp.GeneratedImage.MIMEType, len(resp.GeneratedImage.Data))
	}
	if v := resp.GeneratedVideo; v != nil {
		fmt.Fprintf(w, "\n[video %s: %s]\n", v.State, v.OperationName)
	}
	if len(resp.GroundingSources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, s := range resp.GroundingSources {
			fmt.Fprintf(w, "  - %s (%s)\n", s.Title, s.URI)
		}
	}
}

// runServe starts the API server and blocks until a shutdown signal.
//
// Shutdown order: the signal cancels ctx, speech stops, the MQTT
// speaker goes offline, then the HTTP server drains.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting Parley", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := events.New()
	a, err := newApp(ctx, cfg, logger, bus)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.agent, a.router, logger)
	server.SetFacts(a.store)

	ledger, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer ledger.Close()
	server.SetUsage(ledger)
	go usage.NewRecorder(ledger, cfg.Gemini.Pricing, logger).Run(ctx, bus)

	watch := a.watchConnections(ctx)
	defer watch.Stop()
	server.SetConnections(watch.Connections)
	server.SetServiceStatus(watch.Status)

	hub := api.NewHub(logger)
	server.SetHub(hub)
	go hub.Run(ctx, bus)

	var pipeline *speech.Pipeline
	var speaker *mqtt.Speaker
	if cfg.Speech.Enabled {
		var player speech.Player
		switch cfg.Speech.Output {
		case config.OutputMQTT:
			speaker, err = a.startSpeaker(ctx)
			if err != nil {
				return err
			}
			player = speaker
		case config.OutputWebSocket:
			player = api.NewWebSocketPlayer(hub)
		default:
			player = speech.Discard{}
		}
		pipeline = a.newPipeline(player)
		server.SetSpeaker(pipeline)
		hub.OnStop(pipeline.Stop)
		logger.Info("speech enabled", "voice", cfg.Speech.Voice, "output", cfg.Speech.Output)
	} else {
		logger.Info("speech disabled")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if pipeline != nil {
			pipeline.Stop()
		}
		if speaker != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := speaker.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Parley stopped")
	return nil
}
