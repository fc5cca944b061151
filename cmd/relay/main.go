// relay: WebSocket video frame relay
// Devices publish frames tagged with a sender id; every registered viewer
// receives each frame.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/framerelay/internal/admission"
	"github.com/teslashibe/framerelay/internal/config"
	"github.com/teslashibe/framerelay/internal/log"
	"github.com/teslashibe/framerelay/pkg/hub"
	"github.com/teslashibe/framerelay/pkg/protocol"
	"github.com/teslashibe/framerelay/pkg/senderid"
	"github.com/teslashibe/framerelay/pkg/server"
	"github.com/teslashibe/framerelay/pkg/session"
)

var (
	version     = "1.0.0"
	port        = flag.Int("port", 0, "HTTP server port (overrides PORT)")
	debug       = flag.Bool("debug", false, "Log every HTTP request")
	staticDir   = flag.String("static", "", "Directory with device and monitor pages (overrides STATIC_DIR)")
	codecName   = flag.String("codec", "", "Sender id strategy: suffix, jpeg-app1 or auto (overrides RELAY_CODEC)")
	allowed     = flag.String("allowed", "", "Allowed peers, * or comma separated CIDRs (overrides ALLOWED_CIDR)")
	allowedFile = flag.String("allowed-file", "", "File with allowed CIDRs, reloaded on change (overrides ALLOWED_CIDR_FILE)")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
)

func main() {
	flag.Parse()

	level := config.String(config.EnvLogLevel, config.DefaultLogLevel)
	if *logLevel != "" {
		level = *logLevel
	}
	log.Init(level)

	if err := run(); err != nil {
		log.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(log.L())
	if err != nil {
		return err
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	extractor, err := senderid.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	codec, err := protocol.NewCodec(cfg.Codes)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("📡 framerelay v" + version)
	fmt.Println("   Video frame relay")
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter, err := admission.New(cfg.AllowedCIDR)
	if err != nil {
		return fmt.Errorf("allowed peers: %w", err)
	}
	if cfg.AllowedCIDRFile != "" {
		if err := filter.WatchFile(ctx, cfg.AllowedCIDRFile); err != nil {
			return err
		}
	}

	h := hub.New("relay")
	go h.Run(ctx)

	srv := server.New(h, filter, server.Config{
		Version:   version,
		StaticDir: cfg.StaticDir,
		Debug:     *debug,
		Session: session.Config{
			Codec:         codec,
			Extractor:     extractor,
			MaxFrameBytes: cfg.MaxFrameBytes,
		},
	})

	log.Info("relay configured",
		"addr", cfg.Addr(),
		"codec", cfg.Codec,
		"allowed", filter.String(),
		"max_frame_bytes", cfg.MaxFrameBytes,
		"types", fmt.Sprintf("frame=%d viewer=%d device=%d", cfg.Codes.VideoFrame, cfg.Codes.Viewer, cfg.Codes.Device))

	if err := srv.Run(ctx, cfg.Addr()); err != nil {
		return err
	}
	log.Info("goodbye")
	return nil
}

// applyFlags overrides environment settings with flags given on the command line.
func applyFlags(cfg *config.Relay) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "static":
			cfg.StaticDir = *staticDir
		case "codec":
			cfg.Codec = *codecName
		case "allowed":
			cfg.AllowedCIDR = *allowed
		case "allowed-file":
			cfg.AllowedCIDRFile = *allowedFile
		}
	})
}
