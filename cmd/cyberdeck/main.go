package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Overl1te/CyberDeck-sub000/internal/api"
	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/eventbus"
	"github.com/Overl1te/CyberDeck-sub000/internal/input"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputguard"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputsock"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/pairing"
	"github.com/Overl1te/CyberDeck-sub000/internal/pinlimit"
	"github.com/Overl1te/CyberDeck-sub000/internal/server"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
	"github.com/Overl1te/CyberDeck-sub000/internal/stream"
	"github.com/Overl1te/CyberDeck-sub000/internal/sysactions"
	"github.com/Overl1te/CyberDeck-sub000/internal/workerpool"
)

var (
	version = "1.4.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "cyberdeck",
	Short: "CyberDeck remote control server",
	Long:  `CyberDeck - turn this machine into a remote desktop endpoint for paired mobile clients`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("CyberDeck v%s\n", version)
	},
}

var codeCmd = &cobra.Command{
	Use:   "code",
	Short: "Generate a fresh pairing code for PAIRING_CODE",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(pairing.NewState("", 0, false).Meta(time.Now()).PairingCode)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables override it)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(codeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log := logging.L("main")

	holder := config.NewHolder(cfg, cfgFile)
	bus := eventbus.New()

	// Warn-and-above log records show up in the launcher's event feed.
	logging.SetEventSink(func(level, component, message string, fields map[string]any) {
		payload := map[string]any{"level": level}
		for k, v := range fields {
			payload[k] = v
		}
		bus.Emit("log", component, message, payload)
	})

	// Single worker keeps session snapshot writes in mutation order.
	pool := workerpool.New(1, 64)

	store := session.NewStore(cfg.SessionFile, session.Limits{
		TTL:         time.Duration(cfg.SessionTTLS) * time.Second,
		IdleTTL:     time.Duration(cfg.SessionIdleTTLS) * time.Second,
		MaxSessions: cfg.MaxSessions,
	})
	store.UsePersistQueue(func(task func()) bool { return pool.Submit(task) })
	if err := store.Load(); err != nil {
		log.Error("session file unreadable, starting empty", logging.KeyError, err)
	}

	pairingState := pairing.NewState(cfg.PairingCode, time.Duration(cfg.PairingTTLS)*time.Second, cfg.PairingSingleUse)
	qr := pairing.NewQRStore(time.Duration(cfg.QRTokenTTLS) * time.Second)
	limiter := pinlimit.New(pinlimit.Params{
		Window:   time.Duration(cfg.PinWindowS) * time.Second,
		MaxFails: cfg.PinMaxFails,
		Block:    time.Duration(cfg.PinBlockS) * time.Second,
		Stale:    time.Duration(cfg.PinStateStaleS) * time.Second,
		MaxIPs:   cfg.PinStateMaxIPs,
	})
	guard := inputguard.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Capture backends: native when the platform source initializes, the
	// external screenshot loop when a tool is installed.
	var grabber *capture.Grabber
	if source, err := capture.NewFrameSource(); err == nil {
		grabber = capture.NewGrabber(source, 15)
		go grabber.Run(ctx)
	} else {
		log.Info("native capture unavailable", logging.KeyError, err)
	}
	prober := capture.NewProber(func() bool {
		return grabber != nil && grabber.Enabled()
	})
	var screenshot *capture.ScreenshotLoop
	if tool := prober.ScreenshotTool(); tool != "" {
		screenshot = capture.NewScreenshotLoop(tool, 2)
		go screenshot.Run(ctx)
	}

	stabilizer := stream.NewStabilizer(0)
	store.OnDelete(stabilizer.Forget)

	inputBackend := input.New()
	hub := inputsock.NewHub(store, guard, inputBackend, bus, holder.Get)

	app := &api.App{
		Cfg:        holder,
		Store:      store,
		Pairing:    pairingState,
		QR:         qr,
		Limiter:    limiter,
		Guard:      guard,
		Bus:        bus,
		Hub:        hub,
		Auth:       auth.New(store, func() bool { return holder.Get().AllowQueryToken }),
		Negotiator: stream.NewNegotiator(prober, stabilizer),
		Stabilizer: stabilizer,
		Tickets:    stream.NewTicketStore(0),
		Supervisor: stream.NewSupervisor(),
		Prober:     prober,
		Grabber:    grabber,
		Screenshot: screenshot,
		Input:      inputBackend,
		Actions:    sysactions.NewRunner(time.Duration(cfg.SystemCmdTimeoutS * float64(time.Second))),
		StartedAt:  time.Now(),
	}

	srv := server.New(server.Options{
		Handler:    app.Router(),
		Port:       cfg.Port,
		PortAuto:   cfg.PortAuto,
		TLSEnabled: cfg.TLSEnabled,
		TLSCert:    cfg.TLSCert,
		TLSKey:     cfg.TLSKey,
	})
	if err := srv.Bind(); err != nil {
		log.Error("startup failed", logging.KeyError, err)
		os.Exit(1)
	}
	// With PORT_AUTO the OS picked the port; record it before any handler
	// reports it to the launcher. Nothing serves until Serve below.
	cfg.Port = srv.Port()

	store.StartSweeper(ctx, time.Minute)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	log.Info("cyberdeck started",
		"version", version,
		"port", cfg.Port,
		"scheme", cfg.Scheme,
		"server_name", cfg.ServerName,
	)
	bus.Emit("server_started", cfg.ServerName, fmt.Sprintf("listening on port %d", cfg.Port), nil)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			log.Error("server failed", logging.KeyError, err)
			os.Exit(1)
		}
		return
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", logging.KeyError, err)
	}
	pool.Shutdown(shutdownCtx)
}
