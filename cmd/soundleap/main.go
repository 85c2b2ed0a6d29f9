package main

import (
	"context"
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

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/soundleap-link/internal/ble"
	"github.com/chaz8081/soundleap-link/internal/ble/protocol"
	"github.com/chaz8081/soundleap-link/internal/bridge"
	"github.com/chaz8081/soundleap-link/internal/config"
	"github.com/chaz8081/soundleap-link/internal/hotkey"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/soundleap-link/config.yaml)")
	code := flag.String("code", "", "6-digit pairing code of the hub (overrides device.code)")
	gameConfig := flag.String("game-config", "", "file with the game configuration payload")
	gameCode := flag.String("game-code", "", "file with the game code payload")
	listen := flag.String("listen", "", "enable the WebSocket bridge on this address (overrides bridge.listen)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
		} else {
			log.Printf("Default config written to %s", path)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *code != "" {
		cfg.Device.Code = *code
	}
	if *listen != "" {
		cfg.Bridge.Enabled = true
		cfg.Bridge.Listen = *listen
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if cfg.Device.Code == "" {
		log.Fatalf("no pairing code: pass -code or set device.code")
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	transfer, err := loadTransfer(*gameConfig, *gameCode)
	if err != nil {
		log.Fatalf("game: %v", err)
	}

	printBanner(cfg, transfer)

	adapter, err := newAdapter(cfg)
	if err != nil {
		log.Fatalf("ble: %v", err)
	}
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v\n\nCheck that Bluetooth is on and this program has permission to use it.", err)
	}

	opts, err := sessionOptions(cfg)
	if err != nil {
		log.Fatalf("ble: %v", err)
	}
	session := ble.NewSession(adapter, ble.NewBus(), opts)

	// Signal handling for graceful shutdown
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()

	g, ctx := errgroup.WithContext(runCtx)

	if cfg.Bridge.Enabled {
		srv := bridge.New(session)
		g.Go(func() error {
			defer srv.Close()
			return srv.ListenAndServe(ctx, cfg.Bridge.Listen)
		})
	}

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(cfg.Hotkey.Keys)
		go listener.Start()
		g.Go(func() error {
			return watchCancel(ctx, session, listener)
		})
		log.Printf("Cancel hotkey ready (%s)", strings.Join(cfg.Hotkey.Keys, "+"))
	}

	g.Go(func() error {
		if err := play(ctx, session, cfg, transfer); err != nil {
			return err
		}
		if cfg.Bridge.Enabled {
			// Keep serving the bridge until interrupted.
			<-ctx.Done()
			return nil
		}
		cancelRun()
		return nil
	})

	err = g.Wait()
	session.Close()
	exitCode := 0
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ERROR: %v", err)
		exitCode = 1
	} else {
		log.Println("Goodbye!")
	}
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(exitCode)
}

// play runs one game: scan for the hub, connect, upload the game if one was
// given, and report status until the hub ends the game.
func play(ctx context.Context, session *ble.Session, cfg *config.Config, transfer *ble.Transfer) error {
	events, unsubscribe := session.Bus().Subscribe(64)
	defer unsubscribe()

	dev, err := scan(ctx, session, events, cfg.Device.Code, cfg.BLE.ScanTimeout)
	if err != nil {
		return err
	}
	log.Printf("Found %s (%s)", dev.Name, dev.ID)

	if err := session.Connect(dev); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	st, err := session.WaitForState(ctx, ble.ServicesReady, ble.Failed, ble.Disconnected)
	if err != nil {
		return err
	}
	if st != ble.ServicesReady {
		return fmt.Errorf("connect to %s: %s", dev.Name, st)
	}
	log.Println("Connected, services ready")

	if transfer != nil {
		log.Printf("Uploading game (%d config bytes, %d code bytes)...", len(transfer.Config), len(transfer.Code))
		start := time.Now()
		if err := session.RunTransfer(ctx, *transfer); err != nil {
			return fmt.Errorf("transfer: %w", err)
		}
		log.Printf("Game uploaded in %s", time.Since(start).Round(time.Millisecond))
	}

	log.Println("Waiting for game status. Ctrl+C to quit.")
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case ble.EventStatus:
				log.Printf("Status: %d", ev.Status.Value)
			case ble.EventGameEnded:
				log.Println("Game ended")
				return nil
			case ble.EventStateChanged:
				if ev.State == ble.Disconnected || ev.State == ble.Failed {
					return fmt.Errorf("hub connection lost (%s)", ev.State)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// scan waits for the first hub advertising code.
func scan(ctx context.Context, session *ble.Session, events <-chan ble.Event, code string, timeout time.Duration) (ble.Device, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := session.StartScan(ctx, code); err != nil {
		return ble.Device{}, err
	}
	defer session.StopScan()

	log.Printf("Scanning for %s...", protocol.DeviceName(code))
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return ble.Device{}, ble.ErrClosed
			}
			if ev.Type == ble.EventDeviceFound {
				return ev.Device, nil
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ble.Device{}, fmt.Errorf("no hub advertising %s within %s", protocol.DeviceName(code), timeout)
			}
			return ble.Device{}, ctx.Err()
		}
	}
}

// watchCancel sends CancelGame on every hotkey press until ctx ends.
func watchCancel(ctx context.Context, session *ble.Session, listener *hotkey.Listener) error {
	defer listener.Stop()
	events := listener.Events()
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return nil
			}
			log.Println("Cancel hotkey pressed, cancelling game")
			if err := session.CancelGame(ctx); err != nil {
				log.Printf("ERROR: cancel game: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// loadTransfer reads the game payload files. It returns nil when neither
// file was given.
func loadTransfer(configPath, codePath string) (*ble.Transfer, error) {
	if configPath == "" && codePath == "" {
		return nil, nil
	}
	cfgData, err := readPayload(configPath)
	if err != nil {
		return nil, err
	}
	codeData, err := readPayload(codePath)
	if err != nil {
		return nil, err
	}
	return &ble.Transfer{Config: cfgData, Code: codeData}, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, transfer *ble.Transfer) {
	fmt.Println("=== soundleap-link ===")
	fmt.Printf("  Hub:      %s\n", protocol.DeviceName(cfg.Device.Code))
	fmt.Printf("  Backend:  %s\n", cfg.BLE.Backend)
	fmt.Printf("  Select:   %s writable characteristic\n", cfg.BLE.SelectPolicy)
	if transfer != nil {
		fmt.Printf("  Game:     %d config bytes, %d code bytes\n", len(transfer.Config), len(transfer.Code))
	}
	if cfg.Bridge.Enabled {
		fmt.Printf("  Bridge:   ws://%s/ws\n", cfg.Bridge.Listen)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Cancel:   %s\n", strings.Join(cfg.Hotkey.Keys, "+"))
	}
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("======================")
}
