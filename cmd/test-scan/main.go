// Command test-scan is a manual test for BLE scanning. With -code it reports
// only the matching hub; without it, every named advertisement.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-scan [--code 482913] [--backend tinygo|bluez] [--timeout 20s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/soundleap-link/internal/ble"
)

func main() {
	code := flag.String("code", "", "6-digit pairing code to match (default: list all named devices)")
	backend := flag.String("backend", "tinygo", "BLE backend: tinygo or bluez")
	adapterName := flag.String("adapter", "hci0", "BlueZ controller name")
	timeout := flag.Duration("timeout", 20*time.Second, "scan duration")
	flag.Parse()

	var adapter ble.Adapter
	switch *backend {
	case "bluez":
		adapter = ble.NewBlueZAdapter(*adapterName)
	case "tinygo":
		adapter = ble.NewTinyGoAdapter(ble.DefaultTinyGoOptions())
	default:
		log.Fatalf("unknown backend %q", *backend)
	}
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if *code != "" {
		scanForHub(ctx, adapter, *code)
		return
	}

	fmt.Printf("Scanning for %s...\n", *timeout)
	var mu sync.Mutex
	seen := make(map[string]bool)
	err := adapter.Scan(ctx, func(adv ble.Advertisement) {
		if adv.LocalName == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[adv.Address] {
			return
		}
		seen[adv.Address] = true
		fmt.Printf("  %-40s %-20s %d dBm\n", adv.Address, adv.LocalName, adv.RSSI)
	})
	if err != nil {
		log.Fatalf("scan: %v", err)
	}
	fmt.Printf("Done. %d named devices.\n", len(seen))
}

// scanForHub runs a session scan so matching goes through the same path as
// the main program.
func scanForHub(ctx context.Context, adapter ble.Adapter, code string) {
	session := ble.NewSession(adapter, ble.NewBus(), ble.DefaultSessionOptions())
	defer session.Close()

	events, unsubscribe := session.Bus().Subscribe(16)
	defer unsubscribe()

	if err := session.StartScan(ctx, code); err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Scanning for the hub. Press Ctrl+C to exit.")
	for {
		select {
		case ev := <-events:
			if ev.Type == ble.EventDeviceFound {
				fmt.Printf(">>> FOUND %s at %s\n", ev.Device.Name, ev.Device.ID)
			}
		case <-ctx.Done():
			session.StopScan()
			fmt.Println("Done.")
			return
		}
	}
}
