// Command test-scan is a manual test for the BLE transport.
// It powers on the adapter, scans for the given duration and prints every
// peripheral it sees once.
//
// Usage:
//
//	go run ./cmd/test-scan [--seconds 10] [--service 1812]
package main

import (
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/padlink/internal/ble"
)

func main() {
	seconds := flag.Int("seconds", 10, "how long to scan")
	service := flag.String("service", "", "only report peripherals advertising this service uuid")
	flag.Parse()

	var filter []string
	if *service != "" {
		u, err := ble.NormalizeUUID(*service)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		filter = append(filter, u)
	}

	mgr := ble.NewManager(ble.NewTinyGoTransport(), ble.DefaultOptions())
	defer mgr.Close()

	var mu sync.Mutex
	seen := make(map[string]bool)
	mgr.SetDiscoveryHandler(func(p ble.Peripheral, rssi int) {
		mu.Lock()
		defer mu.Unlock()
		if seen[p.ID] {
			return
		}
		seen[p.ID] = true
		fmt.Printf("  %-40s %4d dBm  %s\n", p.ID, rssi, p.Name)
	})
	mgr.SetErrorHandler(func(err error) {
		fmt.Printf("Error: %v\n", err)
	})

	if err := mgr.Enable(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Printf("Scanning for %ds...\n", *seconds)
	mgr.StartScanning(filter...)
	time.Sleep(time.Duration(*seconds) * time.Second)
	mgr.StopScanning()

	mu.Lock()
	fmt.Printf("\nDone! %d peripheral(s) found.\n", len(seen))
	mu.Unlock()
}
