// Command simulator publishes synthetic device telemetry for local testing.
// Each simulated device emits a smooth sinusoidal signal with noise, plus an
// occasional spike so the anomaly detector has something to find.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telefold/telefold/pkg/bus/nats"
	"github.com/telefold/telefold/pkg/sdk"
)

func main() {
	var (
		natsURL   = flag.String("nats", "nats://localhost:4222", "NATS server URL")
		tenant    = flag.String("tenant", "acme", "tenant id to publish under")
		devices   = flag.Int("devices", 5, "number of simulated devices")
		interval  = flag.Duration("interval", 2*time.Second, "interval between readings per device")
		spikeRate = flag.Float64("spike-rate", 0.01, "probability of an anomalous spike per reading")
	)
	flag.Parse()

	b, err := nats.Connect(context.Background(), nats.Config{URL: *natsURL})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < *devices; i++ {
		deviceID := fmt.Sprintf("sim-%03d", i)
		client, err := sdk.New(b, sdk.ClientConfig{
			TenantID:   *tenant,
			DeviceID:   deviceID,
			DeviceType: "simulator",
		})
		if err != nil {
			log.Fatalf("Failed to create client for %s: %v", deviceID, err)
		}
		if err := client.Start(ctx); err != nil {
			log.Fatalf("Failed to start client for %s: %v", deviceID, err)
		}
		defer client.Stop()

		go emit(ctx, client, i, *interval, *spikeRate)
	}

	log.Printf("Simulating %d devices for tenant %q every %v", *devices, *tenant, *interval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Stopping simulator...")
}

// emit publishes one device's readings until the context is cancelled.
func emit(ctx context.Context, client *sdk.Client, seed int, interval time.Duration, spikeRate float64) {
	rng := rand.New(rand.NewSource(int64(seed)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Per-device phase offset so the fleet doesn't move in lockstep.
	phase := float64(seed) * 0.7
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(start).Seconds()

			temp := 21.0 + 3.0*math.Sin(elapsed/600.0+phase) + rng.NormFloat64()*0.2
			humidity := 45.0 + 10.0*math.Sin(elapsed/900.0+phase) + rng.NormFloat64()*0.5

			if rng.Float64() < spikeRate {
				temp += 30.0
				log.Printf("Injecting temperature spike")
			}

			client.Record("temp-probe", "temperature_c", temp, now.UTC(), nil)
			client.Record("humidity-probe", "humidity_pct", humidity, now.UTC(), nil)
		}
	}
}
