/*
Package sdk provides the device-side client library for publishing sensor
readings into the pipeline.

# Quick Start

Connect to the bus and create a client with the device identity:

	package main

	import (
	    "context"
	    "log"
	    "time"

	    "github.com/telefold/telefold/pkg/bus/nats"
	    "github.com/telefold/telefold/pkg/sdk"
	)

	func main() {
	    b, err := nats.Connect(context.Background(), nats.Config{URL: "nats://localhost:4222"})
	    if err != nil {
	        log.Fatal(err)
	    }
	    defer b.Close()

	    client, err := sdk.New(b, sdk.ClientConfig{
	        TenantID:   "acme",
	        DeviceID:   "hvac-42",
	        DeviceType: "hvac",
	    })
	    if err != nil {
	        log.Fatal(err)
	    }

	    client.Start(context.Background())
	    defer client.Stop()

	    client.Record("temp-probe-1", "temperature_c", 21.5, time.Now(), nil)
	}

Readings are batched in memory and published on the device's raw subject
(sensor.raw.{tenant}.{type}.{device}) either when the batch fills or on the
flush interval, whichever comes first. Stop flushes whatever is pending.

# Identity

Every reading carries the tenant, device and sensor that produced it. The
client stamps the tenant and device from its config; the sensor id and
metric name are per call, so one client serves a device with many sensors:

	client.Record("temp-probe-1", "temperature_c", 21.5, observedAt, nil)
	client.Record("humidity-1", "humidity_pct", 40.2, observedAt, nil)

Tags are optional free-form labels that ride along on the reading:

	client.Record("temp-probe-1", "temperature_c", 21.5, observedAt,
	    map[string]string{"floor": "3", "zone": "north"})

# Timestamps

The observed_at timestamp should be the moment the device took the reading,
not the moment it was published. The pipeline rejects readings more than a
bounded interval in the past or future, so devices with unreliable clocks
should pass a zero time and let the client stamp the current time instead.
*/
package sdk
