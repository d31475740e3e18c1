package telemetry

import (
	"fmt"
	"time"
)

// SensorReading is a single immutable device observation as published on the
// bus. Two readings with the same Key() are the same physical observation.
type SensorReading struct {
	TenantID   string            `json:"tenant_id"`
	DeviceID   string            `json:"device_id"`
	SensorID   string            `json:"sensor_id"`
	DeviceType string            `json:"device_type,omitempty"`
	Metric     string            `json:"metric"`
	Value      float64           `json:"value"`
	ObservedAt time.Time         `json:"observed_at"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// ReadingKey is the natural key used for deduplication.
type ReadingKey struct {
	TenantID   string
	DeviceID   string
	SensorID   string
	Metric     string
	ObservedAt int64 // unix nanos, comparable
}

// Key returns the reading's natural key.
func (r SensorReading) Key() ReadingKey {
	return ReadingKey{
		TenantID:   r.TenantID,
		DeviceID:   r.DeviceID,
		SensorID:   r.SensorID,
		Metric:     r.Metric,
		ObservedAt: r.ObservedAt.UnixNano(),
	}
}

// SeriesKey identifies the per-series state used by the anomaly detector and
// the aggregation tables: one series per (tenant, device, metric).
func (r SensorReading) SeriesKey() string {
	return r.TenantID + "/" + r.DeviceID + "/" + r.Metric
}

// PartitionKey is the routing key for worker assignment. All readings for one
// device land on one worker so accumulator state has a single writer.
func (r SensorReading) PartitionKey() string {
	return r.TenantID + "/" + r.DeviceID
}

// Severity grades an anomaly tag.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyTag is attached to a reading as it flows through the pipeline. It is
// never persisted on its own; it rides along on the anomaly-notification
// message and as tags on downstream records.
type AnomalyTag struct {
	Reading  SensorReading `json:"reading"`
	Reason   string        `json:"reason"`
	Severity Severity      `json:"severity"`
}

// Bus subject roots. Logical topic names sensor.raw/{tenant}/{type}/{device}
// map to dotted subjects on the wire.
const (
	SubjectRawPrefix     = "sensor.raw"
	SubjectCleanPrefix   = "sensor.clean"
	SubjectAnomalyPrefix = "sensor.anomaly"
	SubjectDLQPrefix     = "sensor.dlq"
)

// Subject builds a concrete subject under the given prefix.
func Subject(prefix, tenant, deviceType, device string) string {
	if deviceType == "" {
		deviceType = "generic"
	}
	return fmt.Sprintf("%s.%s.%s.%s", prefix, tenant, deviceType, device)
}

// SubjectFor builds the subject for a reading under the given prefix.
func SubjectFor(prefix string, r SensorReading) string {
	return Subject(prefix, r.TenantID, r.DeviceType, r.DeviceID)
}
