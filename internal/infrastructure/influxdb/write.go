package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// measurementBridgeStats is the measurement holding bridge counters.
const measurementBridgeStats = "bridge_stats"

// BridgeStats is one snapshot of the bridge's counters.
type BridgeStats struct {
	// Hub is the pilight daemon address, stored as the "hub" tag.
	Hub string

	// Connected is written as a boolean field.
	Connected bool

	// Counters are written as integer fields, saturating at MaxInt64.
	Counters map[string]uint64
}

// WriteBridgeStats queues one bridge_stats point. No-op after Close.
func (c *Client) WriteBridgeStats(stats BridgeStats) {
	c.WritePoint(measurementBridgeStats, map[string]string{"hub": stats.Hub}, statsFields(stats))
}

// WritePoint queues a point with the current time. No-op after Close or
// when fields is empty.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func statsFields(stats BridgeStats) map[string]interface{} {
	fields := make(map[string]interface{}, len(stats.Counters)+1)
	fields["connected"] = stats.Connected
	for name, v := range stats.Counters {
		if v > math.MaxInt64 {
			fields[name] = int64(math.MaxInt64)
			continue
		}
		fields[name] = int64(v)
	}
	return fields
}
