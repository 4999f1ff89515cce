// Package influxdb records bridge statistics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The bridge writes
// one bridge_stats point per health interval (frames received, events
// published, commands forwarded, errors, reconnects), which makes hub
// instability visible over time. Device events themselves are not stored.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteBridgeStats(influxdb.BridgeStats{
//	    Hub:       "192.168.1.10:5001",
//	    Connected: true,
//	    Counters:  map[string]uint64{"reconnects": 1},
//	})
//
// Writes are non-blocking and batched; asynchronous write errors are
// delivered to the callback installed with SetOnError.
package influxdb
