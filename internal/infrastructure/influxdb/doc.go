// Package influxdb mirrors numeric entity states into InfluxDB so they can
// be graphed next to other telemetry. The recorder is its only writer.
//
// Each state becomes one point in the "state" measurement, tagged with
// entity_id and domain:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Error("state mirror", "error", err) })
//	rec.SetSink(client)
//
// Writes are batched and never block; rejected batches are reported
// through SetOnError wrapped in ErrRejected.
package influxdb
