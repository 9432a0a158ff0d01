package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StateMeasurement is the measurement numeric entity states are written to.
const StateMeasurement = "state"

// WriteState queues one numeric state as
//
//	state,domain=<domain>,entity_id=<entity_id> value=<value> <at>
//
// Line protocol cannot carry NaN or infinities; such values are dropped,
// as is everything written after Close.
func (c *Client) WriteState(entityID, domain string, value float64, at time.Time) {
	if c.closed.Load() || math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	c.writes.WritePoint(write.NewPoint(StateMeasurement,
		map[string]string{"entity_id": entityID, "domain": domain},
		map[string]any{"value": value},
		at,
	))
}
