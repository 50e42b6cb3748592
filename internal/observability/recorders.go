package observability

import "time"

// The methods below let core components record domain events without
// importing Prometheus. All of them are safe on a nil collector.

// RecordTransition counts a flight plan entering status.
func (c *MissionCollector) RecordTransition(status string) {
	if c == nil || c.PlanTransitions == nil {
		return
	}
	c.PlanTransitions.WithLabelValues(status).Inc()
}

// SetConnections updates the registered connection gauge.
func (c *MissionCollector) SetConnections(n int) {
	if c == nil || c.GatewayConnections == nil {
		return
	}
	c.GatewayConnections.Set(float64(n))
}

// RecordHandshake counts a handshake outcome ("accepted" or "rejected").
func (c *MissionCollector) RecordHandshake(outcome string) {
	if c == nil || c.GatewayHandshakes == nil {
		return
	}
	c.GatewayHandshakes.WithLabelValues(outcome).Inc()
}

// RecordFrame counts one written frame.
func (c *MissionCollector) RecordFrame(ok bool) {
	if c == nil || c.GatewayFrames == nil {
		return
	}
	c.GatewayFrames.WithLabelValues(outcomeLabel(ok)).Inc()
}

// RecordDispatch counts one dispatch attempt with a free-form outcome label.
func (c *MissionCollector) RecordDispatch(outcome string) {
	if c == nil || c.DispatchAttempts == nil {
		return
	}
	c.DispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveScan records an overpass scan duration and the number of windows it
// produced.
func (c *MissionCollector) ObserveScan(d time.Duration, windows int) {
	if c == nil {
		return
	}
	if c.OverpassScanSeconds != nil {
		c.OverpassScanSeconds.Observe(d.Seconds())
	}
	if c.OverpassWindows != nil && windows > 0 {
		c.OverpassWindows.Add(float64(windows))
	}
}

// RecordTLERefresh counts one satellite refresh.
func (c *MissionCollector) RecordTLERefresh(outcome string) {
	if c == nil || c.TLERefreshes == nil {
		return
	}
	c.TLERefreshes.WithLabelValues(outcome).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
