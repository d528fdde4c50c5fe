package constants

// HTTP paths shared by the router and the tests.
const (
	PathHealth   = "/health"
	PathReady    = "/ready"
	PathMetrics  = "/metrics"
	PathWS       = "/ws"
	PathInternal = "/internal"
)
