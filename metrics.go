package loom

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLoomFrameInBytes      = []string{"loom", "frame", "in", "bytes"}
	MetricLoomFrameInErrorCount = []string{"loom", "frame", "in", "error", "count"}
	MetricLoomFrameOutBytes     = []string{"loom", "frame", "out", "bytes"}

	MetricLoomLinkEstCount      = []string{"loom", "link", "established", "count"}
	MetricLoomLinkDegradedCount = []string{"loom", "link", "degraded", "count"}
	MetricLoomLinkDeadCount     = []string{"loom", "link", "dead", "count"}
	// MetricLoomLinkRttMs is the smoothed round-trip time of a link as
	// measured by the ping prober.
	MetricLoomLinkRttMs = []string{"loom", "link", "rtt", "ms"}

	MetricLoomRouteRecomputeCount = []string{"loom", "route", "recompute", "count"}
	MetricLoomRouteCount          = []string{"loom", "route", "count"}

	MetricLoomStreamOpenInCount  = []string{"loom", "stream", "open", "in", "count"}
	MetricLoomStreamOpenOutCount = []string{"loom", "stream", "open", "out", "count"}

	MetricLoomRelayEstCount     = []string{"loom", "relay", "established", "count"}
	MetricLoomRelayRerouteCount = []string{"loom", "relay", "reroute", "count"}
	MetricLoomRelayFailedCount  = []string{"loom", "relay", "failed", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelLinkID   TelemetryLabel = "link_id"
	LabelNode     TelemetryLabel = "node"
	LabelStreamID TelemetryLabel = "stream_id"
	LabelState    TelemetryLabel = "state"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
