package ingest

import (
	"encoding/json"
	"time"

	"sentinel-core/internal/schema"
)

// hostEvent is the JSON framing of the host sensor: connection-level
// events observed on an endpoint, mapped onto the flow record shape.
type hostEvent struct {
	Timestamp  string `json:"timestamp"` // RFC 3339
	HostID     string `json:"host_id"`
	EventID    string `json:"event_id"`
	LocalAddr  string `json:"local_addr"`
	LocalPort  int    `json:"local_port"`
	RemoteAddr string `json:"remote_addr"`
	RemotePort int    `json:"remote_port"`
	Protocol   string `json:"protocol"`
	BytesSent  uint64 `json:"bytes_sent"`
	BytesRecv  uint64 `json:"bytes_recv"`
	Direction  string `json:"direction"` // inbound, outbound
}

// HostEventParser parses host-sensor connection events.
type HostEventParser struct{}

// NewHostEventParser creates a host-event parser.
func NewHostEventParser() *HostEventParser { return &HostEventParser{} }

// Source identifies the framing.
func (p *HostEventParser) Source() schema.SourceKind { return schema.SourceHostEvent }

// Parse decodes one host event. The flow 5-tuple is oriented so the
// remote side is the source for inbound connections, matching how the
// network sensors see the same traffic.
func (p *HostEventParser) Parse(data []byte, sensorAddr string) ([]*schema.CommonRecord, error) {
	var e hostEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, parseErr(schema.SourceHostEvent, ReasonBadJSON, "decode: %v", err)
	}
	if e.LocalAddr == "" || e.RemoteAddr == "" {
		return nil, parseErr(schema.SourceHostEvent, ReasonMissingField, "event missing addresses")
	}
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return nil, parseErr(schema.SourceHostEvent, ReasonBadTimestamp, "timestamp %q: %v", e.Timestamp, err)
	}

	src, sport := e.RemoteAddr, e.RemotePort
	dst, dport := e.LocalAddr, e.LocalPort
	bytesIn, bytesOut := e.BytesRecv, e.BytesSent
	if e.Direction == "outbound" {
		src, sport, dst, dport = e.LocalAddr, e.LocalPort, e.RemoteAddr, e.RemotePort
		bytesIn, bytesOut = e.BytesSent, e.BytesRecv
	}

	sensor := e.HostID
	if sensor == "" {
		sensor = sensorAddr
	}

	rec := &schema.CommonRecord{
		TStart:   ts.UTC(),
		TEnd:     ts.UTC(),
		SrcAddr:  src,
		SrcPort:  sport,
		DstAddr:  dst,
		DstPort:  dport,
		Protocol: schema.Protocol(e.Protocol),
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
		Provenance: schema.Provenance{
			SensorID: sensor,
			FlowID:   e.EventID,
			Origin:   schema.SourceHostEvent,
		},
	}
	return []*schema.CommonRecord{rec}, nil
}
