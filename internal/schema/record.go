// Package schema defines the canonical data model for sentinel-core.
// All collector inputs are normalized to a CommonRecord before they
// enter the pipeline; everything downstream (feature vectors,
// detections, decisions, rules) is immutable after emission.
package schema

import (
	"fmt"
	"time"
)

// Protocol identifies the transport protocol of a flow.
type Protocol string

const (
	ProtocolTCP   Protocol = "tcp"
	ProtocolUDP   Protocol = "udp"
	ProtocolICMP  Protocol = "icmp"
	ProtocolOther Protocol = "other"
)

// IsValid checks if the protocol is a known value.
func (p Protocol) IsValid() bool {
	switch p {
	case ProtocolTCP, ProtocolUDP, ProtocolICMP, ProtocolOther:
		return true
	}
	return false
}

// SourceKind identifies the collector framing a record arrived in.
type SourceKind string

const (
	SourcePcapSummary SourceKind = "pcap_summary"
	SourceNetFlowV5   SourceKind = "netflow_v5"
	SourceNetFlowV9   SourceKind = "netflow_v9"
	SourceHostEvent   SourceKind = "host_event"
)

// IsValid checks if the source kind is a known value.
func (s SourceKind) IsValid() bool {
	switch s {
	case SourcePcapSummary, SourceNetFlowV5, SourceNetFlowV9, SourceHostEvent:
		return true
	}
	return false
}

// TCPFlagCounts summarizes observed TCP flags for a flow.
type TCPFlagCounts struct {
	SYN int `json:"syn"`
	ACK int `json:"ack"`
	FIN int `json:"fin"`
	RST int `json:"rst"`
	PSH int `json:"psh"`
	URG int `json:"urg"`
}

// Total returns the sum of all flag counts.
func (f TCPFlagCounts) Total() int {
	return f.SYN + f.ACK + f.FIN + f.RST + f.PSH + f.URG
}

// Provenance records where a CommonRecord was captured.
type Provenance struct {
	SensorID  string     `json:"sensor_id" validate:"required,max=128"`
	FlowID    string     `json:"flow_id,omitempty" validate:"max=128"`
	Origin    SourceKind `json:"origin" validate:"required"`
	Collector string     `json:"collector,omitempty" validate:"max=256"`
}

// CommonRecord is the normalized flow record consumed by the core.
// Immutable after creation.
type CommonRecord struct {
	TStart time.Time `json:"t_start" validate:"required"`
	TEnd   time.Time `json:"t_end" validate:"required"`

	SrcAddr  string   `json:"src_addr" validate:"required,ip"`
	SrcPort  int      `json:"src_port" validate:"min=0,max=65535"`
	DstAddr  string   `json:"dst_addr" validate:"required,ip"`
	DstPort  int      `json:"dst_port" validate:"min=0,max=65535"`
	Protocol Protocol `json:"protocol" validate:"required"`

	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`

	TCPFlags TCPFlagCounts `json:"tcp_flags"`

	Provenance Provenance `json:"provenance"`
}

// DedupKey returns the identity used for at-least-once deduplication.
func (r *CommonRecord) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d", r.Provenance.SensorID, r.Provenance.FlowID, r.TEnd.UnixNano())
}

// Duration returns the flow duration.
func (r *CommonRecord) Duration() time.Duration {
	return r.TEnd.Sub(r.TStart)
}

// TotalBytes returns bytes observed in both directions.
func (r *CommonRecord) TotalBytes() uint64 {
	return r.BytesIn + r.BytesOut
}

// TotalPackets returns packets observed in both directions.
func (r *CommonRecord) TotalPackets() uint64 {
	return r.PacketsIn + r.PacketsOut
}
