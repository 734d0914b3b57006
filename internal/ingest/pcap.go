package ingest

import (
	"encoding/json"
	"time"

	"sentinel-core/internal/schema"
)

// pcapSummary is the JSON line emitted by the capture sensor: one
// summarized flow per line, already aggregated at the edge so no raw
// packets cross the wire.
type pcapSummary struct {
	TStart     float64 `json:"t_start"` // unix seconds, fractional
	TEnd       float64 `json:"t_end"`
	SrcAddr    string  `json:"src_addr"`
	SrcPort    int     `json:"src_port"`
	DstAddr    string  `json:"dst_addr"`
	DstPort    int     `json:"dst_port"`
	Protocol   string  `json:"protocol"`
	BytesIn    uint64  `json:"bytes_in"`
	BytesOut   uint64  `json:"bytes_out"`
	PacketsIn  uint64  `json:"packets_in"`
	PacketsOut uint64  `json:"packets_out"`
	Flags      struct {
		SYN int `json:"syn"`
		ACK int `json:"ack"`
		FIN int `json:"fin"`
		RST int `json:"rst"`
		PSH int `json:"psh"`
		URG int `json:"urg"`
	} `json:"flags"`
	SensorID string `json:"sensor_id"`
	FlowID   string `json:"flow_id"`
}

// PcapParser parses capture-sensor flow summaries.
type PcapParser struct{}

// NewPcapParser creates a pcap-summary parser.
func NewPcapParser() *PcapParser { return &PcapParser{} }

// Source identifies the framing.
func (p *PcapParser) Source() schema.SourceKind { return schema.SourcePcapSummary }

// Parse decodes one JSON line into a CommonRecord.
func (p *PcapParser) Parse(data []byte, sensorAddr string) ([]*schema.CommonRecord, error) {
	var s pcapSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, parseErr(schema.SourcePcapSummary, ReasonBadJSON, "decode: %v", err)
	}
	if s.SrcAddr == "" || s.DstAddr == "" {
		return nil, parseErr(schema.SourcePcapSummary, ReasonMissingField, "summary missing addresses")
	}
	if s.TEnd <= 0 {
		return nil, parseErr(schema.SourcePcapSummary, ReasonBadTimestamp, "summary missing t_end")
	}
	if s.TStart <= 0 {
		s.TStart = s.TEnd
	}

	sensor := s.SensorID
	if sensor == "" {
		sensor = sensorAddr
	}

	rec := &schema.CommonRecord{
		TStart:     unixFloat(s.TStart),
		TEnd:       unixFloat(s.TEnd),
		SrcAddr:    s.SrcAddr,
		SrcPort:    s.SrcPort,
		DstAddr:    s.DstAddr,
		DstPort:    s.DstPort,
		Protocol:   schema.Protocol(s.Protocol),
		BytesIn:    s.BytesIn,
		BytesOut:   s.BytesOut,
		PacketsIn:  s.PacketsIn,
		PacketsOut: s.PacketsOut,
		TCPFlags: schema.TCPFlagCounts{
			SYN: s.Flags.SYN, ACK: s.Flags.ACK, FIN: s.Flags.FIN,
			RST: s.Flags.RST, PSH: s.Flags.PSH, URG: s.Flags.URG,
		},
		Provenance: schema.Provenance{
			SensorID: sensor,
			FlowID:   s.FlowID,
			Origin:   schema.SourcePcapSummary,
		},
	}
	return []*schema.CommonRecord{rec}, nil
}

// unixFloat converts fractional unix seconds to a UTC time.
func unixFloat(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
