package ingest

import (
	"fmt"
	"testing"
	"time"

	"sentinel-core/internal/schema"
)

func TestPcapParserParse(t *testing.T) {
	parser := NewPcapParser()
	now := float64(time.Now().Add(-30*time.Second).UnixNano()) / 1e9

	line := fmt.Sprintf(`{"t_start":%f,"t_end":%f,"src_addr":"198.51.100.7","src_port":55001,`+
		`"dst_addr":"10.0.0.2","dst_port":80,"protocol":"tcp","bytes_in":1500,"bytes_out":300,`+
		`"packets_in":10,"packets_out":4,"flags":{"syn":1,"ack":9},"sensor_id":"edge-1","flow_id":"f-42"}`,
		now, now+2.5)

	records, err := parser.Parse([]byte(line), "203.0.113.1")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	rec := records[0]
	if rec.SrcAddr != "198.51.100.7" || rec.DstPort != 80 {
		t.Errorf("tuple = %s -> :%d", rec.SrcAddr, rec.DstPort)
	}
	if rec.Provenance.SensorID != "edge-1" || rec.Provenance.FlowID != "f-42" {
		t.Errorf("provenance = %+v", rec.Provenance)
	}
	if got := rec.TEnd.Sub(rec.TStart); got < 2400*time.Millisecond || got > 2600*time.Millisecond {
		t.Errorf("duration = %v, want ~2.5s", got)
	}
	if rec.TCPFlags.SYN != 1 || rec.TCPFlags.ACK != 9 {
		t.Errorf("flags = %+v", rec.TCPFlags)
	}
}

func TestPcapParserRejects(t *testing.T) {
	parser := NewPcapParser()

	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"not json", `{{{`, ReasonBadJSON},
		{"missing addresses", `{"t_end":1700000000,"src_port":1}`, ReasonMissingField},
		{"missing t_end", `{"src_addr":"1.2.3.4","dst_addr":"5.6.7.8"}`, ReasonBadTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse([]byte(tt.line), "sensor")
			pe, ok := AsParseError(err)
			if !ok {
				t.Fatalf("expected ParseError, got %v", err)
			}
			if pe.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", pe.Reason, tt.reason)
			}
		})
	}
}

func TestHostEventOrientation(t *testing.T) {
	parser := NewHostEventParser()
	ts := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano)

	tests := []struct {
		name          string
		direction     string
		wantSrc       string
		wantDst       string
		wantBytesIn   uint64
		wantBytesOut  uint64
	}{
		{"inbound keeps remote as source", "inbound", "203.0.113.50", "10.0.0.8", 2000, 500},
		{"outbound swaps to local as source", "outbound", "10.0.0.8", "203.0.113.50", 500, 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := fmt.Sprintf(`{"timestamp":%q,"host_id":"host-7","event_id":"e-1",`+
				`"local_addr":"10.0.0.8","local_port":443,"remote_addr":"203.0.113.50","remote_port":50111,`+
				`"protocol":"tcp","bytes_sent":500,"bytes_recv":2000,"direction":%q}`, ts, tt.direction)

			records, err := parser.Parse([]byte(line), "fallback")
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			rec := records[0]
			if rec.SrcAddr != tt.wantSrc || rec.DstAddr != tt.wantDst {
				t.Errorf("tuple = %s -> %s, want %s -> %s", rec.SrcAddr, rec.DstAddr, tt.wantSrc, tt.wantDst)
			}
			if rec.BytesIn != tt.wantBytesIn || rec.BytesOut != tt.wantBytesOut {
				t.Errorf("bytes = in %d out %d", rec.BytesIn, rec.BytesOut)
			}
			if rec.Provenance.SensorID != "host-7" {
				t.Errorf("sensor = %s", rec.Provenance.SensorID)
			}
		})
	}
}

func TestHostEventBadTimestamp(t *testing.T) {
	parser := NewHostEventParser()
	line := `{"timestamp":"yesterday","local_addr":"10.0.0.8","remote_addr":"203.0.113.50"}`
	_, err := parser.Parse([]byte(line), "sensor")
	pe, ok := AsParseError(err)
	if !ok || pe.Reason != ReasonBadTimestamp {
		t.Fatalf("expected bad_timestamp, got %v", err)
	}
}

func TestNormalizerFixedPoint(t *testing.T) {
	n := NewNormalizer()
	now := time.Now()

	rec := &schema.CommonRecord{
		TStart:     now,
		TEnd:       now.Add(-2 * time.Second), // inverted on purpose
		SrcAddr:    " ::ffff:192.0.2.1 ",
		DstAddr:    "10.0.0.1",
		Protocol:   "TCP",
		Provenance: schema.Provenance{Origin: schema.SourcePcapSummary},
	}
	if err := n.Normalize(rec); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if rec.SrcAddr != "192.0.2.1" {
		t.Errorf("src_addr = %s, want unmapped 192.0.2.1", rec.SrcAddr)
	}
	if rec.Protocol != schema.ProtocolTCP {
		t.Errorf("protocol = %s", rec.Protocol)
	}
	if rec.TEnd.Before(rec.TStart) {
		t.Error("time range still inverted after normalize")
	}
	if rec.Provenance.SensorID != "unknown" {
		t.Errorf("sensor default = %s", rec.Provenance.SensorID)
	}

	// Applying normalize a second time must not change anything.
	before := *rec
	if err := n.Normalize(rec); err != nil {
		t.Fatalf("second Normalize() error = %v", err)
	}
	if *rec != before {
		t.Errorf("normalize is not a fixed point:\n first = %+v\nsecond = %+v", before, *rec)
	}
}

func TestNormalizerBadAddress(t *testing.T) {
	n := NewNormalizer()
	rec := &schema.CommonRecord{
		SrcAddr: "not-an-ip", DstAddr: "10.0.0.1",
		Provenance: schema.Provenance{Origin: schema.SourceHostEvent},
	}
	err := n.Normalize(rec)
	pe, ok := AsParseError(err)
	if !ok || pe.Reason != ReasonBadAddress {
		t.Fatalf("expected bad_address, got %v", err)
	}
}

func TestDedupWindow(t *testing.T) {
	dedup, err := NewDedup(2)
	if err != nil {
		t.Fatalf("NewDedup() error = %v", err)
	}

	mk := func(flowID string) *schema.CommonRecord {
		return &schema.CommonRecord{
			TEnd:       time.Unix(1700000000, 0),
			Provenance: schema.Provenance{SensorID: "s", FlowID: flowID},
		}
	}

	if dup, _ := dedup.Seen(mk("a")); dup {
		t.Error("first sighting reported as duplicate")
	}
	if dup, _ := dedup.Seen(mk("a")); !dup {
		t.Error("second sighting not reported as duplicate")
	}

	// Filling past capacity evicts the coldest key, which then looks new.
	dedup.Seen(mk("b"))
	_, evicted := dedup.Seen(mk("c"))
	if !evicted {
		t.Error("expected eviction at capacity")
	}
	if dup, _ := dedup.Seen(mk("a")); dup {
		t.Error("evicted key still reported as duplicate")
	}
}
