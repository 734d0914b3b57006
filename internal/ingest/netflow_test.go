package ingest

import (
	"encoding/binary"
	"testing"
	"time"
)

// buildV5 assembles a NetFlow v5 datagram with one record per tuple.
func buildV5(t *testing.T, unixSecs, sysUptime uint32, records []v5Record) []byte {
	t.Helper()

	buf := make([]byte, v5HeaderLen+len(records)*v5RecordLen)
	binary.BigEndian.PutUint16(buf[0:2], netflowV5)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(records)))
	binary.BigEndian.PutUint32(buf[4:8], sysUptime)
	binary.BigEndian.PutUint32(buf[8:12], unixSecs)

	for i, r := range records {
		b := buf[v5HeaderLen+i*v5RecordLen:]
		copy(b[0:4], r.src)
		copy(b[4:8], r.dst)
		binary.BigEndian.PutUint32(b[16:20], r.packets)
		binary.BigEndian.PutUint32(b[20:24], r.bytes)
		binary.BigEndian.PutUint32(b[24:28], r.first)
		binary.BigEndian.PutUint32(b[28:32], r.last)
		binary.BigEndian.PutUint16(b[32:34], r.srcPort)
		binary.BigEndian.PutUint16(b[34:36], r.dstPort)
		b[37] = r.flags
		b[38] = r.proto
	}
	return buf
}

type v5Record struct {
	src, dst         []byte
	packets, bytes   uint32
	first, last      uint32
	srcPort, dstPort uint16
	flags, proto     byte
}

func TestNetFlowV5Parse(t *testing.T) {
	parser := NewNetFlowParser()

	unixSecs := uint32(time.Now().Unix())
	datagram := buildV5(t, unixSecs, 60000, []v5Record{
		{
			src: []byte{10, 0, 0, 5}, dst: []byte{192, 168, 1, 20},
			packets: 12, bytes: 4096,
			first: 10000, last: 25000,
			srcPort: 51234, dstPort: 443,
			flags: 0x12, // SYN|ACK
			proto: 6,
		},
	})

	records, err := parser.Parse(datagram, "203.0.113.9")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.SrcAddr != "10.0.0.5" || rec.DstAddr != "192.168.1.20" {
		t.Errorf("addresses = %s -> %s", rec.SrcAddr, rec.DstAddr)
	}
	if rec.SrcPort != 51234 || rec.DstPort != 443 {
		t.Errorf("ports = %d -> %d", rec.SrcPort, rec.DstPort)
	}
	if rec.Protocol != "tcp" {
		t.Errorf("protocol = %s, want tcp", rec.Protocol)
	}
	if rec.PacketsIn != 12 || rec.BytesIn != 4096 {
		t.Errorf("counters = %d pkts / %d bytes", rec.PacketsIn, rec.BytesIn)
	}
	if rec.TCPFlags.SYN != 1 || rec.TCPFlags.ACK != 1 || rec.TCPFlags.FIN != 0 {
		t.Errorf("flags = %+v", rec.TCPFlags)
	}
	if got := rec.TEnd.Sub(rec.TStart); got != 15*time.Second {
		t.Errorf("duration = %v, want 15s", got)
	}
	if rec.TEnd.After(time.Now().Add(time.Minute)) {
		t.Errorf("t_end in the future: %v", rec.TEnd)
	}
	if rec.Provenance.SensorID != "203.0.113.9" {
		t.Errorf("sensor = %s", rec.Provenance.SensorID)
	}
}

func TestNetFlowV5Truncated(t *testing.T) {
	parser := NewNetFlowParser()

	datagram := buildV5(t, uint32(time.Now().Unix()), 1000, []v5Record{
		{src: []byte{10, 0, 0, 1}, dst: []byte{10, 0, 0, 2}, proto: 17},
	})
	// Announce two records but carry one.
	binary.BigEndian.PutUint16(datagram[2:4], 2)

	_, err := parser.Parse(datagram, "exporter")
	pe, ok := AsParseError(err)
	if !ok {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if pe.Reason != ReasonShortPacket {
		t.Errorf("reason = %s, want %s", pe.Reason, ReasonShortPacket)
	}
}

func TestNetFlowBadVersion(t *testing.T) {
	parser := NewNetFlowParser()
	_, err := parser.Parse([]byte{0x00, 0x07, 0x00, 0x00}, "exporter")
	pe, ok := AsParseError(err)
	if !ok || pe.Reason != ReasonBadVersion {
		t.Fatalf("expected bad_version, got %v", err)
	}
}

// buildV9Template assembles a template flowset announcing the standard
// 5-tuple plus counters layout used by the data builder below.
func v9Header(unixSecs, sysUptime, sourceID uint32) []byte {
	buf := make([]byte, v9HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], netflowV9)
	binary.BigEndian.PutUint32(buf[4:8], sysUptime)
	binary.BigEndian.PutUint32(buf[8:12], unixSecs)
	binary.BigEndian.PutUint32(buf[16:20], sourceID)
	return buf
}

func TestNetFlowV9TemplateThenData(t *testing.T) {
	parser := NewNetFlowParser()
	unixSecs := uint32(time.Now().Unix())

	// Template flowset: id 256, seven fields.
	fields := [][2]uint16{
		{fieldIPv4SrcAddr, 4},
		{fieldIPv4DstAddr, 4},
		{fieldL4SrcPort, 2},
		{fieldL4DstPort, 2},
		{fieldProtocol, 1},
		{fieldInBytes, 4},
		{fieldInPkts, 4},
	}
	tmplBody := make([]byte, 4+len(fields)*4)
	binary.BigEndian.PutUint16(tmplBody[0:2], 256)
	binary.BigEndian.PutUint16(tmplBody[2:4], uint16(len(fields)))
	for i, f := range fields {
		binary.BigEndian.PutUint16(tmplBody[4+i*4:], f[0])
		binary.BigEndian.PutUint16(tmplBody[6+i*4:], f[1])
	}
	tmplSet := make([]byte, 4+len(tmplBody))
	binary.BigEndian.PutUint16(tmplSet[0:2], 0)
	binary.BigEndian.PutUint16(tmplSet[2:4], uint16(len(tmplSet)))
	copy(tmplSet[4:], tmplBody)

	// Data flowset matching the template.
	dataBody := make([]byte, 21)
	copy(dataBody[0:4], []byte{172, 16, 0, 9})
	copy(dataBody[4:8], []byte{10, 1, 2, 3})
	binary.BigEndian.PutUint16(dataBody[8:10], 40000)
	binary.BigEndian.PutUint16(dataBody[10:12], 22)
	dataBody[12] = 6
	binary.BigEndian.PutUint32(dataBody[13:17], 900)
	binary.BigEndian.PutUint32(dataBody[17:21], 7)
	dataSet := make([]byte, 4+len(dataBody))
	binary.BigEndian.PutUint16(dataSet[0:2], 256)
	binary.BigEndian.PutUint16(dataSet[2:4], uint16(len(dataSet)))
	copy(dataSet[4:], dataBody)

	// Data before template fails with template_missing.
	missing := append(v9Header(unixSecs, 5000, 1), dataSet...)
	_, err := parser.Parse(missing, "exporter")
	pe, ok := AsParseError(err)
	if !ok || pe.Reason != ReasonTemplateMissing {
		t.Fatalf("expected template_missing, got %v", err)
	}

	// Template and data in one datagram decode in order.
	datagram := append(v9Header(unixSecs, 5000, 1), tmplSet...)
	datagram = append(datagram, dataSet...)
	records, err := parser.Parse(datagram, "exporter")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.SrcAddr != "172.16.0.9" || rec.DstAddr != "10.1.2.3" {
		t.Errorf("addresses = %s -> %s", rec.SrcAddr, rec.DstAddr)
	}
	if rec.DstPort != 22 || rec.Protocol != "tcp" {
		t.Errorf("dst_port = %d protocol = %s", rec.DstPort, rec.Protocol)
	}
	if rec.BytesIn != 900 || rec.PacketsIn != 7 {
		t.Errorf("counters = %d bytes / %d pkts", rec.BytesIn, rec.PacketsIn)
	}

	// The template survives across datagrams.
	followup := append(v9Header(unixSecs+1, 6000, 1), dataSet...)
	records, err = parser.Parse(followup, "exporter")
	if err != nil || len(records) != 1 {
		t.Fatalf("cached template parse: records=%d err=%v", len(records), err)
	}

	// A different exporter does not share the template cache.
	_, err = parser.Parse(followup, "other-exporter")
	if pe, ok := AsParseError(err); !ok || pe.Reason != ReasonTemplateMissing {
		t.Errorf("expected template_missing for other exporter, got %v", err)
	}
}
