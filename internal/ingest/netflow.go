package ingest

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"sentinel-core/internal/schema"
)

// NetFlow versions understood by the parser.
const (
	netflowV5 = 5
	netflowV9 = 9

	v5HeaderLen = 24
	v5RecordLen = 48
	v9HeaderLen = 20
)

// NetFlow v9 field types used to build CommonRecords.
const (
	fieldInBytes     = 1
	fieldInPkts      = 2
	fieldProtocol    = 4
	fieldTCPFlags    = 6
	fieldL4SrcPort   = 7
	fieldIPv4SrcAddr = 8
	fieldL4DstPort   = 11
	fieldIPv4DstAddr = 12
	fieldLastSwitch  = 21
	fieldFirstSwitch = 22
)

// NetFlowParser parses NetFlow v5 and v9 datagrams. v9 templates are
// cached per (exporter, source id, template id) until the exporter
// re-announces them.
type NetFlowParser struct {
	mu        sync.Mutex
	templates map[string][]templateField
}

type templateField struct {
	fieldType uint16
	length    uint16
}

// NewNetFlowParser creates a NetFlow parser with an empty template
// cache.
func NewNetFlowParser() *NetFlowParser {
	return &NetFlowParser{templates: make(map[string][]templateField)}
}

// Source identifies the framing; the actual version is recorded per
// record in its provenance.
func (p *NetFlowParser) Source() schema.SourceKind { return schema.SourceNetFlowV5 }

// Parse dispatches on the version field of the datagram.
func (p *NetFlowParser) Parse(data []byte, sensorAddr string) ([]*schema.CommonRecord, error) {
	if len(data) < 2 {
		return nil, parseErr(schema.SourceNetFlowV5, ReasonShortPacket, "datagram of %d bytes", len(data))
	}
	switch version := binary.BigEndian.Uint16(data[0:2]); version {
	case netflowV5:
		return p.parseV5(data, sensorAddr)
	case netflowV9:
		return p.parseV9(data, sensorAddr)
	default:
		return nil, parseErr(schema.SourceNetFlowV5, ReasonBadVersion, "unsupported NetFlow version %d", version)
	}
}

func (p *NetFlowParser) parseV5(data []byte, sensorAddr string) ([]*schema.CommonRecord, error) {
	if len(data) < v5HeaderLen {
		return nil, parseErr(schema.SourceNetFlowV5, ReasonShortPacket, "v5 header needs %d bytes, got %d", v5HeaderLen, len(data))
	}

	count := int(binary.BigEndian.Uint16(data[2:4]))
	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	if len(data) < v5HeaderLen+count*v5RecordLen {
		return nil, parseErr(schema.SourceNetFlowV5, ReasonShortPacket, "v5 datagram truncated: %d records announced", count)
	}

	bootTime := time.Unix(int64(unixSecs), 0).UTC().Add(-time.Duration(sysUptime) * time.Millisecond)

	records := make([]*schema.CommonRecord, 0, count)
	for i := 0; i < count; i++ {
		r := data[v5HeaderLen+i*v5RecordLen:]

		first := binary.BigEndian.Uint32(r[24:28])
		last := binary.BigEndian.Uint32(r[28:32])
		flags := r[37]

		rec := &schema.CommonRecord{
			TStart:     bootTime.Add(time.Duration(first) * time.Millisecond),
			TEnd:       bootTime.Add(time.Duration(last) * time.Millisecond),
			SrcAddr:    netip.AddrFrom4([4]byte(r[0:4])).String(),
			DstAddr:    netip.AddrFrom4([4]byte(r[4:8])).String(),
			SrcPort:    int(binary.BigEndian.Uint16(r[32:34])),
			DstPort:    int(binary.BigEndian.Uint16(r[34:36])),
			Protocol:   protocolFromIANA(r[38]),
			PacketsIn:  uint64(binary.BigEndian.Uint32(r[16:20])),
			BytesIn:    uint64(binary.BigEndian.Uint32(r[20:24])),
			TCPFlags:   tcpFlagsFromBitmap(flags),
			Provenance: schema.Provenance{SensorID: sensorAddr, Origin: schema.SourceNetFlowV5, FlowID: fmt.Sprintf("%d-%d", unixSecs, i)},
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *NetFlowParser) parseV9(data []byte, sensorAddr string) ([]*schema.CommonRecord, error) {
	if len(data) < v9HeaderLen {
		return nil, parseErr(schema.SourceNetFlowV9, ReasonShortPacket, "v9 header needs %d bytes, got %d", v9HeaderLen, len(data))
	}

	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	sourceID := binary.BigEndian.Uint32(data[16:20])
	bootTime := time.Unix(int64(unixSecs), 0).UTC().Add(-time.Duration(sysUptime) * time.Millisecond)

	var records []*schema.CommonRecord
	offset := v9HeaderLen
	seq := 0
	for offset+4 <= len(data) {
		setID := binary.BigEndian.Uint16(data[offset : offset+2])
		setLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		if setLen < 4 || offset+setLen > len(data) {
			return records, parseErr(schema.SourceNetFlowV9, ReasonShortPacket, "flowset %d truncated", setID)
		}
		body := data[offset+4 : offset+setLen]

		switch {
		case setID == 0:
			p.cacheTemplates(sensorAddr, sourceID, body)
		case setID > 255:
			recs, err := p.decodeDataSet(sensorAddr, sourceID, setID, body, bootTime, unixSecs, &seq)
			if err != nil {
				return records, err
			}
			records = append(records, recs...)
		}
		offset += setLen
	}
	return records, nil
}

func (p *NetFlowParser) templateKey(sensorAddr string, sourceID uint32, templateID uint16) string {
	return fmt.Sprintf("%s/%d/%d", sensorAddr, sourceID, templateID)
}

func (p *NetFlowParser) cacheTemplates(sensorAddr string, sourceID uint32, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(body) >= 4 {
		templateID := binary.BigEndian.Uint16(body[0:2])
		fieldCount := int(binary.BigEndian.Uint16(body[2:4]))
		body = body[4:]
		if len(body) < fieldCount*4 {
			return
		}
		fields := make([]templateField, 0, fieldCount)
		for i := 0; i < fieldCount; i++ {
			fields = append(fields, templateField{
				fieldType: binary.BigEndian.Uint16(body[i*4 : i*4+2]),
				length:    binary.BigEndian.Uint16(body[i*4+2 : i*4+4]),
			})
		}
		p.templates[p.templateKey(sensorAddr, sourceID, templateID)] = fields
		body = body[fieldCount*4:]
	}
}

func (p *NetFlowParser) decodeDataSet(sensorAddr string, sourceID uint32, templateID uint16, body []byte, bootTime time.Time, unixSecs uint32, seq *int) ([]*schema.CommonRecord, error) {
	p.mu.Lock()
	fields, ok := p.templates[p.templateKey(sensorAddr, sourceID, templateID)]
	p.mu.Unlock()
	if !ok {
		return nil, parseErr(schema.SourceNetFlowV9, ReasonTemplateMissing, "no template %d for exporter %s", templateID, sensorAddr)
	}

	recLen := 0
	for _, f := range fields {
		recLen += int(f.length)
	}
	if recLen == 0 {
		return nil, nil
	}

	var records []*schema.CommonRecord
	for len(body) >= recLen {
		rec := &schema.CommonRecord{
			Protocol:   schema.ProtocolOther,
			Provenance: schema.Provenance{SensorID: sensorAddr, Origin: schema.SourceNetFlowV9},
		}
		pos := 0
		for _, f := range fields {
			val := body[pos : pos+int(f.length)]
			switch f.fieldType {
			case fieldInBytes:
				rec.BytesIn = uintField(val)
			case fieldInPkts:
				rec.PacketsIn = uintField(val)
			case fieldProtocol:
				if len(val) > 0 {
					rec.Protocol = protocolFromIANA(val[len(val)-1])
				}
			case fieldTCPFlags:
				if len(val) > 0 {
					rec.TCPFlags = tcpFlagsFromBitmap(val[len(val)-1])
				}
			case fieldL4SrcPort:
				rec.SrcPort = int(uintField(val))
			case fieldL4DstPort:
				rec.DstPort = int(uintField(val))
			case fieldIPv4SrcAddr:
				if len(val) == 4 {
					rec.SrcAddr = netip.AddrFrom4([4]byte(val)).String()
				}
			case fieldIPv4DstAddr:
				if len(val) == 4 {
					rec.DstAddr = netip.AddrFrom4([4]byte(val)).String()
				}
			case fieldFirstSwitch:
				rec.TStart = bootTime.Add(time.Duration(uintField(val)) * time.Millisecond)
			case fieldLastSwitch:
				rec.TEnd = bootTime.Add(time.Duration(uintField(val)) * time.Millisecond)
			}
			pos += int(f.length)
		}
		if rec.SrcAddr == "" || rec.DstAddr == "" {
			return records, parseErr(schema.SourceNetFlowV9, ReasonMissingField, "template %d carries no addresses", templateID)
		}
		if rec.TStart.IsZero() {
			rec.TStart = time.Unix(int64(unixSecs), 0).UTC()
		}
		if rec.TEnd.IsZero() {
			rec.TEnd = rec.TStart
		}
		rec.Provenance.FlowID = fmt.Sprintf("%d-%d-%d", unixSecs, templateID, *seq)
		*seq++
		records = append(records, rec)
		body = body[recLen:]
	}
	return records, nil
}

// uintField reads a big-endian unsigned field of 1, 2, 4, or 8 bytes.
func uintField(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// protocolFromIANA maps an IANA protocol number to the schema protocol.
func protocolFromIANA(n byte) schema.Protocol {
	switch n {
	case 1:
		return schema.ProtocolICMP
	case 6:
		return schema.ProtocolTCP
	case 17:
		return schema.ProtocolUDP
	default:
		return schema.ProtocolOther
	}
}

// tcpFlagsFromBitmap expands the cumulative-OR flag byte NetFlow
// exports. Counts are capped at one per flow since the bitmap loses
// multiplicity.
func tcpFlagsFromBitmap(flags byte) schema.TCPFlagCounts {
	var c schema.TCPFlagCounts
	if flags&0x01 != 0 {
		c.FIN = 1
	}
	if flags&0x02 != 0 {
		c.SYN = 1
	}
	if flags&0x04 != 0 {
		c.RST = 1
	}
	if flags&0x08 != 0 {
		c.PSH = 1
	}
	if flags&0x10 != 0 {
		c.ACK = 1
	}
	if flags&0x20 != 0 {
		c.URG = 1
	}
	return c
}
