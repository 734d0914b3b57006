package ingest

import (
	"net/netip"
	"strings"

	"sentinel-core/internal/schema"
)

// Normalizer canonicalizes parsed records. Normalize is a fixed point:
// applying it twice yields the same record.
type Normalizer struct{}

// NewNormalizer creates a Normalizer.
func NewNormalizer() *Normalizer { return &Normalizer{} }

// Normalize canonicalizes addresses and the protocol tag in place and
// reports whether the record is usable.
func (n *Normalizer) Normalize(rec *schema.CommonRecord) error {
	src, err := netip.ParseAddr(strings.TrimSpace(rec.SrcAddr))
	if err != nil {
		return parseErr(rec.Provenance.Origin, ReasonBadAddress, "src_addr %q: %v", rec.SrcAddr, err)
	}
	dst, err := netip.ParseAddr(strings.TrimSpace(rec.DstAddr))
	if err != nil {
		return parseErr(rec.Provenance.Origin, ReasonBadAddress, "dst_addr %q: %v", rec.DstAddr, err)
	}
	rec.SrcAddr = src.Unmap().String()
	rec.DstAddr = dst.Unmap().String()

	switch strings.ToLower(string(rec.Protocol)) {
	case "tcp", "6":
		rec.Protocol = schema.ProtocolTCP
	case "udp", "17":
		rec.Protocol = schema.ProtocolUDP
	case "icmp", "1":
		rec.Protocol = schema.ProtocolICMP
	default:
		rec.Protocol = schema.ProtocolOther
	}

	// Zero-length flows are legal; inverted ranges are not.
	if rec.TEnd.Before(rec.TStart) {
		rec.TStart, rec.TEnd = rec.TEnd, rec.TStart
	}
	rec.TStart = rec.TStart.UTC()
	rec.TEnd = rec.TEnd.UTC()

	if rec.Provenance.SensorID == "" {
		rec.Provenance.SensorID = "unknown"
	}
	return nil
}
