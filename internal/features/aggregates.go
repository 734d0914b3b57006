// Package features maintains per-key windows over normalized records
// and emits fixed-layout feature vectors when windows close.
package features

import (
	"math"
	"strconv"
	"time"

	"sentinel-core/internal/schema"
)

// aggregates accumulates window statistics in constant work per record.
// Moments use Welford's method; entropies keep categorical counts and
// pay their cost once at materialization.
type aggregates struct {
	count      uint64
	totalBytes uint64

	bytesMean float64
	bytesM2   float64
	bytesMin  float64
	bytesMax  float64

	lastTEnd time.Time
	iatCount uint64
	iatMean  float64
	iatM2    float64

	firstTEnd time.Time
	maxTEnd   time.Time

	srcPorts   map[int]uint64
	dstPorts   map[int]uint64
	dstAddrs   map[string]uint64
	dstSockets map[string]struct{}

	tcp, udp, icmp uint64

	syn, ack, fin, rst, flagTotal uint64
}

func newAggregates() *aggregates {
	return &aggregates{
		srcPorts:   make(map[int]uint64),
		dstPorts:   make(map[int]uint64),
		dstAddrs:   make(map[string]uint64),
		dstSockets: make(map[string]struct{}),
	}
}

// add folds one record into the window. Records arrive in t_end order
// per key up to allowed lateness, so inter-arrival deltas use the
// previous record's t_end directly.
func (a *aggregates) add(rec *schema.CommonRecord) {
	a.count++
	bytes := float64(rec.TotalBytes())
	a.totalBytes += rec.TotalBytes()

	delta := bytes - a.bytesMean
	a.bytesMean += delta / float64(a.count)
	a.bytesM2 += delta * (bytes - a.bytesMean)
	if a.count == 1 || bytes < a.bytesMin {
		a.bytesMin = bytes
	}
	if bytes > a.bytesMax {
		a.bytesMax = bytes
	}

	if !a.lastTEnd.IsZero() {
		iat := rec.TEnd.Sub(a.lastTEnd).Seconds()
		if iat < 0 {
			iat = 0
		}
		a.iatCount++
		d := iat - a.iatMean
		a.iatMean += d / float64(a.iatCount)
		a.iatM2 += d * (iat - a.iatMean)
	}
	a.lastTEnd = rec.TEnd

	if a.firstTEnd.IsZero() || rec.TEnd.Before(a.firstTEnd) {
		a.firstTEnd = rec.TEnd
	}
	if rec.TEnd.After(a.maxTEnd) {
		a.maxTEnd = rec.TEnd
	}

	a.srcPorts[rec.SrcPort]++
	a.dstPorts[rec.DstPort]++
	a.dstAddrs[rec.DstAddr]++
	a.dstSockets[rec.DstAddr+"|"+strconv.Itoa(rec.DstPort)] = struct{}{}

	switch rec.Protocol {
	case schema.ProtocolTCP:
		a.tcp++
	case schema.ProtocolUDP:
		a.udp++
	case schema.ProtocolICMP:
		a.icmp++
	}

	f := rec.TCPFlags
	a.syn += uint64(f.SYN)
	a.ack += uint64(f.ACK)
	a.fin += uint64(f.FIN)
	a.rst += uint64(f.RST)
	a.flagTotal += uint64(f.Total())
}

// vector materializes the slot layout declared in schema.FeatureSlots.
func (a *aggregates) vector(windowStart, windowEnd time.Time) []float64 {
	n := float64(a.count)
	span := windowEnd.Sub(windowStart).Seconds()

	var bytesStd, iatStd float64
	if a.count > 1 {
		bytesStd = math.Sqrt(a.bytesM2 / (n - 1))
	}
	if a.iatCount > 1 {
		iatStd = math.Sqrt(a.iatM2 / float64(a.iatCount-1))
	}

	var byteRate, pktRate float64
	if span > 0 {
		byteRate = float64(a.totalBytes) / span
		pktRate = n / span
	}

	ratio := func(c uint64) float64 {
		if a.count == 0 {
			return 0
		}
		return float64(c) / n
	}
	flagRatio := func(c uint64) float64 {
		if a.flagTotal == 0 {
			return 0
		}
		return float64(c) / float64(a.flagTotal)
	}

	return []float64{
		n,
		float64(a.totalBytes),
		a.bytesMean,
		bytesStd,
		a.bytesMin,
		a.bytesMax,
		a.iatMean,
		iatStd,
		byteRate,
		pktRate,
		span,
		portEntropy(a.srcPorts, a.count),
		portEntropy(a.dstPorts, a.count),
		addrEntropy(a.dstAddrs, a.count),
		float64(len(a.dstAddrs)),
		float64(len(a.dstPorts)),
		float64(len(a.dstSockets)),
		ratio(a.tcp),
		ratio(a.udp),
		ratio(a.icmp),
		flagRatio(a.syn),
		flagRatio(a.ack),
		flagRatio(a.fin),
		flagRatio(a.rst),
	}
}

func portEntropy(counts map[int]uint64, total uint64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

func addrEntropy(counts map[string]uint64, total uint64) float64 {
	if total == 0 {
		return 0
	}
	var h float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
