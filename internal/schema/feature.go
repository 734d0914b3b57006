package schema

import "time"

// FeatureSlot documents one position of the feature vector.
type FeatureSlot struct {
	Name    string
	Min     float64
	Max     float64
	Meaning string
}

// FeatureSlots is the fixed slot layout of every FeatureVector.
// Changing the count or order is a breaking change and requires a new
// artifact major version.
var FeatureSlots = []FeatureSlot{
	{"packet_count", 0, 1e6, "records aggregated into the window"},
	{"total_bytes", 0, 1e10, "bytes in both directions"},
	{"bytes_mean", 0, 65535, "mean bytes per record"},
	{"bytes_std", 0, 65535, "stddev of bytes per record"},
	{"bytes_min", 0, 65535, "minimum bytes per record"},
	{"bytes_max", 0, 1e9, "maximum bytes per record"},
	{"iat_mean", 0, 3600, "mean inter-arrival time, seconds"},
	{"iat_std", 0, 3600, "stddev of inter-arrival time, seconds"},
	{"byte_rate", 0, 1e9, "bytes per second over the window"},
	{"packet_rate", 0, 1e6, "records per second over the window"},
	{"duration", 0, 86400, "span covered by the window, seconds"},
	{"src_port_entropy", 0, 16, "Shannon entropy of source ports"},
	{"dst_port_entropy", 0, 16, "Shannon entropy of destination ports"},
	{"dst_addr_entropy", 0, 16, "Shannon entropy of destination addresses"},
	{"unique_dst_addrs", 0, 1e5, "distinct destination addresses"},
	{"unique_dst_ports", 0, 65536, "distinct destination ports"},
	{"fan_out", 0, 1e5, "distinct destination address and port pairs"},
	{"tcp_ratio", 0, 1, "fraction of TCP records"},
	{"udp_ratio", 0, 1, "fraction of UDP records"},
	{"icmp_ratio", 0, 1, "fraction of ICMP records"},
	{"syn_ratio", 0, 1, "SYN flags over all observed flags"},
	{"ack_ratio", 0, 1, "ACK flags over all observed flags"},
	{"fin_ratio", 0, 1, "FIN flags over all observed flags"},
	{"rst_ratio", 0, 1, "RST flags over all observed flags"},
}

// FeatureDim is the fixed length of every FeatureVector.
var FeatureDim = len(FeatureSlots)

// FeatureContext carries traceback identifiers alongside a vector.
type FeatureContext struct {
	WindowKey   string     `json:"window_key"`
	WindowKind  WindowKind `json:"window_kind"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	SrcAddr     string     `json:"src_addr"`
	DstAddr     string     `json:"dst_addr,omitempty"`
	DstPort     int        `json:"dst_port,omitempty"`
	Protocol    Protocol   `json:"protocol,omitempty"`
	RecordCount int        `json:"record_count"`
}

// FeatureVector is the fixed-length ordered input to detectors.
// Immutable once emitted.
type FeatureVector struct {
	Values  []float64      `json:"values"`
	Context FeatureContext `json:"context"`
	Emitted time.Time      `json:"emitted"`
}

// WindowKind identifies how a window accumulates and closes.
type WindowKind string

const (
	WindowTumbling WindowKind = "tumbling"
	WindowSliding  WindowKind = "sliding"
	WindowSession  WindowKind = "session"
)

// IsValid checks if the window kind is a known value.
func (k WindowKind) IsValid() bool {
	switch k {
	case WindowTumbling, WindowSliding, WindowSession:
		return true
	}
	return false
}

// closeOrder defines the tie-break for concurrent closes on one key.
var closeOrder = map[WindowKind]int{
	WindowTumbling: 0,
	WindowSliding:  1,
	WindowSession:  2,
}

// CloseOrder returns the tie-break rank of the kind (tumbling first).
func (k WindowKind) CloseOrder() int {
	return closeOrder[k]
}
