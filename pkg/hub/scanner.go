package hub

import (
	"bytes"

	"github.com/microbotd/microbotd/pkg/transport"
)

// localNameFilter is the advertised name a microbot uses before it has
// revealed anything else about itself.
const localNameFilter = "mibp"

// manufacturerTypeThreshold is the lower bound (exclusive) on the
// manufacturer-segment sub-type byte that marks a microbot already paired
// with this host.
const manufacturerTypeThreshold = 200

// IsMicrobot reports whether ev looks like a microbot advertisement: either
// its complete local name is "mibp", or it carries a manufacturer-specific
// segment whose sub-type byte exceeds 200 and whose remaining payload
// equals the last 4 bytes of the host's own BLE address.
func IsMicrobot(ev transport.ScanEvent, localUID transport.UID) bool {
	if name, ok := ev.LocalName(); ok && name == localNameFilter {
		return true
	}

	suffix := localUID[2:]
	for _, seg := range ev.ManufacturerSegments() {
		if len(seg.Data) < 1 || seg.Data[0] <= manufacturerTypeThreshold {
			continue
		}
		if bytes.Equal(seg.Data[1:], suffix[:]) {
			return true
		}
	}
	return false
}
