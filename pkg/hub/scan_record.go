package hub

import (
	"time"

	"github.com/microbotd/microbotd/pkg/transport"
)

// ScanRecord is the Registry's view of one observed device: its address,
// its best-known name, and when it was last seen.
type ScanRecord struct {
	UID      transport.UID
	Name     string
	LastSeen time.Time
}
