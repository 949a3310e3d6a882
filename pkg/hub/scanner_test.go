package hub

import (
	"testing"

	"github.com/microbotd/microbotd/pkg/transport"
)

func TestIsMicrobot(t *testing.T) {
	localUID := transport.UID{0xAA, 0xBB, 0x11, 0x22, 0x33, 0x44}

	tests := []struct {
		name string
		ev   transport.ScanEvent
		want bool
	}{
		{
			name: "unpaired advertised name",
			ev: transport.ScanEvent{
				PayloadSegments: []transport.AdvSegment{
					{Type: transport.ADTypeCompleteLocalName, Data: []byte("mibp")},
				},
			},
			want: true,
		},
		{
			name: "paired manufacturer segment matches local address suffix",
			ev: transport.ScanEvent{
				PayloadSegments: []transport.AdvSegment{
					{Type: transport.ADTypeManufacturerSpecific, Data: append([]byte{201}, localUID[2:]...)},
				},
			},
			want: true,
		},
		{
			name: "manufacturer segment below threshold is ignored",
			ev: transport.ScanEvent{
				PayloadSegments: []transport.AdvSegment{
					{Type: transport.ADTypeManufacturerSpecific, Data: append([]byte{150}, localUID[2:]...)},
				},
			},
			want: false,
		},
		{
			name: "manufacturer segment with wrong suffix is ignored",
			ev: transport.ScanEvent{
				PayloadSegments: []transport.AdvSegment{
					{Type: transport.ADTypeManufacturerSpecific, Data: append([]byte{201}, 0, 0, 0, 0)},
				},
			},
			want: false,
		},
		{
			name: "unrelated advertisement",
			ev: transport.ScanEvent{
				PayloadSegments: []transport.AdvSegment{
					{Type: transport.ADTypeCompleteLocalName, Data: []byte("other-device")},
				},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsMicrobot(tt.ev, localUID); got != tt.want {
				t.Errorf("IsMicrobot() = %v, want %v", got, tt.want)
			}
		})
	}
}
