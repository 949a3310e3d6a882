package microbot

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/microbotd/microbotd/pkg/transport"
	"github.com/microbotd/microbotd/pkg/transport/fake"
)

// memPairKeyStore is a minimal in-memory PairKeyStore for tests.
type memPairKeyStore struct {
	keys map[transport.UID]PairKey
}

func newMemPairKeyStore() *memPairKeyStore {
	return &memPairKeyStore{keys: make(map[transport.UID]PairKey)}
}

func (s *memPairKeyStore) Has(uid transport.UID) bool { _, ok := s.keys[uid]; return ok }

func (s *memPairKeyStore) Get(uid transport.UID) (PairKey, error) {
	k, ok := s.keys[uid]
	if !ok {
		return PairKey{}, ErrNotConnected
	}
	return k, nil
}

func (s *memPairKeyStore) Set(uid transport.UID, key PairKey) error {
	s.keys[uid] = key
	return nil
}

func (s *memPairKeyStore) Delete(uid transport.UID) error {
	delete(s.keys, uid)
	return nil
}

// newFixtureDevice builds a fake V015 microbot (non-(0,1,0) firmware) with
// MicrobotService{CharFirmwareVersion, CharAuth} and PushService{CharDeviceStatus},
// the minimum surface every Connect exercises. authStatus is the byte the
// fixture replies with on the auth challenge.
func newFixtureDevice(uid transport.UID, authStatus byte) *fake.Device {
	fwChar := &fake.Characteristic{
		UUID:       CharFirmwareVersion,
		Handle:     1,
		Properties: transport.CharacteristicProperties{Readable: true},
	}
	fwChar.SetValue([]byte{1, 5, 0})

	authChar := &fake.Characteristic{
		UUID:       CharAuth,
		Handle:     2,
		Properties: transport.CharacteristicProperties{Writable: true, Notifiable: true},
	}
	authChar.OnWrite = func(c *fake.Characteristic, data []byte) error {
		c.Notify([]byte{authStatus})
		return nil
	}

	statusChar := &fake.Characteristic{
		UUID:       CharDeviceStatus,
		Handle:     3,
		Properties: transport.CharacteristicProperties{Readable: true, Notifiable: true},
	}
	statusChar.SetValue([]byte{0x01, 0x00}) // retracted

	return &fake.Device{
		Address: uid,
		Services: []*fake.Service{
			{UUID: MicrobotService, Characteristics: []*fake.Characteristic{fwChar, authChar}},
			{UUID: PushService, Characteristics: []*fake.Characteristic{statusChar}},
		},
	}
}

func findChar(dev *fake.Device, service, uuid transport.UUID) *fake.Characteristic {
	for _, svc := range dev.Services {
		if svc.UUID != service {
			continue
		}
		for _, ch := range svc.Characteristics {
			if ch.UUID == uuid {
				return ch
			}
		}
	}
	return nil
}

func newConnectedMicrobot(t *testing.T, dev *fake.Device) (*Microbot, *fake.Transport) {
	t.Helper()
	tr := fake.New(transport.UID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	tr.AddDevice(dev)

	store := newMemPairKeyStore()
	store.Set(dev.Address, PairKey{0xAA})

	mb := New(dev.Address, "mibp", tr, store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mb.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return mb, tr
}

// S1: a Microbot with the correct pairing key connects successfully.
func TestConnectWithCorrectKey(t *testing.T) {
	uid := transport.UID{1, 2, 3, 4, 5, 6}
	dev := newFixtureDevice(uid, StatusOK)
	tr := fake.New(transport.UID{9, 9, 9, 9, 9, 9})
	tr.AddDevice(dev)

	store := newMemPairKeyStore()
	store.Set(uid, PairKey{0xAA})

	mb := New(uid, "mibp", tr, store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := mb.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !mb.IsConnected() {
		t.Error("IsConnected() = false, want true after a successful Connect")
	}
	if mb.State() != StateConnected {
		t.Errorf("State() = %v, want StateConnected", mb.State())
	}
}

// S2: a key mismatch reply deletes the stored key and reports NotPairedError.
func TestConnectWithWrongKeyDeletesPairKey(t *testing.T) {
	uid := transport.UID{1, 2, 3, 4, 5, 6}
	dev := newFixtureDevice(uid, StatusKeyMismatch)
	tr := fake.New(transport.UID{9, 9, 9, 9, 9, 9})
	tr.AddDevice(dev)

	store := newMemPairKeyStore()
	store.Set(uid, PairKey{0xAA})

	mb := New(uid, "mibp", tr, store, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := mb.Connect(ctx)
	var npErr *NotPairedError
	if !errors.As(err, &npErr) {
		t.Fatalf("Connect err = %v, want *NotPairedError", err)
	}
	if mb.IsConnected() {
		t.Error("IsConnected() = true after a key-mismatch Connect, want false")
	}
	if store.Has(uid) {
		t.Error("pair key store still holds the key after a mismatch, want it deleted")
	}
}

// S3: LED encodes colour bits and duration into the six-byte payload.
func TestLEDEncodesColourBitsAndDuration(t *testing.T) {
	tests := []struct {
		name       string
		r, g, b    bool
		durSec     int
		wantBits   byte
		wantErr    bool
	}{
		{name: "red+blue, 7s", r: true, b: true, durSec: 7, wantBits: 0x05},
		{name: "green only, 30s", g: true, durSec: 30, wantBits: 0x02},
		{name: "all channels, 1s", r: true, g: true, b: true, durSec: 1, wantBits: 0x07},
		{name: "duration zero rejected", durSec: 0, wantErr: true},
		{name: "duration at ceiling rejected", durSec: 255, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uid := transport.UID{1, 2, 3, 4, 5, 6}
			dev := newFixtureDevice(uid, StatusOK)
			ledChar := &fake.Characteristic{
				UUID:       CharLED,
				Handle:     10,
				Properties: transport.CharacteristicProperties{Writable: true},
			}
			dev.Services[0].Characteristics = append(dev.Services[0].Characteristics, ledChar)

			mb, _ := newConnectedMicrobot(t, dev)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := mb.LED(ctx, tt.r, tt.g, tt.b, tt.durSec)

			if tt.wantErr {
				if err == nil {
					t.Fatal("LED err = nil, want out-of-range error")
				}
				if len(ledChar.Value()) != 0 {
					t.Error("LED wrote a payload despite a rejected duration")
				}
				return
			}
			if err != nil {
				t.Fatalf("LED: %v", err)
			}
			want := []byte{0x01, tt.wantBits, 0x00, 0x00, 0x00, byte(tt.durSec)}
			if got := ledChar.Value(); !bytes.Equal(got, want) {
				t.Errorf("LED payload = % X, want % X", got, want)
			}
		})
	}
}

// S4: Extend short-circuits without writing when the device already reports
// the extended state.
func TestExtendShortCircuitsWhenAlreadyExtended(t *testing.T) {
	uid := transport.UID{1, 2, 3, 4, 5, 6}
	dev := newFixtureDevice(uid, StatusOK)
	// Not retracted: DeviceStatus byte[1] != 0x00.
	findChar(dev, PushService, CharDeviceStatus).SetValue([]byte{0x01, 0x01})

	var wrote bool
	extendChar := &fake.Characteristic{
		UUID:       CharExtend,
		Handle:     11,
		Properties: transport.CharacteristicProperties{Writable: true},
	}
	extendChar.OnWrite = func(c *fake.Characteristic, data []byte) error {
		wrote = true
		return nil
	}
	dev.Services[1].Characteristics = append(dev.Services[1].Characteristics, extendChar)

	mb, _ := newConnectedMicrobot(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mb.Extend(ctx); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if wrote {
		t.Error("Extend wrote to the device despite already being extended, want short-circuit")
	}
}

// Retract mirrors Extend's short-circuit: already-retracted is a no-op write.
func TestRetractShortCircuitsWhenAlreadyRetracted(t *testing.T) {
	uid := transport.UID{1, 2, 3, 4, 5, 6}
	dev := newFixtureDevice(uid, StatusOK)
	// Already retracted: DeviceStatus byte[1] == 0x00 (the fixture default).

	var wrote bool
	retractChar := &fake.Characteristic{
		UUID:       CharRetract,
		Handle:     12,
		Properties: transport.CharacteristicProperties{Writable: true},
	}
	retractChar.OnWrite = func(c *fake.Characteristic, data []byte) error {
		wrote = true
		return nil
	}
	dev.Services[1].Characteristics = append(dev.Services[1].Characteristics, retractChar)

	mb, _ := newConnectedMicrobot(t, dev)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mb.Retract(ctx); err != nil {
		t.Fatalf("Retract: %v", err)
	}
	if wrote {
		t.Error("Retract wrote to the device despite already being retracted, want short-circuit")
	}
}
