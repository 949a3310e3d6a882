// Package microbot implements the device-facing session layer: pairing,
// authenticated connect, firmware-specific state observation, and the
// pusher command primitives, on top of the transport package's abstract
// BLE contract.
package microbot

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microbotd/microbotd/pkg/logger"
	"github.com/microbotd/microbotd/pkg/transport"
)

// PairKey is the 16-byte shared secret issued by a device on first pairing.
type PairKey [16]byte

// PairKeyStore is the persistent UID → PairKey mapping the Hub provides.
type PairKeyStore interface {
	Has(uid transport.UID) bool
	Get(uid transport.UID) (PairKey, error)
	Set(uid transport.UID, key PairKey) error
	Delete(uid transport.UID) error
}

// State is a Microbot's connection lifecycle state, from the public API's
// perspective.
type State int

const (
	StateDiscovered State = iota
	StatePaired
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StatePaired:
		return "paired"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

func targetFor(uid transport.UID) transport.Target {
	return transport.Target{Address: uid}
}

// Microbot is the device-facing API: pair, connect, and issue commands
// against one physical device identified by UID.
type Microbot struct {
	uid   transport.UID
	tr    transport.Transport
	store PairKeyStore
	log   *logger.Logger

	mu      sync.Mutex
	name    string
	lastErr error

	stable  *StableConnection
	reader  *SubscribingReader
	overlay FirmwareOverlay

	subsMu sync.Mutex
	subs   map[uuid.UUID]func(*Microbot, State)
}

// New constructs a Microbot for uid, as seen under advertised name, backed
// by tr for BLE I/O and store for its pairing key.
func New(uid transport.UID, name string, tr transport.Transport, store PairKeyStore, log *logger.Logger) *Microbot {
	if log == nil {
		log = logger.Global()
	}
	return &Microbot{
		uid:   uid,
		name:  name,
		tr:    tr,
		store: store,
		log:   log,
		subs:  make(map[uuid.UUID]func(*Microbot, State)),
	}
}

// UID returns the device's BLE address.
func (mb *Microbot) UID() transport.UID { return mb.uid }

// Name returns the most recently observed advertised/derived name.
func (mb *Microbot) Name() string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.name
}

// UpdateName is called by the Registry whenever a scan reveals the
// device's real name.
func (mb *Microbot) UpdateName(name string) {
	mb.mu.Lock()
	mb.name = name
	mb.mu.Unlock()
}

// LastError returns the error last stored with setLastError. Nothing in
// the daemon stores one (failed dispatches are recorded only on the action
// row), so it returns nil.
func (mb *Microbot) LastError() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.lastErr
}

func (mb *Microbot) setLastError(err error) {
	mb.mu.Lock()
	mb.lastErr = err
	mb.mu.Unlock()
}

// IsPaired reports whether the pair-key store holds a key for this device.
func (mb *Microbot) IsPaired() bool {
	return mb.store.Has(mb.uid)
}

// IsConnected reports whether the StableConnection is installed and active.
func (mb *Microbot) IsConnected() bool {
	mb.mu.Lock()
	stable := mb.stable
	mb.mu.Unlock()
	return stable != nil && stable.IsActive()
}

// State derives the public lifecycle state from IsPaired/IsConnected.
func (mb *Microbot) State() State {
	switch {
	case mb.IsConnected():
		return StateConnected
	case mb.IsPaired():
		return StatePaired
	default:
		return StateDiscovered
	}
}

// OnStateChange registers cb to be invoked whenever the Microbot's state
// transitions. Returns a Handle to unsubscribe.
func (mb *Microbot) OnStateChange(cb func(*Microbot, State)) Handle {
	id := uuid.New()
	mb.subsMu.Lock()
	mb.subs[id] = cb
	mb.subsMu.Unlock()
	return Handle{cancel: func() {
		mb.subsMu.Lock()
		delete(mb.subs, id)
		mb.subsMu.Unlock()
	}}
}

func (mb *Microbot) fireStateChange() {
	state := mb.State()
	mb.subsMu.Lock()
	cbs := make([]func(*Microbot, State), 0, len(mb.subs))
	for _, cb := range mb.subs {
		cbs = append(cbs, cb)
	}
	mb.subsMu.Unlock()
	for _, cb := range cbs {
		cb(mb, state)
	}
}

// Connect runs the authenticated-connect procedure and installs a
// StableConnection. Fails WrongConnectionState if already connected.
func (mb *Microbot) Connect(ctx context.Context) error {
	if mb.IsConnected() {
		return ErrWrongConnectionState
	}

	conn, fw, err := mb.sneakyConnect(ctx)
	if err != nil {
		return err
	}
	return mb.wrapAsConnected(ctx, conn, fw)
}

// Disconnect closes the current StableConnection, returning the Microbot
// to the Paired state.
func (mb *Microbot) Disconnect() error {
	mb.mu.Lock()
	stable := mb.stable
	mb.mu.Unlock()
	if stable == nil {
		return nil
	}
	err := stable.Close()
	mb.fireStateChange()
	return err
}

// sneakyConnect is the authenticated-connect procedure shared by Connect
// and StableConnection's reconnect closure: transport-connect, read
// firmware version, then the auth challenge/response exchange.
func (mb *Microbot) sneakyConnect(ctx context.Context) (*Connection, FirmwareVersion, error) {
	if !mb.store.Has(mb.uid) {
		return nil, FirmwareVersion{}, &NotPairedError{Msg: "no key"}
	}

	rawConn, err := mb.tr.Connect(ctx, targetFor(mb.uid))
	if err != nil {
		return nil, FirmwareVersion{}, err
	}
	conn := NewConnection(mb.tr, rawConn, mb.uid, mb.log)

	fw, err := mb.readFirmwareVersion(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, FirmwareVersion{}, err
	}

	key, err := mb.store.Get(mb.uid)
	if err != nil {
		conn.Close()
		return nil, fw, &NotPairedError{Msg: "no key"}
	}

	release := conn.Transaction()
	status, err := mb.authExchange(ctx, conn, key)
	release()
	if err != nil {
		conn.Close()
		return nil, fw, err
	}

	switch status {
	case StatusOK:
		return conn, fw, nil
	case StatusKeyMismatch:
		mb.store.Delete(mb.uid)
		mb.fireStateChange()
		conn.Close()
		return nil, fw, &NotPairedError{Code: uint16(status), Msg: "key mismatch"}
	default:
		conn.Close()
		return nil, fw, &NotPairedError{Code: uint16(status), Msg: "connect rejected"}
	}
}

func (mb *Microbot) readFirmwareVersion(ctx context.Context, conn *Connection) (FirmwareVersion, error) {
	data, err := conn.Read(ctx, MicrobotService, CharFirmwareVersion, 10*time.Second)
	if err != nil {
		return FirmwareVersion{}, err
	}
	var fw FirmwareVersion
	n := copy(fw[:], data)
	if n < len(fw) {
		return FirmwareVersion{}, &IOError{Msg: "firmware version payload too short"}
	}
	return fw, nil
}

// authExchange runs the check_status exchange on (MicrobotService, 2A98):
// subscribe, write the timestamp+key challenge, wait up to 20s for a
// one-byte status reply. Must be called with the connection's transaction
// already held by the caller.
func (mb *Microbot) authExchange(ctx context.Context, conn *Connection, key PairKey) (byte, error) {
	replyCh := make(chan byte, 1)
	handle, err := conn.OnNotifyDirect(ctx, MicrobotService, CharAuth, func(data []byte) {
		if len(data) > 0 {
			select {
			case replyCh <- data[0]:
			default:
			}
		}
	})
	if err != nil {
		return 0, err
	}
	defer handle.Cancel()

	payload := make([]byte, 20)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(time.Now().Unix()))
	copy(payload[4:], key[:])
	if err := conn.WriteDirect(ctx, MicrobotService, CharAuth, payload, 10*time.Second); err != nil {
		return 0, err
	}

	select {
	case status := <-replyCh:
		return status, nil
	case <-time.After(20 * time.Second):
		return StatusNoReply, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// installOverlay selects and installs the firmware overlay for fw on conn.
func (mb *Microbot) installOverlay(ctx context.Context, conn *Connection, reader *SubscribingReader, fw FirmwareVersion) (FirmwareOverlay, error) {
	var overlay FirmwareOverlay
	if fw.IsV010() {
		overlay = NewFirmwareV010(conn)
	} else {
		overlay = NewFirmwareV015(reader)
	}
	if err := overlay.Install(ctx); err != nil {
		return nil, err
	}
	return overlay, nil
}

// wrapAsConnected builds the reader and overlay for a freshly obtained raw
// Connection and installs the StableConnection, transitioning to Connected.
func (mb *Microbot) wrapAsConnected(ctx context.Context, conn *Connection, fw FirmwareVersion) error {
	reader := NewSubscribingReader(conn)
	reader.SetOnChange(func(service, char transport.UUID, value []byte) {
		mb.fireStateChange()
	})

	overlay, err := mb.installOverlay(ctx, conn, reader, fw)
	if err != nil {
		return err
	}

	stable := NewStableConnection(conn, mb.makeReconnectFn(), nil, mb.log)

	mb.mu.Lock()
	mb.stable = stable
	mb.reader = reader
	mb.overlay = overlay
	mb.mu.Unlock()

	mb.fireStateChange()
	return nil
}

// makeReconnectFn returns the closure StableConnection invokes on reconnect:
// it re-runs sneakyConnect, rebinds the SubscribingReader onto the fresh
// connection, reinstalls the firmware overlay, and replays subscriptions.
func (mb *Microbot) makeReconnectFn() func(ctx context.Context) (*Connection, error) {
	return func(ctx context.Context) (*Connection, error) {
		conn, fw, err := mb.sneakyConnect(ctx)
		if err != nil {
			return nil, err
		}

		mb.mu.Lock()
		reader := mb.reader
		mb.mu.Unlock()

		reader.Rebind(conn)
		reader.Clear()

		overlay, err := mb.installOverlay(ctx, conn, reader, fw)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := reader.Resubscribe(ctx); err != nil {
			conn.Close()
			return nil, err
		}

		mb.mu.Lock()
		mb.overlay = overlay
		mb.mu.Unlock()
		return conn, nil
	}
}

// activeConn resolves the live Connection/SubscribingReader/FirmwareOverlay
// trio, reconnecting via StableConnection if necessary.
func (mb *Microbot) activeConn(ctx context.Context) (*Connection, *SubscribingReader, FirmwareOverlay, error) {
	mb.mu.Lock()
	stable := mb.stable
	mb.mu.Unlock()
	if stable == nil {
		return nil, nil, nil, ErrNotConnected
	}

	conn, err := stable.Get(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	mb.mu.Lock()
	reader := mb.reader
	overlay := mb.overlay
	mb.mu.Unlock()
	return conn, reader, overlay, nil
}

// LED sets the LED colour for durSec seconds, 0 < durSec < 255.
func (mb *Microbot) LED(ctx context.Context, r, g, b bool, durSec int) error {
	if durSec <= 0 || durSec >= 255 {
		return fmt.Errorf("microbot: led duration %d out of range (0,255)", durSec)
	}
	conn, _, _, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}
	colour := Colour{R: r, G: g, B: b}
	payload := []byte{0x01, colour.bits(), 0, 0, 0, byte(durSec)}
	return conn.Write(ctx, MicrobotService, CharLED, payload)
}

// Extend commands the pusher to extend, short-circuiting if it is already
// extended, and waits for the state-change confirmation.
func (mb *Microbot) Extend(ctx context.Context) error {
	return mb.setPusherState(ctx, CharExtend, false)
}

// Retract commands the pusher to retract, short-circuiting if it is
// already retracted, and waits for the state-change confirmation.
func (mb *Microbot) Retract(ctx context.Context) error {
	return mb.setPusherState(ctx, CharRetract, true)
}

func (mb *Microbot) setPusherState(ctx context.Context, char transport.UUID, wantRetracted bool) error {
	_, _, overlay, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}

	cur, err := overlay.IsRetracted(ctx)
	if err != nil {
		return err
	}
	if cur == wantRetracted {
		return nil
	}

	conn, _, _, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, PushService, char, []byte{0x01}); err != nil {
		return err
	}

	if err := overlay.WaitForPusherStateChange(ctx, wantRetracted, 15*time.Second); err != nil {
		return &IOError{Msg: "state change did not happen"}
	}

	final, err := overlay.IsRetracted(ctx)
	if err != nil {
		return err
	}
	if final != wantRetracted {
		return &IOError{Msg: "pusher state disagrees with commanded direction"}
	}
	return nil
}

// Calibrate sets the calibration point, clamping pct*100 to [16,100].
func (mb *Microbot) Calibrate(ctx context.Context, pct float64) error {
	raw := clampByte(int(pct*100), 0x10, 100)
	conn, reader, _, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, PushService, CharDeviceCalibration, []byte{raw}); err != nil {
		return err
	}
	reader.SetCache(PushService, CharDeviceCalibration, []byte{raw})
	return nil
}

// GetCalibration returns the current calibration fraction, served from
// the writer-updated cache when available.
func (mb *Microbot) GetCalibration(ctx context.Context) (float64, error) {
	_, reader, _, err := mb.activeConn(ctx)
	if err != nil {
		return 0, err
	}
	data, err := reader.Read(ctx, PushService, CharDeviceCalibration)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, &IOError{Msg: "empty calibration payload"}
	}
	return float64(data[0]) / 100.0, nil
}

// BatteryLevel returns the battery fraction in [0,1].
func (mb *Microbot) BatteryLevel(ctx context.Context) (float64, error) {
	_, reader, _, err := mb.activeConn(ctx)
	if err != nil {
		return 0, err
	}
	data, err := reader.Read(ctx, MicrobotService, CharBattery)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, &IOError{Msg: "empty battery payload"}
	}
	return float64(data[0]) / 100.0, nil
}

// ButtonMode sets the physical button's behavior.
func (mb *Microbot) ButtonMode(ctx context.Context, mode ButtonMode) error {
	conn, reader, _, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, PushService, CharButtonMode, []byte{byte(mode)}); err != nil {
		return err
	}
	reader.SetCache(PushService, CharButtonMode, []byte{byte(mode)})
	return nil
}

// DeviceBlink blinks the status LED for sec seconds, clamped to [0,255].
func (mb *Microbot) DeviceBlink(ctx context.Context, sec int) error {
	clamped := clampByte(sec, 0, 255)
	conn, _, _, err := mb.activeConn(ctx)
	if err != nil {
		return err
	}
	return conn.Write(ctx, MicrobotService, CharDeviceBlink, []byte{clamped})
}

// IsRetracted reports the pusher's last known state via the firmware overlay.
func (mb *Microbot) IsRetracted(ctx context.Context) (bool, error) {
	_, _, overlay, err := mb.activeConn(ctx)
	if err != nil {
		return false, err
	}
	return overlay.IsRetracted(ctx)
}

func clampByte(v, lo, hi int) byte {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return byte(v)
}
