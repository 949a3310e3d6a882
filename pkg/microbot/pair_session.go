package microbot

import (
	"context"
	"time"
)

// Colour is one LED colour combination shown during pairing.
type Colour struct {
	R, G, B bool
}

func (c Colour) bits() byte {
	var b byte
	if c.R {
		b |= 1
	}
	if c.G {
		b |= 2
	}
	if c.B {
		b |= 4
	}
	return b
}

// pairColourCycle is the LED sequence shown while waiting for the user to
// touch the device: red+blue, then red+green, repeating indefinitely.
var pairColourCycle = []Colour{
	{R: true, B: true},
	{R: true, G: true},
}

// PairSession drives the pairing handshake as a cooperative state machine:
// each Next call performs one 5-second LED iteration and reports whether
// the device replied. The transport transaction is held for the session's
// entire lifetime, matching the source's "LED writes and notification
// wait happen inside one lock scope" invariant.
type PairSession struct {
	mb      *Microbot
	conn    *Connection
	release func()
	handle  Handle

	notifyCh chan []byte
	idx      int
	closed   bool

	// Key is populated once Next returns done=true with a nil error.
	Key PairKey
}

// Pair begins a pairing session against a freshly scanned, unpaired
// device. The caller must repeatedly call Next until it reports done.
func (mb *Microbot) Pair(ctx context.Context) (*PairSession, error) {
	if mb.IsConnected() {
		return nil, ErrWrongConnectionState
	}

	rawConn, err := mb.tr.Connect(ctx, targetFor(mb.uid))
	if err != nil {
		return nil, err
	}
	conn := NewConnection(mb.tr, rawConn, mb.uid, mb.log)
	release := conn.Transaction()

	s := &PairSession{
		mb:       mb,
		conn:     conn,
		release:  release,
		notifyCh: make(chan []byte, 1),
	}

	handle, err := conn.OnNotifyDirect(ctx, MicrobotService, CharPair, func(data []byte) {
		select {
		case s.notifyCh <- data:
		default:
		}
	})
	if err != nil {
		s.abort()
		return nil, err
	}
	s.handle = handle

	localUID, err := mb.tr.LocalUID(ctx)
	if err != nil {
		s.abort()
		return nil, err
	}

	// host_uid_bytes split into a first chunk (length-prefixed, fits in one
	// 20-byte ATT write for our 6-byte UID) and a second, empty-continuation
	// chunk prefixed with 0x00.
	first := append([]byte{byte(len(localUID))}, localUID[:]...)
	if err := conn.WriteDirect(ctx, MicrobotService, CharPair, first, 5*time.Second); err != nil {
		s.abort()
		return nil, err
	}
	if err := conn.WriteDirect(ctx, MicrobotService, CharPair, []byte{0x00}, 5*time.Second); err != nil {
		s.abort()
		return nil, err
	}

	return s, nil
}

func (s *PairSession) abort() {
	if s.handle.cancel != nil {
		s.handle.Cancel()
	}
	s.release()
	s.conn.Close()
}

// Next performs one LED iteration and waits up to 5 seconds for the
// device to report a touch. It returns the colour shown, whether the
// session concluded, and an error if it concluded unsuccessfully.
func (s *PairSession) Next(ctx context.Context) (Colour, bool, error) {
	if s.closed {
		return Colour{}, true, nil
	}

	colour := pairColourCycle[s.idx%len(pairColourCycle)]
	s.idx++

	payload := []byte{0x01, colour.bits(), 0, 0, 0, 5}
	if err := s.conn.WriteDirect(ctx, MicrobotService, CharLED, payload, 5*time.Second); err != nil {
		s.finish()
		return colour, true, err
	}

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()

	select {
	case data := <-s.notifyCh:
		s.closed = true
		s.release()
		err := s.complete(ctx, data)
		return colour, true, err
	case <-timer.C:
		return colour, false, nil
	case <-ctx.Done():
		s.finish()
		return colour, true, ctx.Err()
	}
}

// finish is the failure path: release the transaction (if not already
// released) and close the raw connection.
func (s *PairSession) finish() {
	if !s.closed {
		s.closed = true
		s.release()
	}
	s.conn.Close()
}

// complete runs after the transaction lock has already been released: on
// success it hands the raw connection off to the Microbot as its new live
// session; on any failure it closes the connection.
func (s *PairSession) complete(ctx context.Context, data []byte) error {
	if len(data) < 1 {
		s.conn.Close()
		return &NotPairedError{Msg: "empty pairing notification"}
	}
	status := data[0]

	switch status {
	case StatusOK:
		if len(data) < 17 {
			s.conn.Close()
			return &NotPairedError{Code: uint16(status), Msg: "pairing key too short"}
		}
		var key PairKey
		copy(key[:], data[1:17])
		if err := s.mb.store.Set(s.mb.uid, key); err != nil {
			s.conn.Close()
			return err
		}
		s.Key = key

		fw, err := s.mb.readFirmwareVersion(ctx, s.conn)
		if err != nil {
			s.conn.Close()
			return err
		}
		if err := s.mb.wrapAsConnected(ctx, s.conn, fw); err != nil {
			s.conn.Close()
			return err
		}
		return nil
	case StatusNotTouched:
		s.conn.Close()
		return &NotPairedError{Code: uint16(status), Msg: "user did not touch device"}
	default:
		s.conn.Close()
		return &NotPairedError{Code: uint16(status), Msg: "pairing refused"}
	}
}
