package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FrameHeaderSize is the size of the device frame header (4 bytes)
const FrameHeaderSize = 2 + 2

// Device Frame Structure (Little Endian):
//
//	Offset  Size    Type      Description
//	0-1     2       uint16    length - payload length (excluding header)
//	2-3     2       uint16    type   - frame type
//	4-      length  []byte    payload
//
// Frame types:
//
//	1 Identify   device -> gateway, payload is the device id (UTF-8)
//	2 Telemetry  device -> gateway, payload is a batch JSON document
//	3 Heartbeat  device -> gateway, empty payload
//	4 Downlink   gateway -> device, opaque payload

// FrameType identifies the meaning of a frame payload
type FrameType uint16

const (
	FrameIdentify  FrameType = 1
	FrameTelemetry FrameType = 2
	FrameHeartbeat FrameType = 3
	FrameDownlink  FrameType = 4
)

// String returns the metric label for the frame type
func (t FrameType) String() string {
	switch t {
	case FrameIdentify:
		return "identify"
	case FrameTelemetry:
		return "telemetry"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameDownlink:
		return "downlink"
	default:
		return "unknown"
	}
}

// Frame is one decoded device frame
type Frame struct {
	Type    FrameType
	Payload []byte
}

var (
	// ErrFrameTooLarge is returned when a frame exceeds the configured maximum payload size
	ErrFrameTooLarge = errors.New("frame size exceeds maximum allowed")
)

// ReadFrame reads one complete frame
func ReadFrame(r io.Reader, maxPayloadSize int) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint16(header[0:2])
	frame := &Frame{Type: FrameType(binary.LittleEndian.Uint16(header[2:4]))}

	if maxPayloadSize > 0 && int(length) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, length, maxPayloadSize)
	}

	if length == 0 {
		return frame, nil
	}

	frame.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, frame.Payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// EncodeFrame builds the wire form of a frame in one allocation
func EncodeFrame(t FrameType, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrFrameTooLarge, len(payload), 0xFFFF)
	}
	buf := make([]byte, FrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(t))
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}

// WriteFrame writes a frame in a single Write call
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	buf, err := EncodeFrame(t, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
