// Package model holds the message shapes exchanged over the queue.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Batch is one ingestion message: a device's signal readings at a point in time
type Batch struct {
	// Time is the device push time in UNIX seconds
	Time               int64     `json:"time"`
	DeviceUID          string    `json:"device_uid"`
	IdentificationCode string    `json:"identification_code"`
	Data               []DataRow `json:"data"`
	NC                 string    `json:"nc"`
	Protocol           *string   `json:"protocol,omitempty"`
}

// ProtocolOr returns the batch protocol, or def when the batch carries none
func (b *Batch) ProtocolOr(def string) string {
	if b.Protocol != nil && *b.Protocol != "" {
		return *b.Protocol
	}
	return def
}

// DataRow is one signal reading
type DataRow struct {
	Name  string   `json:"name"`
	Value RawValue `json:"value"`
}

// RawValue is the textual form of a reading. It decodes from a JSON string or
// a JSON number; numbers keep their literal text.
type RawValue string

// UnmarshalJSON implements json.Unmarshaler
func (v *RawValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = RawValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a string or a number: %w", err)
	}
	*v = RawValue(n.String())
	return nil
}

// DecodeBatch decodes one batch payload
func DecodeBatch(payload []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// TcpMessage is what the TCP gateway publishes for every telemetry frame
type TcpMessage struct {
	UID     string `json:"uid"`
	Message string `json:"message"`
}

// TransmitMessage is a downlink request for one device
type TransmitMessage struct {
	DeviceUID string `json:"device_uid"`
	Message   string `json:"message"`
}
