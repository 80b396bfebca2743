// Package protocol defines the wire format of the relay: how inbound
// frames are classified and how outbound payloads are serialized.
//
// Text frames carry JSON objects with a "type" field:
//
//	{"type":"device"}                       identify as the device
//	{"type":"viewer"}                       identify as a viewer
//	{"type":"device","waterLevel":42}       telemetry, relayed to viewers verbatim
//	{"type":"viewer","action":"feed"}       command, relayed to the device verbatim
//	{"type":"status","message":"..."}       server notice
//	{"type":"error","message":"..."}        server error reply
//	{"type":"image","data":"<base64>"}      media envelope (base64 encoding only)
//
// Binary frames carry raw media bytes.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/frame-relay/backend/model"
)

// Message types understood on the text channel.
const (
	TypeDevice = "device"
	TypeViewer = "viewer"
	TypeStatus = "status"
	TypeError  = "error"
	TypeImage  = "image"

	// legacy identification names of the first deployment
	typeDeviceLegacy = "esp32"
	typeViewerLegacy = "android"
)

// Status and error texts sent by the relay.
const (
	StatusConnected          = "connected"
	StatusForwarded          = "command forwarded to device"
	StatusDeviceUnavailable  = "device unavailable"
	StatusDeviceConnected    = "device connected"
	StatusDeviceDisconnected = "device disconnected"

	ErrTextUnknownType  = "unknown client type"
	ErrTextRoleConflict = "connection already identified with another role"
	ErrTextMediaOrigin  = "media frames are accepted from the device only"
)

// Encoding selects how media frames are delivered to viewers.
// Binary and base64 are not wire compatible.
type Encoding string

const (
	EncodingBinary Encoding = "binary"
	EncodingBase64 Encoding = "base64"
)

var ErrUnknownEncoding = errors.New("unknown frame encoding")

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case EncodingBinary, EncodingBase64:
		return Encoding(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, s)
}

// Notice is the server-originated status/error message.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ImageEnvelope wraps a media frame for the base64 encoding.
type ImageEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func Status(msg string) model.Payload {
	return notice(TypeStatus, msg)
}

func Error(msg string) model.Payload {
	return notice(TypeError, msg)
}

func notice(typ, msg string) model.Payload {
	// Notice has only string fields, Marshal cannot fail.
	b, _ := json.Marshal(&Notice{Type: typ, Message: msg})
	return model.Payload{Data: b}
}

// Text wraps an already serialized structured message.
func Text(raw []byte) model.Payload {
	return model.Payload{Data: raw}
}

// Media prepares a media frame for delivery in the given encoding.
func Media(frame []byte, enc Encoding) (model.Payload, error) {
	switch enc {
	case EncodingBinary, "":
		return model.Payload{Data: frame, Binary: true}, nil
	case EncodingBase64:
		b, err := json.Marshal(&ImageEnvelope{
			Type: TypeImage,
			Data: base64.StdEncoding.EncodeToString(frame),
		})
		if err != nil {
			return model.Payload{}, err
		}
		return model.Payload{Data: b}, nil
	}
	return model.Payload{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
}
