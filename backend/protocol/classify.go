package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Kind is the classification of one inbound frame.
type Kind int

const (
	KindMalformed Kind = iota
	KindMedia
	KindCommand
	// KindDiscarded marks a binary frame silently dropped by the JPEG filter.
	KindDiscarded
)

func (k Kind) String() string {
	switch k {
	case KindMedia:
		return "media"
	case KindCommand:
		return "command"
	case KindDiscarded:
		return "discarded"
	default:
		return "malformed"
	}
}

// CommandType is the decoded "type" field of a command.
type CommandType int

const (
	CommandUnknown CommandType = iota
	CommandDevice
	CommandViewer
)

var (
	ErrNotObject = errors.New("message is not a JSON object")

	jpegMagic = []byte{0xFF, 0xD8}
)

// Frame is a raw inbound message with the transport-level binary/text tag.
type Frame struct {
	Data   []byte
	Binary bool
}

// Command is a structured text message.
type Command struct {
	Fields map[string]json.RawMessage
	// Raw is the original text, relayed verbatim.
	Raw  []byte
	Type CommandType
	// TypeName is the "type" field as sent.
	TypeName string
}

// Bare reports whether the command carries nothing but its type,
// i.e. it is a pure identification message.
func (c Command) Bare() bool {
	for k := range c.Fields {
		if k != "type" {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one of the named fields is present.
func (c Command) HasAny(fields []string) bool {
	for _, f := range fields {
		if _, ok := c.Fields[f]; ok {
			return true
		}
	}
	return false
}

// Inbound is a classified frame.
type Inbound struct {
	Err     error
	Media   []byte
	Raw     []byte
	Command Command
	Kind    Kind
}

type ClassifyOptions struct {
	// ValidateJPEG drops binary frames that do not start with FF D8.
	ValidateJPEG bool
}

// Classify tags one inbound frame as media, command or malformed.
// It has no state.
func Classify(f Frame, opts ClassifyOptions) Inbound {
	if f.Binary {
		if opts.ValidateJPEG && !bytes.HasPrefix(f.Data, jpegMagic) {
			return Inbound{Kind: KindDiscarded, Raw: f.Data}
		}
		return Inbound{Kind: KindMedia, Media: f.Data}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(f.Data, &fields); err != nil {
		return Inbound{Kind: KindMalformed, Raw: f.Data, Err: err}
	}
	if fields == nil {
		// valid JSON null
		return Inbound{Kind: KindMalformed, Raw: f.Data, Err: ErrNotObject}
	}

	cmd := Command{
		Fields: fields,
		Raw:    f.Data,
	}
	if rawType, ok := fields["type"]; ok {
		// a non-string type is treated as unrecognized, not malformed
		_ = json.Unmarshal(rawType, &cmd.TypeName)
	}
	cmd.Type = parseCommandType(cmd.TypeName)
	return Inbound{Kind: KindCommand, Command: cmd}
}

func parseCommandType(s string) CommandType {
	switch s {
	case TypeDevice, typeDeviceLegacy:
		return CommandDevice
	case TypeViewer, typeViewerLegacy:
		return CommandViewer
	}
	return CommandUnknown
}
