package diagipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// HeaderSize is the fixed size of every IPC message header on the wire.
const HeaderSize = 20

var magic = [14]byte{'D', 'O', 'T', 'N', 'E', 'T', '_', 'I', 'P', 'C', '_', 'V', '1', 0}

// CommandSet groups related diagnostics commands.
type CommandSet uint8

const (
	CommandSetDump      CommandSet = 0x01
	CommandSetEventPipe CommandSet = 0x02
	CommandSetProfiler  CommandSet = 0x03
	CommandSetProcess   CommandSet = 0x04
	CommandSetServer    CommandSet = 0xFF
)

// EventPipe command ids.
const (
	CommandStopTracing     uint8 = 0x01
	CommandCollectTracing  uint8 = 0x02
	CommandCollectTracing2 uint8 = 0x03
)

// Server response ids.
const (
	ResponseOK    uint8 = 0x00
	ResponseError uint8 = 0xFF
)

// FormatNetTrace selects the nettrace serialization for CollectTracing.
const FormatNetTrace uint32 = 1

var (
	// ErrBadMagic is returned when a message does not start with the IPC magic.
	ErrBadMagic = errors.New("diagipc: bad magic")
	// ErrShortMessage is returned when the header size field is smaller than the header.
	ErrShortMessage = errors.New("diagipc: message shorter than header")
)

// Header is the fixed preamble of an IPC message.
type Header struct {
	Size       uint16 // header plus payload
	CommandSet CommandSet
	CommandID  uint8
	Reserved   uint16
}

// Message is one request or response on a diagnostics connection.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a message with the size field filled in.
func NewMessage(set CommandSet, id uint8, payload []byte) (Message, error) {
	total := HeaderSize + len(payload)
	if total > 0xFFFF {
		return Message{}, fmt.Errorf("diagipc: payload of %d bytes too large", len(payload))
	}
	return Message{
		Header: Header{
			Size:       uint16(total),
			CommandSet: set,
			CommandID:  id,
		},
		Payload: payload,
	}, nil
}

// MarshalBinary encodes the message in wire format.
func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(m.Payload))
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, m.Header.Size)
	buf.WriteByte(byte(m.Header.CommandSet))
	buf.WriteByte(m.Header.CommandID)
	_ = binary.Write(&buf, binary.LittleEndian, m.Header.Reserved)
	buf.Write(m.Payload)
	return buf.Bytes(), nil
}

// IsOK reports whether m is a server OK response.
func (m Message) IsOK() bool {
	return m.Header.CommandSet == CommandSetServer && m.Header.CommandID == ResponseOK
}

// ReadMessage reads one message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var raw [HeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Message{}, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Equal(raw[:len(magic)], magic[:]) {
		return Message{}, ErrBadMagic
	}
	h := Header{
		Size:       binary.LittleEndian.Uint16(raw[14:16]),
		CommandSet: CommandSet(raw[16]),
		CommandID:  raw[17],
		Reserved:   binary.LittleEndian.Uint16(raw[18:20]),
	}
	if h.Size < HeaderSize {
		return Message{}, ErrShortMessage
	}
	payload := make([]byte, int(h.Size)-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("reading payload: %w", err)
	}
	return Message{Header: h, Payload: payload}, nil
}

// ServerError is the error response of the diagnostics server.
type ServerError struct {
	Code uint32 // HRESULT
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("diagnostics server error 0x%08X", e.Code)
}

// responseError converts a non-OK response into an error.
func responseError(m Message) error {
	if m.Header.CommandSet != CommandSetServer {
		return fmt.Errorf("diagipc: unexpected response command set 0x%02X", uint8(m.Header.CommandSet))
	}
	if m.Header.CommandID == ResponseError {
		if len(m.Payload) < 4 {
			return &ServerError{}
		}
		return &ServerError{Code: binary.LittleEndian.Uint32(m.Payload)}
	}
	return fmt.Errorf("diagipc: unexpected response id 0x%02X", m.Header.CommandID)
}

// Provider enables one EventPipe provider.
type Provider struct {
	Name     string
	Keywords uint64
	Level    uint32
	Filter   string
}

// SessionConfig describes a CollectTracing2 request.
type SessionConfig struct {
	CircularBufferMB uint32
	RequestRundown   bool
	Providers        []Provider
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// writeString writes a length-prefixed, null-terminated UTF-16LE string.
// The empty string is encoded as a zero length with no characters.
func writeString(buf *bytes.Buffer, s string) error {
	if s == "" {
		return binary.Write(buf, binary.LittleEndian, uint32(0))
	}
	encoded, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return fmt.Errorf("encoding %q: %w", s, err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(encoded)/2+1)); err != nil {
		return err
	}
	buf.Write(encoded)
	buf.Write([]byte{0, 0})
	return nil
}

// readString is the inverse of writeString.
func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	if int64(n)*2 > int64(r.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	raw := make([]byte, int(n)*2)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", err
	}
	decoded, err := utf16le.NewDecoder().Bytes(raw[:len(raw)-2])
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// EncodeCollectTracing2 builds the CollectTracing2 payload for cfg.
func EncodeCollectTracing2(cfg SessionConfig) ([]byte, error) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, cfg.CircularBufferMB)
	_ = binary.Write(&buf, binary.LittleEndian, FormatNetTrace)
	if cfg.RequestRundown {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(cfg.Providers)))
	for _, p := range cfg.Providers {
		_ = binary.Write(&buf, binary.LittleEndian, p.Keywords)
		_ = binary.Write(&buf, binary.LittleEndian, p.Level)
		if err := writeString(&buf, p.Name); err != nil {
			return nil, err
		}
		if err := writeString(&buf, p.Filter); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeCollectTracing2 parses a CollectTracing2 payload. The diagnostics
// server side of the protocol is not implemented here; this is used to
// inspect requests.
func DecodeCollectTracing2(payload []byte) (SessionConfig, error) {
	r := bytes.NewReader(payload)
	var cfg SessionConfig
	var format uint32
	var rundown uint8
	var count uint32
	for _, v := range []any{&cfg.CircularBufferMB, &format, &rundown, &count} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding CollectTracing2: %w", err)
		}
	}
	if format != FormatNetTrace {
		return SessionConfig{}, fmt.Errorf("decoding CollectTracing2: format %d", format)
	}
	cfg.RequestRundown = rundown != 0
	for i := uint32(0); i < count; i++ {
		var p Provider
		if err := binary.Read(r, binary.LittleEndian, &p.Keywords); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding provider %d: %w", i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Level); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding provider %d: %w", i, err)
		}
		var err error
		if p.Name, err = readString(r); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding provider %d name: %w", i, err)
		}
		if p.Filter, err = readString(r); err != nil {
			return SessionConfig{}, fmt.Errorf("decoding provider %d filter: %w", i, err)
		}
		cfg.Providers = append(cfg.Providers, p)
	}
	return cfg, nil
}

// EncodeSessionID encodes the uint64 session id payload shared by StopTracing
// requests and CollectTracing responses.
func EncodeSessionID(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

// DecodeSessionID is the inverse of EncodeSessionID.
func DecodeSessionID(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("diagipc: session id payload of %d bytes", len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}
