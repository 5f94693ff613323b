package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Control request codes understood by the gateway.
const (
	CmdReset            uint8 = 0xC0
	CmdGetVersion       uint8 = 0xD0
	CmdSetSafetyMode    uint8 = 0xDC
	CmdSetCANSpeed      uint8 = 0xDD
	CmdGetHealth        uint8 = 0xDE
	CmdHeartbeat        uint8 = 0xF1
	CmdSetCANFDDataRate uint8 = 0xF9
)

// USB request types used by host libraries.
const (
	RequestTypeOut uint8 = 0x40 // vendor, host to device
	RequestTypeIn  uint8 = 0xC0 // vendor, device to host
)

// ErrorCode is carried by error frames.
type ErrorCode uint8

const (
	ErrCodeNone         ErrorCode = 0x00
	ErrCodeInvalidFrame ErrorCode = 0x01
	ErrCodeChecksum     ErrorCode = 0x02
	ErrCodeTimeout      ErrorCode = 0x03
	ErrCodeBufferFull   ErrorCode = 0x04
	ErrCodeUnsupported  ErrorCode = 0x05
	ErrCodeCANFailed    ErrorCode = 0x06
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeNone:
		return "none"
	case ErrCodeInvalidFrame:
		return "invalid_frame"
	case ErrCodeChecksum:
		return "checksum"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeBufferFull:
		return "buffer_full"
	case ErrCodeUnsupported:
		return "unsupported"
	case ErrCodeCANFailed:
		return "can_failed"
	default:
		return fmt.Sprintf("code(0x%02X)", uint8(c))
	}
}

const (
	ControlHeaderSize = 8
	BulkHeaderSize    = 4
	StatusSize        = 34
	ErrorInfoSize     = 36
	errorMessageSize  = 32
)

// ControlRequest mirrors a USB control transfer setup packet plus its data.
// Length is the setup wLength: the number of data bytes that follow for OUT
// requests, the maximum response size for IN requests.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Data        []byte
}

// NewControl builds an OUT request carrying data.
func NewControl(request uint8, value, index uint16, data []byte) ControlRequest {
	return ControlRequest{RequestType: RequestTypeOut, Request: request, Value: value, Index: index, Length: uint16(len(data)), Data: data}
}

func (c ControlRequest) AppendTo(dst []byte) []byte {
	dst = append(dst, c.RequestType, c.Request)
	dst = binary.LittleEndian.AppendUint16(dst, c.Value)
	dst = binary.LittleEndian.AppendUint16(dst, c.Index)
	dst = binary.LittleEndian.AppendUint16(dst, c.Length)
	return append(dst, c.Data...)
}

func (c ControlRequest) Marshal() []byte {
	return c.AppendTo(make([]byte, 0, ControlHeaderSize+len(c.Data)))
}

// ParseControl decodes a control sub-frame. Data beyond Length is ignored.
func ParseControl(p []byte) (ControlRequest, error) {
	if len(p) < ControlHeaderSize {
		return ControlRequest{}, fmt.Errorf("%w: control header %d bytes", ErrShortFrame, len(p))
	}
	c := ControlRequest{
		RequestType: p[0],
		Request:     p[1],
		Value:       binary.LittleEndian.Uint16(p[2:4]),
		Index:       binary.LittleEndian.Uint16(p[4:6]),
		Length:      binary.LittleEndian.Uint16(p[6:8]),
	}
	data := p[ControlHeaderSize:]
	if int(c.Length) < len(data) {
		data = data[:c.Length]
	}
	if len(data) > 0 {
		c.Data = append([]byte(nil), data...)
	}
	return c, nil
}

// Bulk is a bulk endpoint transfer.
type Bulk struct {
	Endpoint uint8
	Data     []byte
}

func (b Bulk) AppendTo(dst []byte) []byte {
	dst = append(dst, b.Endpoint, 0, 0, 0)
	return append(dst, b.Data...)
}

func (b Bulk) Marshal() []byte { return b.AppendTo(make([]byte, 0, BulkHeaderSize+len(b.Data))) }

// ParseBulk decodes a bulk sub-frame. Data aliases p.
func ParseBulk(p []byte) (Bulk, error) {
	if len(p) < BulkHeaderSize {
		return Bulk{}, fmt.Errorf("%w: bulk header %d bytes", ErrShortFrame, len(p))
	}
	return Bulk{Endpoint: p[0], Data: p[BulkHeaderSize:]}, nil
}

// Status is the periodic status report.
type Status struct {
	UptimeMs     uint32
	RxCount      [3]uint32
	TxCount      [3]uint32
	ErrorCount   uint16
	CANStatus    [3]uint8
	SystemStatus uint8
}

// System status bits.
const (
	SystemFailSafe  uint8 = 0x01
	SystemHeartbeat uint8 = 0x02 // host heartbeat seen within the timeout
)

func (s Status) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, s.UptimeMs)
	for _, v := range s.RxCount {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	for _, v := range s.TxCount {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	dst = binary.LittleEndian.AppendUint16(dst, s.ErrorCount)
	dst = append(dst, s.CANStatus[:]...)
	return append(dst, s.SystemStatus)
}

func (s Status) Marshal() []byte { return s.AppendTo(make([]byte, 0, StatusSize)) }

func ParseStatus(p []byte) (Status, error) {
	var s Status
	if len(p) < StatusSize {
		return s, fmt.Errorf("%w: status %d bytes", ErrShortFrame, len(p))
	}
	s.UptimeMs = binary.LittleEndian.Uint32(p[0:4])
	for i := range s.RxCount {
		s.RxCount[i] = binary.LittleEndian.Uint32(p[4+4*i:])
	}
	for i := range s.TxCount {
		s.TxCount[i] = binary.LittleEndian.Uint32(p[16+4*i:])
	}
	s.ErrorCount = binary.LittleEndian.Uint16(p[28:30])
	copy(s.CANStatus[:], p[30:33])
	s.SystemStatus = p[33]
	return s, nil
}

// ErrorInfo is the payload of an error frame.
type ErrorInfo struct {
	Code    ErrorCode
	Source  uint8 // endpoint or frame type the error relates to
	Data    uint16
	Message string // truncated to 32 bytes on the wire
}

func (e ErrorInfo) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(e.Code), e.Source)
	dst = binary.LittleEndian.AppendUint16(dst, e.Data)
	var msg [errorMessageSize]byte
	copy(msg[:], e.Message)
	return append(dst, msg[:]...)
}

func (e ErrorInfo) Marshal() []byte { return e.AppendTo(make([]byte, 0, ErrorInfoSize)) }

func (e ErrorInfo) Error() string {
	return fmt.Sprintf("remote error %s (source=%d data=%d): %s", e.Code, e.Source, e.Data, e.Message)
}

func ParseErrorInfo(p []byte) (ErrorInfo, error) {
	if len(p) < ErrorInfoSize {
		return ErrorInfo{}, fmt.Errorf("%w: error info %d bytes", ErrShortFrame, len(p))
	}
	msg := p[4:ErrorInfoSize]
	if i := bytes.IndexByte(msg, 0); i >= 0 {
		msg = msg[:i]
	}
	return ErrorInfo{
		Code:    ErrorCode(p[0]),
		Source:  p[1],
		Data:    binary.LittleEndian.Uint16(p[2:4]),
		Message: string(msg),
	}, nil
}
