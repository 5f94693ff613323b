package can

import "encoding/binary"

// HealthSize is the encoded size of Health.
const HealthSize = 20 * 4

// CAN controller status bits reported per bus in status frames.
const (
	StatusBusOff     uint8 = 0x80
	StatusWarning    uint8 = 0x40
	StatusPassive    uint8 = 0x20
	StatusTxPending  uint8 = 0x10
	StatusRxOverflow uint8 = 0x08
	StatusTxOverflow uint8 = 0x04
)

// Health mirrors the per-bus can_health_t record returned by GET_HEALTH.
type Health struct {
	BusOff                  uint32
	BusOffCnt               uint32
	ErrorWarning            uint32
	ErrorPassive            uint32
	LastError               uint32
	LastStoredError         uint32
	LastDataError           uint32
	LastDataStoredError     uint32
	ReceiveErrorCnt         uint32
	TransmitErrorCnt        uint32
	TotalErrorCnt           uint32
	TotalTxCnt              uint32
	TotalRxCnt              uint32
	TotalTxChecksumErrorCnt uint32
	TotalRxLostCnt          uint32
	TotalTxLostCnt          uint32
	TotalFwdCnt             uint32
	CanCoreResetCnt         uint32
	IRQ0CallRate            uint32
	IRQ1CallRate            uint32
}

func (h Health) fields() [20]uint32 {
	return [20]uint32{
		h.BusOff, h.BusOffCnt, h.ErrorWarning, h.ErrorPassive,
		h.LastError, h.LastStoredError, h.LastDataError, h.LastDataStoredError,
		h.ReceiveErrorCnt, h.TransmitErrorCnt, h.TotalErrorCnt,
		h.TotalTxCnt, h.TotalRxCnt, h.TotalTxChecksumErrorCnt,
		h.TotalRxLostCnt, h.TotalTxLostCnt, h.TotalFwdCnt,
		h.CanCoreResetCnt, h.IRQ0CallRate, h.IRQ1CallRate,
	}
}

// AppendBinary appends the little endian encoding of h.
func (h Health) AppendBinary(dst []byte) []byte {
	for _, v := range h.fields() {
		dst = binary.LittleEndian.AppendUint32(dst, v)
	}
	return dst
}

// StatusByte folds the controller state into the status frame bit set.
func (h Health) StatusByte() uint8 {
	var s uint8
	if h.BusOff != 0 {
		s |= StatusBusOff
	}
	if h.ErrorWarning != 0 {
		s |= StatusWarning
	}
	if h.ErrorPassive != 0 {
		s |= StatusPassive
	}
	if h.TotalRxLostCnt != 0 {
		s |= StatusRxOverflow
	}
	if h.TotalTxLostCnt != 0 {
		s |= StatusTxOverflow
	}
	return s
}
