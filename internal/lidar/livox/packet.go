package livox

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TimestampType tells how the header timestamp should be interpreted.
type TimestampType uint8

const (
	TimestampNoSync TimestampType = iota
	TimestampPTP
	TimestampReserved
	TimestampPPSGPS
	TimestampPPS
	TimestampUnknown
)

// SupportsLossDetection reports whether timestamps of this type are
// monotonic nanosecond counters that can be compared across batches.
func (t TimestampType) SupportsLossDetection() bool {
	switch t {
	case TimestampNoSync, TimestampPTP, TimestampPPS:
		return true
	default:
		return false
	}
}

// DataType is the point encoding carried by a packet.
type DataType uint8

const (
	DataTypeCartesian DataType = iota
	DataTypeSpherical
	DataTypeExtendCartesian
)

const (
	// HeaderSize is the fixed size of an Ethernet data packet header.
	HeaderSize = 18

	cartesianPointSize       = 13
	extendCartesianPointSize = 14
)

var (
	ErrShortPacket         = errors.New("livox: packet shorter than header")
	ErrUnsupportedDataType = errors.New("livox: unsupported point data type")
)

// Header is the fixed prefix of every data packet.
type Header struct {
	Version       uint8
	Slot          uint8
	LidarID       uint8
	ErrorCode     uint32
	TimestampType TimestampType
	DataType      DataType
	// Timestamp is in nanoseconds for every supported TimestampType.
	Timestamp uint64
}

// Batch is one delivery unit from a device.
type Batch struct {
	Header Header
	Points []RawPoint
}

// ParsePacket decodes a little-endian data packet. Trailing bytes that do
// not form a whole point are ignored.
func ParsePacket(b []byte) (*Batch, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	h := Header{
		Version:       b[0],
		Slot:          b[1],
		LidarID:       b[2],
		ErrorCode:     binary.LittleEndian.Uint32(b[4:8]),
		TimestampType: TimestampType(b[8]),
		DataType:      DataType(b[9]),
		Timestamp:     binary.LittleEndian.Uint64(b[10:18]),
	}

	var size int
	switch h.DataType {
	case DataTypeCartesian:
		size = cartesianPointSize
	case DataTypeExtendCartesian:
		size = extendCartesianPointSize
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDataType, h.DataType)
	}

	payload := b[HeaderSize:]
	n := len(payload) / size
	points := make([]RawPoint, n)
	for i := range points {
		p := payload[i*size:]
		points[i] = RawPoint{
			X:            int32(binary.LittleEndian.Uint32(p[0:4])),
			Y:            int32(binary.LittleEndian.Uint32(p[4:8])),
			Z:            int32(binary.LittleEndian.Uint32(p[8:12])),
			Reflectivity: p[12],
		}
	}
	return &Batch{Header: h, Points: points}, nil
}

// EncodePacket is the inverse of ParsePacket. Extended points are written
// with a zero tag byte.
func EncodePacket(batch *Batch) ([]byte, error) {
	var size int
	switch batch.Header.DataType {
	case DataTypeCartesian:
		size = cartesianPointSize
	case DataTypeExtendCartesian:
		size = extendCartesianPointSize
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDataType, batch.Header.DataType)
	}

	h := batch.Header
	b := make([]byte, HeaderSize+size*len(batch.Points))
	b[0] = h.Version
	b[1] = h.Slot
	b[2] = h.LidarID
	binary.LittleEndian.PutUint32(b[4:8], h.ErrorCode)
	b[8] = uint8(h.TimestampType)
	b[9] = uint8(h.DataType)
	binary.LittleEndian.PutUint64(b[10:18], h.Timestamp)

	for i, pt := range batch.Points {
		p := b[HeaderSize+i*size:]
		binary.LittleEndian.PutUint32(p[0:4], uint32(pt.X))
		binary.LittleEndian.PutUint32(p[4:8], uint32(pt.Y))
		binary.LittleEndian.PutUint32(p[8:12], uint32(pt.Z))
		p[12] = pt.Reflectivity
	}
	return b, nil
}
