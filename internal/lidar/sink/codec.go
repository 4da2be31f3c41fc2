// Package sink carries published frames to downstream consumers: gRPC
// subscribers, an MQTT broker, a Kafka topic or Redis pub/sub.
package sink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// Wire layouts. Both binary layouts share the header; the binary layout
// then carries x, y, z and intensity as float32 (a 16-byte point step, as
// in a PointCloud2 message) and the half layout carries x, y, z as
// float16 plus the raw reflectivity byte.
const (
	magic            = "LVXF"
	layoutFloat32    = 1
	layoutHalf       = 2
	float32PointSize = 16
	halfPointSize    = 7
	fixedHeaderSize  = 4 + 1 + 1 + 2 + 8 + 8 + 4
)

var (
	ErrBadMagic     = errors.New("sink: not a frame")
	ErrShortFrame   = errors.New("sink: truncated frame")
	ErrUnknownCodec = errors.New("sink: unknown codec")
)

// Codec turns a frame into a message body.
type Codec interface {
	Name() string
	Encode(f *relay.Frame) ([]byte, error)
}

type codecFunc struct {
	name   string
	encode func(f *relay.Frame) ([]byte, error)
}

func (c codecFunc) Name() string                          { return c.name }
func (c codecFunc) Encode(f *relay.Frame) ([]byte, error) { return c.encode(f) }

var (
	BinaryCodec Codec = codecFunc{"binary", EncodeBinary}
	HalfCodec   Codec = codecFunc{"half", EncodeHalf}
	JSONCodec   Codec = codecFunc{"json", EncodeJSON}
)

// CodecByName resolves a configured codec name. Empty means binary.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "binary":
		return BinaryCodec, nil
	case "half":
		return HalfCodec, nil
	case "json":
		return JSONCodec, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

func appendHeader(b []byte, layout uint8, f *relay.Frame) []byte {
	b = append(b, magic...)
	b = append(b, layout, f.Handle, 0, 0)
	b = binary.LittleEndian.AppendUint64(b, f.Seq)
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Timestamp.UnixNano()))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(f.Points)))
	b = appendString(b, f.FrameID)
	b = appendString(b, f.BroadcastCode)
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...)
}

func headerLen(f *relay.Frame) int {
	return fixedHeaderSize + 2 + len(f.FrameID) + 2 + len(f.BroadcastCode)
}

// EncodeBinary writes the float32 layout.
func EncodeBinary(f *relay.Frame) ([]byte, error) {
	b := make([]byte, 0, headerLen(f)+float32PointSize*len(f.Points))
	b = appendHeader(b, layoutFloat32, f)
	for i, p := range f.Points {
		intensity := float32(p.Reflectivity)
		if i < len(f.Intensity) {
			intensity = f.Intensity[i]
		}
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.X))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Y))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(p.Z))
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(intensity))
	}
	return b, nil
}

// EncodeHalf writes the float16 layout. Coordinates lose precision beyond
// roughly three significant digits.
func EncodeHalf(f *relay.Frame) ([]byte, error) {
	b := make([]byte, 0, headerLen(f)+halfPointSize*len(f.Points))
	b = appendHeader(b, layoutHalf, f)
	for _, p := range f.Points {
		b = binary.LittleEndian.AppendUint16(b, float16.Fromfloat32(p.X).Bits())
		b = binary.LittleEndian.AppendUint16(b, float16.Fromfloat32(p.Y).Bits())
		b = binary.LittleEndian.AppendUint16(b, float16.Fromfloat32(p.Z).Bits())
		b = append(b, p.Reflectivity)
	}
	return b, nil
}

// Decode reads either binary layout back into a frame.
func Decode(b []byte) (*relay.Frame, error) {
	if len(b) < fixedHeaderSize {
		return nil, ErrShortFrame
	}
	if string(b[:4]) != magic {
		return nil, ErrBadMagic
	}
	layout := b[4]
	f := &relay.Frame{
		Handle:    b[5],
		Seq:       binary.LittleEndian.Uint64(b[8:16]),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(b[16:24]))).UTC(),
	}
	n := int(binary.LittleEndian.Uint32(b[24:28]))
	rest := b[fixedHeaderSize:]

	var err error
	if f.FrameID, rest, err = readString(rest); err != nil {
		return nil, err
	}
	if f.BroadcastCode, rest, err = readString(rest); err != nil {
		return nil, err
	}

	var step int
	switch layout {
	case layoutFloat32:
		step = float32PointSize
	case layoutHalf:
		step = halfPointSize
	default:
		return nil, fmt.Errorf("sink: unknown layout %d", layout)
	}
	if len(rest) < n*step {
		return nil, ErrShortFrame
	}

	f.Points = make([]livox.Point, n)
	f.Intensity = make([]float32, n)
	for i := range f.Points {
		p := rest[i*step:]
		if layout == layoutFloat32 {
			intensity := math.Float32frombits(binary.LittleEndian.Uint32(p[12:16]))
			f.Points[i] = livox.Point{
				X:            math.Float32frombits(binary.LittleEndian.Uint32(p[0:4])),
				Y:            math.Float32frombits(binary.LittleEndian.Uint32(p[4:8])),
				Z:            math.Float32frombits(binary.LittleEndian.Uint32(p[8:12])),
				Reflectivity: uint8(intensity),
			}
			f.Intensity[i] = intensity
			continue
		}
		f.Points[i] = livox.Point{
			X:            float16.Frombits(binary.LittleEndian.Uint16(p[0:2])).Float32(),
			Y:            float16.Frombits(binary.LittleEndian.Uint16(p[2:4])).Float32(),
			Z:            float16.Frombits(binary.LittleEndian.Uint16(p[4:6])).Float32(),
			Reflectivity: p[6],
		}
		f.Intensity[i] = float32(p[6])
	}
	return f, nil
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrShortFrame
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+n {
		return "", nil, ErrShortFrame
	}
	return string(b[2 : 2+n]), b[2+n:], nil
}

type jsonFrame struct {
	FrameID       string       `json:"frame_id"`
	Seq           uint64       `json:"seq"`
	Handle        uint8        `json:"handle"`
	BroadcastCode string       `json:"broadcast_code"`
	Timestamp     time.Time    `json:"timestamp"`
	Points        [][4]float32 `json:"points"`
}

// EncodeJSON writes the frame as a JSON document with one
// [x, y, z, intensity] array per point.
func EncodeJSON(f *relay.Frame) ([]byte, error) {
	doc := jsonFrame{
		FrameID:       f.FrameID,
		Seq:           f.Seq,
		Handle:        f.Handle,
		BroadcastCode: f.BroadcastCode,
		Timestamp:     f.Timestamp,
		Points:        make([][4]float32, len(f.Points)),
	}
	for i, p := range f.Points {
		intensity := float32(p.Reflectivity)
		if i < len(f.Intensity) {
			intensity = f.Intensity[i]
		}
		doc.Points[i] = [4]float32{p.X, p.Y, p.Z, intensity}
	}
	return json.Marshal(doc)
}
