package livox

// RawPoint is a device sample in millimetres.
type RawPoint struct {
	X, Y, Z      int32
	Reflectivity uint8
}

// Point is a relayed sample in metres.
type Point struct {
	X, Y, Z      float32
	Reflectivity uint8
}

// ConvertPoint scales a raw millimetre sample to metres.
func ConvertPoint(p RawPoint) Point {
	return Point{
		X:            float32(p.X) / 1000.0,
		Y:            float32(p.Y) / 1000.0,
		Z:            float32(p.Z) / 1000.0,
		Reflectivity: p.Reflectivity,
	}
}
