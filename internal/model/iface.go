package model

import "context"

// PointWriter is the downstream sink contract. WritePoints is called exactly
// once per completed cycle with every point that cycle produced.
type PointWriter interface {
	WritePoints(ctx context.Context, points []Point) error
}

// PointReader provides read access to the most recently stored points.
type PointReader interface {
	LatestPoints(ctx context.Context, limit int) ([]Point, error)
}

// PointStore is a sink that can also be queried.
type PointStore interface {
	PointWriter
	PointReader
}
