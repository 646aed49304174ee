// Package sampler pulls documents from a source queue and averages the
// configured numeric leaves over one cycle.
package sampler

import (
	"context"
	"errors"
	"fmt"

	"github.com/tinytelemetry/gauge/internal/model"
)

// ErrSourceClosed wraps the failure of a source whose job has stopped.
var ErrSourceClosed = errors.New("sampler: source closed")

// ExtractionError reports a value mapping that did not resolve to a number.
// It means the configuration does not match the probe's output.
type ExtractionError struct {
	Source  string
	Mapping string
	Path    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("source %q: value %q: no number at %q", e.Source, e.Mapping, e.Path)
}

// Receiver is the consuming end of a source queue.
type Receiver interface {
	Recv(ctx context.Context) (model.Document, error)
}

// Sample receives exactly count documents from rx and returns one Average per
// mapping, in mapping order. Any mapping that is missing or non-numeric in
// any document aborts the cycle with an *ExtractionError.
func Sample(ctx context.Context, source string, rx Receiver, values []model.ValueMapping, count int) ([]Average, error) {
	avgs := make([]Average, len(values))
	for n := 0; n < count; n++ {
		doc, err := rx.Recv(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %s after %d of %d documents: %w", ErrSourceClosed, source, n, count, err)
		}
		if err := accumulate(source, doc, values, avgs); err != nil {
			return nil, err
		}
	}
	return avgs, nil
}

func accumulate(source string, doc model.Document, values []model.ValueMapping, avgs []Average) error {
	for i, m := range values {
		v, ok := m.Path.Float64(doc)
		if !ok {
			return &ExtractionError{Source: source, Mapping: m.Name, Path: m.Path.String()}
		}
		avgs[i].Add(v)
	}
	return nil
}

// Averagers adapts averages for model.BuildPoint.
func Averagers(avgs []Average) []model.Averager {
	out := make([]model.Averager, len(avgs))
	for i := range avgs {
		out[i] = avgs[i]
	}
	return out
}
