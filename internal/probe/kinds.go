package probe

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tinytelemetry/gauge/internal/model"
)

const (
	sensorsBin     = "sensors"
	intelGPUTopBin = "intel_gpu_top"

	// intel_gpu_top -J prints one JSON array whose elements arrive over time.
	intelGPUTopSeparators = "[],"
)

// SpecFor derives the probe invocation for src. interval is the sampling
// cadence; it becomes the probe's own refresh period where the probe has one.
func SpecFor(src model.SourceConfig, interval time.Duration) (Spec, error) {
	spec := Spec{
		Name:       src.Measurement(),
		Separators: src.Separators,
		Repeat:     src.Repeat(),
	}

	switch src.Kind {
	case model.KindSensors:
		spec.Binary = sensorsBin
		spec.Args = []string{"-j"}
		spec.VersionArgs = []string{"-v"}
		// sensors prints a single document and exits.
		if spec.Repeat <= 0 {
			spec.Repeat = interval
		}
	case model.KindIntelGPUTop:
		if src.Device == "" {
			return Spec{}, fmt.Errorf("source %q: intel_gpu_top needs a device", spec.Name)
		}
		spec.Binary = intelGPUTopBin
		spec.Args = []string{"-s", strconv.FormatInt(interval.Milliseconds(), 10), "-J", "-d", src.Device}
		spec.Separators = intelGPUTopSeparators + src.Separators
	case model.KindCommand:
		if src.Binary == "" {
			return Spec{}, fmt.Errorf("source %q: command needs a binary", spec.Name)
		}
		spec.Binary = src.Binary
		spec.Args = append([]string(nil), src.Args...)
	default:
		return Spec{}, fmt.Errorf("source %q: unknown kind %q", spec.Name, src.Kind)
	}
	if src.Binary != "" && src.Kind != model.KindCommand {
		// Allow overriding the probe path, e.g. /usr/sbin/intel_gpu_top.
		spec.Binary = src.Binary
	}
	return spec, nil
}
