package validate

import (
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
)

// ClampInt parses raw as an integer and clamps it into [min, max].
// The default is returned (and a warning logged) when raw is empty, does not
// parse, or parses to NaN or an infinity. Out-of-range finite values are
// clamped, not defaulted.
func ClampInt(raw string, def, min, max int, log *logger.Logger, field string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return clamp(def, min, max)
	}

	// Accept float forms ("5.0") but reject NaN/Inf and non-numeric noise.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		if log != nil {
			log.Warn("invalid numeric input, using default",
				zap.String("field", field),
				zap.String("raw", raw),
				zap.Int("default", def))
		}
		return clamp(def, min, max)
	}

	return clamp(int(f), min, max)
}

// ClampIntValue clamps an already-parsed value into [min, max], logging when
// the value had to be adjusted.
func ClampIntValue(v, min, max int, log *logger.Logger, field string) int {
	clamped := clamp(v, min, max)
	if clamped != v && log != nil {
		log.Warn("numeric input out of range, clamping",
			zap.String("field", field),
			zap.Int("value", v),
			zap.Int("clamped", clamped))
	}
	return clamped
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
