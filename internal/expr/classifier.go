package expr

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/l0p7/governor/internal/netquality"
)

// DefaultSlowWhen is the CEL form of netquality.DefaultClassifier.
const DefaultSlowWhen = `saveData || effectiveType in ["slow-2g", "2g", "3g"] || (downlink > 0.0 && downlink < 2.0)`

// QualityClassifier marks a connection slow when its CEL policy evaluates to
// true. Evaluation errors fall back to netquality.DefaultClassifier.
type QualityClassifier struct {
	program Program
	logger  *slog.Logger
}

// NewQualityClassifier compiles a slow-when policy.
func NewQualityClassifier(slowWhen string, logger *slog.Logger) (*QualityClassifier, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(slowWhen)
	if err != nil {
		return nil, fmt.Errorf("expr: quality policy: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &QualityClassifier{program: program, logger: logger}, nil
}

func (c *QualityClassifier) Classify(info netquality.NetworkInfo) netquality.Quality {
	slow, err := c.program.EvalBool(map[string]any{
		"effectiveType": strings.ToLower(strings.TrimSpace(info.EffectiveType)),
		"downlink":      info.Downlink,
		"saveData":      info.SaveData,
		"rttMs":         info.RTT.Milliseconds(),
	})
	if err != nil {
		c.logger.Warn("quality policy evaluation failed", slog.String("policy", c.program.Source()), slog.Any("error", err))
		return netquality.DefaultClassifier.Classify(info)
	}
	if slow {
		return netquality.QualitySlow
	}
	return netquality.QualityFast
}

// Source returns the compiled policy.
func (c *QualityClassifier) Source() string { return c.program.Source() }
