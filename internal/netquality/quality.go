package netquality

import (
	"strings"
	"time"
)

// Quality is the coarse connection class every adaptive component keys on.
type Quality string

const (
	QualityFast    Quality = "fast"
	QualitySlow    Quality = "slow"
	QualityOffline Quality = "offline"
)

// Valid reports whether q is one of the three known classes.
func (q Quality) Valid() bool {
	switch q {
	case QualityFast, QualitySlow, QualityOffline:
		return true
	default:
		return false
	}
}

// NetworkInfo mirrors the network-information capability exposed by the
// platform. Downlink is in megabits per second.
type NetworkInfo struct {
	EffectiveType string        `json:"effectiveType"`
	Downlink      float64       `json:"downlink"`
	SaveData      bool          `json:"saveData"`
	RTT           time.Duration `json:"rtt"`
}

// Sample is a memoised quality measurement.
type Sample struct {
	Quality    Quality   `json:"quality"`
	MeasuredAt time.Time `json:"measuredAt"`
}

// Classifier maps an online connection's capability report to fast or slow.
type Classifier interface {
	Classify(info NetworkInfo) Quality
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(NetworkInfo) Quality

func (f ClassifierFunc) Classify(info NetworkInfo) Quality { return f(info) }

// slowDownlinkMbps is the threshold below which a link is treated as slow.
const slowDownlinkMbps = 2

// DefaultClassifier treats data-saver mode, 2g/3g effective types and a
// downlink under 2Mbps as slow.
var DefaultClassifier Classifier = ClassifierFunc(func(info NetworkInfo) Quality {
	if info.SaveData {
		return QualitySlow
	}
	switch strings.ToLower(strings.TrimSpace(info.EffectiveType)) {
	case "slow-2g", "2g", "3g":
		return QualitySlow
	}
	// A zero downlink means the platform did not report one.
	if info.Downlink > 0 && info.Downlink < slowDownlinkMbps {
		return QualitySlow
	}
	return QualityFast
})

// Source is the read-only view adaptive components take of a Monitor.
type Source interface {
	Quality() Quality
}

// Fixed is a Source that always reports the same class.
type Fixed Quality

func (f Fixed) Quality() Quality { return Quality(f) }
