package prometheus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var logEntries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cas_log_entries_total",
	Help: "Log messages emitted, by level and package prefix.",
}, []string{"level", "prefix"})

// LogrusCollector is a logrus hook counting log messages per level and
// package prefix.
type LogrusCollector struct{}

// NewLogrusCollector returns the hook; install it with logrus.AddHook.
func NewLogrusCollector() *LogrusCollector {
	return &LogrusCollector{}
}

// Fire is called for every log entry at a supported level.
func (*LogrusCollector) Fire(entry *logrus.Entry) error {
	prefix := "global"
	if value, ok := entry.Data["prefix"]; ok {
		prefix, ok = value.(string)
		if !ok {
			return errors.New("prefix field is not a string")
		}
	}
	logEntries.WithLabelValues(entry.Level.String(), prefix).Inc()
	return nil
}

// Levels limits the hook to the levels worth counting.
func (*LogrusCollector) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}
