package errtrack

import (
	"context"

	"github.com/jonwraymond/futuresfeed/observe"
)

// LogSink returns the default alert sink: it logs each alert at warn level.
func LogSink(logger observe.Logger) Sink {
	return SinkFunc(func(a Alert) {
		logger.Warn(context.Background(), "error rate alert",
			observe.F("kind", string(a.Kind)),
			observe.F("window_count", a.WindowCount),
			observe.F("rate_per_minute", a.RatePerMinute),
			observe.F("last_message", a.Last.Message),
			observe.F("severity", string(a.Last.Severity)),
		)
	})
}
