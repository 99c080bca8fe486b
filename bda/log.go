package bda

import "github.com/sirupsen/logrus"

// entryOrDefault returns log, or a package-default entry tagged
// component=bda if log is nil. Initialize, Load and Identify accept an
// optional *logrus.Entry so callers embedding bda in a larger service
// can fold its log lines into their own structured logger. Wipe,
// SaveState and LoadState take no logger argument.
func entryOrDefault(log *logrus.Entry) *logrus.Entry {
	if log != nil {
		return log
	}
	return logrus.StandardLogger().WithField("component", "bda")
}
