// Package corelog provides the single logrus instance every component
// derives its scoped entry from, so log output is structured and
// consistently shaped across the core.
package corelog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr) // stdout is reserved for the JSON-RPC wire protocol
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// For returns a component-scoped entry, e.g. corelog.For("cdp-client").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the base logger's level; used by the CLI's -v flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
