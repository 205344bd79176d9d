// Package obs sets up logging and tracing.
package obs

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/config"
)

// NewLogger builds the process logger.  An unknown level falls back to
// info; any format other than "text" gives JSON.
func NewLogger(cfg config.LogConfig, service string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	if strings.EqualFold(cfg.Format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l.WithField("service", service)
}
