package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a service-tagged logger. JSON output everywhere except dev,
// where plain text is easier to read.
func New(env, level, service string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if env == "dev" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log.WithField("service", service)
}
