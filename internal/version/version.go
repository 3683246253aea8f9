package version

import (
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build — данные сборки storefront.
type Build struct {
	Version string
	Commit  string
	Date    string
	Go      string
}

// Current возвращает данные текущей сборки.
func Current() Build {
	return Build{Version: version, Commit: commit, Date: date, Go: runtime.Version()}
}

// Version возвращает номер сборки для health endpoint.
func Version() string { return version }

// Fields возвращает поля сборки для лога при старте.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"version": b.Version,
		"commit":  b.Commit,
		"built":   b.Date,
		"go":      b.Go,
	}
}

// UserAgent собирает подпись HTTP-клиента вида storefront-<component>/<version>.
func (b Build) UserAgent(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		return "storefront/" + b.Version
	}
	return "storefront-" + component + "/" + b.Version
}

// KafkaClientID — та же подпись в алфавите client.id брокера: [A-Za-z0-9._-].
func (b Build) KafkaClientID(component string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, b.UserAgent(component))
}
