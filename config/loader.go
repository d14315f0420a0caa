// Package config loads beepd's listener configuration, following
// marmos91-dittofs's pkg/config layering: the listener list comes from a
// static file, and the runtime settings from environment variables (via
// spf13/viper, BEEP_ prefix) over built-in defaults.
// Unlike dittofs's YAML, the listener file itself is the small
// BEEP-flavored XML grammar (<listener><hostname/><port/></listener>) the
// package frame/greeting already hand-parses elsewhere in this module, so
// the listener list uses encoding/xml directly rather than pulling in a
// second document format.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// ListenerSpec is one <listener> entry: the network address beepd should
// bind, the profile it serves, and SASL-style tuning-reset requirements.
type ListenerSpec struct {
	Hostname     string `xml:"hostname"`
	Port         int    `xml:"port"`
	ProfileURI   string `xml:"profile"`
	RequireTuned bool   `xml:"requireTuned"`
}

// listenersDoc is the XML root: <listeners><listener>...</listener>...</listeners>.
type listenersDoc struct {
	XMLName   xml.Name       `xml:"listeners"`
	Listeners []ListenerSpec `xml:"listener"`
}

// Runtime holds the process-wide tunables, loaded from environment
// variables with BEEP_ prefix (e.g. BEEP_WORKER_POOL_SIZE,
// BEEP_DEFAULT_TIMEOUT) over built-in defaults. Only those two tiers exist:
// no command-line flag or file value is layered onto these settings.
type Runtime struct {
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	DefaultWindow  int           `mapstructure:"default_window"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
}

// Loader parses listener files and resolves the Runtime overlay.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a Loader with BEEP_ environment variable binding
// configured and Runtime defaults populated.
func NewLoader() *Loader {
	v := viper.New()
	v.SetEnvPrefix("beep")
	v.AutomaticEnv()
	v.SetDefault("worker_pool_size", 64)
	v.SetDefault("default_window", 32*1024)
	v.SetDefault("default_timeout", 30*time.Second)
	v.SetDefault("metrics_addr", ":9090")
	return &Loader{v: v}
}

// Runtime resolves the process-wide Runtime settings from the environment
// and defaults.
func (l *Loader) Runtime() (*Runtime, error) {
	var rt Runtime
	if err := l.v.Unmarshal(&rt); err != nil {
		return nil, fmt.Errorf("config: decode runtime settings: %w", err)
	}
	return &rt, nil
}

// LoadListeners parses a <listeners> file at path.
func (l *Loader) LoadListeners(path string) ([]ListenerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var doc listenersDoc
	if err := xml.NewDecoder(f).Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	for i, spec := range doc.Listeners {
		if spec.Hostname == "" {
			return nil, fmt.Errorf("config: listener %d missing hostname", i)
		}
		if spec.Port <= 0 || spec.Port > 65535 {
			return nil, fmt.Errorf("config: listener %d has invalid port %d", i, spec.Port)
		}
	}
	return doc.Listeners, nil
}

// Addr renders a ListenerSpec's host:port for net.Listen.
func (s ListenerSpec) Addr() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.Port)
}
