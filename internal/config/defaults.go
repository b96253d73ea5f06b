package config

import "time"

const (
	DefaultNativeAddr   = ":9225"
	DefaultCDPAddr      = ":9222"
	DefaultUpstreamAddr = ":9224"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"

	DefaultPingInterval = 5 * time.Second

	// BrowserVersion is what /json/version and Browser.getVersion report.
	DefaultBrowserVersion  = "Chrome/BROP-Gateway"
	DefaultProtocolVersion = "1.3"
	DefaultUserAgent       = "Mozilla/5.0 (BROP Gateway) Chrome/120.0.0.0"
)

// Default returns a Config with every field set to its default.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Native:   DefaultNativeAddr,
			CDP:      DefaultCDPAddr,
			Upstream: DefaultUpstreamAddr,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Upstream: UpstreamConfig{
			PingInterval: DefaultPingInterval,
		},
		Browser: BrowserConfig{
			Version:         DefaultBrowserVersion,
			ProtocolVersion: DefaultProtocolVersion,
			UserAgent:       DefaultUserAgent,
		},
	}
}
