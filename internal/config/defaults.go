package config

import "thk/internal/domain"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Policy: PolicyConfig{
			AuditEnabled: true,
			RateLimit:    domain.DefaultRateLimit,
		},
		Server: ServerConfig{
			SocketPath: "/run/thk/thk.sock",
			SocketMode: "0666",
		},
		HTTP: HTTPConfig{
			Enabled:         false,
			Host:            "127.0.0.1",
			Port:            8787,
			DefaultIdentity: 65534, // nobody
			TokenTTLHours:   24,
		},
		Audit: AuditConfig{
			QueueSize:     1024,
			SinkTimeoutMs: 2000,
			SQLite: SQLiteConfig{
				Enabled:       true,
				DBPath:        "/var/lib/thk/audit.db",
				RetentionDays: 90,
			},
			MQTT: MQTTConfig{
				ClientID: "thk",
				Topic:    "thk/audit",
				QoS:      1,
			},
		},
		RateLimiter: RateLimiterConfig{
			Backend:       "memory",
			WindowSeconds: 60,
			MaxEntries:    65536,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "thk:rl:",
			},
		},
		Exec: ExecConfig{
			Timeout:        30,
			MaxOutputBytes: 65536,
			Shell:          "/bin/sh",
		},
	}
}
