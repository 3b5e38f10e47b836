package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPPort:        8080,
		NotifierPort:    8081,
		BusEndpoint:     "data/bus.db",
		StoreEndpoint:   "data/store.db",
		AdapterEndpoint: "",
		TokenSecret:     "",
		TokenExpiry:     24 * time.Hour,

		CompressionEnabled: false,
		RateLimitEnabled:   false,

		Retention: RetentionConfig{
			HotDays:  30,
			WarmDays: 365,
		},

		MerkleWindowSize: time.Hour,
		MaxDeliver:       3,
		RoomMemberLimit:  1000,

		AllowAllOrigins: false,
	}
}
