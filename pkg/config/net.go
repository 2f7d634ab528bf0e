package config

import "time"

// NetConfig contains networking tuning options.
type NetConfig struct {
	DialBackoffInitialMS int `mapstructure:"dial_backoff_initial_ms"`
	DialBackoffMaxMS     int `mapstructure:"dial_backoff_max_ms"`
	DialBackoffJitterMS  int `mapstructure:"dial_backoff_jitter_ms"`
}

func (c NetConfig) BackoffInitial() time.Duration { return ms(c.DialBackoffInitialMS) }
func (c NetConfig) BackoffMax() time.Duration     { return ms(c.DialBackoffMaxMS) }
func (c NetConfig) BackoffJitter() time.Duration  { return ms(c.DialBackoffJitterMS) }
