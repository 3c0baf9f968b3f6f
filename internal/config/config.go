package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/forecourt.defaults.json"

// Point is a polygon vertex in image pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Config is the root configuration for the reconciliation daemon.
// All fields are pointers so that partial files fall back to the Get*
// defaults for anything they omit.
type Config struct {
	// Remote record-keeping service
	SiteID         *string `json:"site_id,omitempty"`
	BaseURL        *string `json:"base_url,omitempty"`
	PumpNumber     *string `json:"pump_number,omitempty"`
	RequestTimeout *string `json:"request_timeout,omitempty"` // duration string like "10s"
	MaxInFlight    *int    `json:"max_in_flight,omitempty"`

	// Ordering guard
	GracePeriod       *string `json:"grace_period,omitempty"`        // duration string like "2s"
	ExitOverrideAfter *string `json:"exit_override_after,omitempty"` // "" disables the override

	// Retry queue
	MaxPostAttempts *int    `json:"max_post_attempts,omitempty"`
	MaxPutAttempts  *int    `json:"max_put_attempts,omitempty"`
	RetryInterval   *string `json:"retry_interval,omitempty"`

	// Staleness reaper
	ReaperInterval *string `json:"reaper_interval,omitempty"`
	MaxDwell       *string `json:"max_dwell,omitempty"`
	Retention      *string `json:"retention,omitempty"`

	// Diagnostics
	AuditCapacity *int `json:"audit_capacity,omitempty"`

	// Monitored region polygon
	Region []Point `json:"region,omitempty"`
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }

// EmptyConfig returns a Config with all fields unset.
func EmptyConfig() *Config {
	return &Config{}
}

// DefaultConfig returns a Config with every field populated with its default.
func DefaultConfig() *Config {
	return &Config{
		SiteID:            ptrString("IOCL-1"),
		BaseURL:           ptrString("http://localhost:3000"),
		PumpNumber:        ptrString("1"),
		RequestTimeout:    ptrString("10s"),
		MaxInFlight:       ptrInt(10),
		GracePeriod:       ptrString("2s"),
		ExitOverrideAfter: ptrString(""),
		MaxPostAttempts:   ptrInt(3),
		MaxPutAttempts:    ptrInt(3),
		RetryInterval:     ptrString("5s"),
		ReaperInterval:    ptrString("30s"),
		MaxDwell:          ptrString("120s"),
		Retention:         ptrString("600s"),
		AuditCapacity:     ptrInt(1000),
	}
}

// LoadConfig loads a Config from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadConfig(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	durations := []struct {
		name  string
		value *string
	}{
		{"request_timeout", c.RequestTimeout},
		{"grace_period", c.GracePeriod},
		{"exit_override_after", c.ExitOverrideAfter},
		{"retry_interval", c.RetryInterval},
		{"reaper_interval", c.ReaperInterval},
		{"max_dwell", c.MaxDwell},
		{"retention", c.Retention},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.value)
		}
	}

	counts := []struct {
		name  string
		value *int
		min   int
	}{
		{"max_in_flight", c.MaxInFlight, 1},
		{"max_post_attempts", c.MaxPostAttempts, 1},
		{"max_put_attempts", c.MaxPutAttempts, 1},
		{"audit_capacity", c.AuditCapacity, 1},
	}
	for _, n := range counts {
		if n.value != nil && *n.value < n.min {
			return fmt.Errorf("%s must be at least %d, got %d", n.name, n.min, *n.value)
		}
	}

	if c.SiteID != nil && *c.SiteID == "" {
		return fmt.Errorf("site_id must not be empty")
	}

	if len(c.Region) > 0 && len(c.Region) < 3 {
		return fmt.Errorf("region needs at least 3 vertices, got %d", len(c.Region))
	}

	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// GetSiteID returns the site_id value or the default.
func (c *Config) GetSiteID() string { return stringOr(c.SiteID, "IOCL-1") }

// GetBaseURL returns the base_url value or the default.
func (c *Config) GetBaseURL() string { return stringOr(c.BaseURL, "http://localhost:3000") }

// GetPumpNumber returns the pump_number value or the default.
func (c *Config) GetPumpNumber() string { return stringOr(c.PumpNumber, "1") }

// GetRequestTimeout returns the request_timeout value or the default.
func (c *Config) GetRequestTimeout() time.Duration {
	return durationOr(c.RequestTimeout, 10*time.Second)
}

// GetMaxInFlight returns the max_in_flight value or the default.
func (c *Config) GetMaxInFlight() int { return intOr(c.MaxInFlight, 10) }

// GetGracePeriod returns the grace_period value or the default.
func (c *Config) GetGracePeriod() time.Duration {
	return durationOr(c.GracePeriod, 2*time.Second)
}

// GetExitOverrideAfter returns the exit_override_after value. Zero means
// deferred exits are never forced through.
func (c *Config) GetExitOverrideAfter() time.Duration {
	return durationOr(c.ExitOverrideAfter, 0)
}

// GetMaxPostAttempts returns the max_post_attempts value or the default.
func (c *Config) GetMaxPostAttempts() int { return intOr(c.MaxPostAttempts, 3) }

// GetMaxPutAttempts returns the max_put_attempts value or the default.
func (c *Config) GetMaxPutAttempts() int { return intOr(c.MaxPutAttempts, 3) }

// GetRetryInterval returns the retry_interval value or the default.
func (c *Config) GetRetryInterval() time.Duration {
	return durationOr(c.RetryInterval, 5*time.Second)
}

// GetReaperInterval returns the reaper_interval value or the default.
func (c *Config) GetReaperInterval() time.Duration {
	return durationOr(c.ReaperInterval, 30*time.Second)
}

// GetMaxDwell returns the max_dwell value or the default.
func (c *Config) GetMaxDwell() time.Duration {
	return durationOr(c.MaxDwell, 120*time.Second)
}

// GetRetention returns the retention value or the default.
func (c *Config) GetRetention() time.Duration {
	return durationOr(c.Retention, 600*time.Second)
}

// GetAuditCapacity returns the audit_capacity value or the default.
func (c *Config) GetAuditCapacity() int { return intOr(c.AuditCapacity, 1000) }
