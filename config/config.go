// Package config loads runtime settings from the environment and rejects
// values the server cannot safely start with.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	defaultRetentionWeeks = 4
	defaultLogFileBytes   = 100 << 20
	defaultBodyBytes      = 1 << 20
	defaultHeaderBytes    = 1 << 20

	// byteLimitCeiling caps MAX_REQUEST_BODY and MAX_HEADER_SIZE.
	byteLimitCeiling = 100 << 20
)

// Config carries every setting the server reads at startup.
type Config struct {
	Port              string
	Address           string
	Env               string
	LogLevel          string
	LogRetentionWeeks int   // weekly log files kept before the sweeper removes them
	MaxLogFileSize    int64 // bytes written to a log file before it is split
	MaxRequestBody    int64 // request body cap in bytes
	MaxHeaderSize     int64 // request header cap in bytes

	PricingBaseURL        string // remote pricing service
	CatalogURL            string // published biomarker catalog export
	LabsConfig            string // lab registry YAML path
	DefaultPricingContext string // pricing context for carts that never set one
	ShareBaseURL          string // scheme and host share links point at
	SharePath             string // app path share links point at
	DefaultLocale         string // locale omitted from share link paths
	SessionTTLMinutes     int    // idle minutes before a cart session is swept
}

// envVarNames lists every variable Load reads. Tests iterate it to reset
// the environment between cases.
var envVarNames = []string{
	"PORT",
	"ADDRESS",
	"ENV",
	"LOG_LEVEL",
	"LOG_RETENTION_WEEKS",
	"MAX_LOG_FILE_SIZE",
	"MAX_REQUEST_BODY",
	"MAX_HEADER_SIZE",
	"PRICING_BASE_URL",
	"CATALOG_URL",
	"LABS_CONFIG",
	"DEFAULT_PRICING_CONTEXT",
	"SHARE_BASE_URL",
	"SHARE_PATH",
	"DEFAULT_LOCALE",
	"SESSION_TTL_MINUTES",
}

// Load reads the environment, fills in defaults suited to local
// development, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              envOr("PORT", "8000"),
		Address:           envOr("ADDRESS", "127.0.0.1"),
		Env:               envOr("ENV", "dev"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogRetentionWeeks: envIntOr("LOG_RETENTION_WEEKS", defaultRetentionWeeks),
		MaxLogFileSize:    envInt64Or("MAX_LOG_FILE_SIZE", defaultLogFileBytes),
		MaxRequestBody:    envInt64Or("MAX_REQUEST_BODY", defaultBodyBytes),
		MaxHeaderSize:     envInt64Or("MAX_HEADER_SIZE", defaultHeaderBytes),

		PricingBaseURL:        envOr("PRICING_BASE_URL", "https://pricing.panelyt.com"),
		CatalogURL:            envOr("CATALOG_URL", "https://pricing.panelyt.com/v1/biomarkers/catalog.csv"),
		LabsConfig:            envOr("LABS_CONFIG", "labs.yaml"),
		DefaultPricingContext: os.Getenv("DEFAULT_PRICING_CONTEXT"),
		ShareBaseURL:          envOr("SHARE_BASE_URL", "https://panelyt.com"),
		SharePath:             envOr("SHARE_PATH", "/panel"),
		DefaultLocale:         envOr("DEFAULT_LOCALE", "pl"),
		SessionTTLMinutes:     envIntOr("SESSION_TTL_MINUTES", 30),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// EnvVars returns the names of all environment variables the server reads.
func EnvVars() []string {
	names := make([]string, len(envVarNames))
	copy(names, envVarNames)
	return names
}

func (c *Config) validate() error {
	for _, err := range []error{
		checkPort(c.Port),
		checkAddress(c.Address),
		oneOf("ENV", c.Env, "dev", "staging", "prod", "test"),
		oneOf("LOG_LEVEL", c.LogLevel, "debug", "info", "warn", "error"),
		checkByteLimit("MAX_REQUEST_BODY", c.MaxRequestBody),
		checkByteLimit("MAX_HEADER_SIZE", c.MaxHeaderSize),
		checkLogRetention(c.LogRetentionWeeks),
		checkLogFileSize(c.MaxLogFileSize),
		checkServiceURL("PRICING_BASE_URL", c.PricingBaseURL),
		checkServiceURL("CATALOG_URL", c.CatalogURL),
		checkServiceURL("SHARE_BASE_URL", c.ShareBaseURL),
		checkSharePath(c.SharePath),
		checkLabsConfig(c.LabsConfig),
		checkPricingContext(c.DefaultPricingContext),
		checkLocale(c.DefaultLocale),
		checkSessionTTL(c.SessionTTLMinutes),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// checkPort accepts only unprivileged TCP ports.
func checkPort(port string) error {
	if port == "" {
		return errors.New("PORT is not set")
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("PORT %q is not a number", port)
	}
	switch {
	case n < 1 || n > 65535:
		return fmt.Errorf("PORT %d is outside 1-65535", n)
	case n < 1024:
		return fmt.Errorf("PORT %d is privileged, pick one above 1023", n)
	}
	return nil
}

// checkAddress accepts loopback and private addresses. Binding a public
// interface is refused; this server sits behind a reverse proxy.
func checkAddress(address string) error {
	if address == "" {
		return errors.New("ADDRESS is not set")
	}
	if address == "localhost" {
		return nil
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("ADDRESS %q is neither an IP address nor localhost", address)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("ADDRESS %s is public, bind a loopback or private address", address)
	}
	return nil
}

func oneOf(name, value string, allowed ...string) error {
	if value == "" {
		return fmt.Errorf("%s is not set", name)
	}
	value = strings.ToLower(value)
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

func checkByteLimit(name string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, size)
	}
	if size > byteLimitCeiling {
		return fmt.Errorf("%s %d exceeds the %d byte ceiling", name, size, int64(byteLimitCeiling))
	}
	return nil
}

func checkLogRetention(weeks int) error {
	if weeks < 1 || weeks > 52 {
		return fmt.Errorf("LOG_RETENTION_WEEKS %d is outside 1-52", weeks)
	}
	return nil
}

func checkLogFileSize(size int64) error {
	if size < 1<<20 || size > 1<<30 {
		return fmt.Errorf("MAX_LOG_FILE_SIZE %d is outside 1MB-1GB", size)
	}
	return nil
}

// checkServiceURL accepts absolute http(s) URLs with a host.
func checkServiceURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is not set", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s does not parse as a URL: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", name, raw)
	}
	return nil
}

// checkSharePath keeps share links joinable: absolute, no trailing slash.
func checkSharePath(path string) error {
	if path == "" {
		return errors.New("SHARE_PATH is not set")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("SHARE_PATH %q does not start with /", path)
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return fmt.Errorf("SHARE_PATH %q ends with /", path)
	}
	return nil
}

func checkLabsConfig(path string) error {
	if path == "" {
		return errors.New("LABS_CONFIG is not set")
	}
	return nil
}

// checkPricingContext allows the empty string: no institution preselected.
func checkPricingContext(pricingContext string) error {
	if pricingContext == "" {
		return nil
	}
	if len(pricingContext) > 16 {
		return fmt.Errorf("DEFAULT_PRICING_CONTEXT is longer than 16 characters: %q", pricingContext)
	}
	for _, r := range pricingContext {
		if r < '0' || r > '9' {
			return fmt.Errorf("DEFAULT_PRICING_CONTEXT must be digits, got %q", pricingContext)
		}
	}
	return nil
}

func checkLocale(locale string) error {
	if len(locale) != 2 {
		return fmt.Errorf("DEFAULT_LOCALE %q is not a two-letter code", locale)
	}
	for _, r := range locale {
		if r < 'a' || r > 'z' {
			return fmt.Errorf("DEFAULT_LOCALE %q is not lowercase", locale)
		}
	}
	return nil
}

func checkSessionTTL(minutes int) error {
	if minutes < 1 || minutes > 24*60 {
		return fmt.Errorf("SESSION_TTL_MINUTES %d is outside 1-1440", minutes)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
