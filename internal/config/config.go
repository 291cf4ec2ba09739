package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds deployment settings read from the environment.
type Config struct {
	ClientID          string
	RedirectURI       string
	APIURL            string
	TokenDir          string
	RequestsPerSecond float64
	MetricsAddr       string
}

const defaultRequestsPerSecond = 10

// Load reads the ONEDRIVE_* environment variables, filling in defaults.
func Load() (*Config, error) {
	tokenDir := os.Getenv("ONEDRIVE_TOKEN_DIR")
	if tokenDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		tokenDir = filepath.Join(base, "onedrive-sync")
	}

	rps := float64(defaultRequestsPerSecond)
	if v := os.Getenv("ONEDRIVE_REQUESTS_PER_SECOND"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("invalid ONEDRIVE_REQUESTS_PER_SECOND %q", v)
		}
		rps = parsed
	}

	return &Config{
		ClientID:          os.Getenv("ONEDRIVE_CLIENT_ID"),
		RedirectURI:       os.Getenv("ONEDRIVE_REDIRECT_URI"),
		APIURL:            os.Getenv("ONEDRIVE_API_URL"),
		TokenDir:          tokenDir,
		RequestsPerSecond: rps,
		MetricsAddr:       os.Getenv("ONEDRIVE_METRICS_ADDR"),
	}, nil
}
