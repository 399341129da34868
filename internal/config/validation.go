package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Validate checks cfg and returns non-fatal warnings alongside the first
// fatal error, if any.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validateHash(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateLimits(cfg); err != nil {
		return warnings, err
	}
	if err := validatePaths(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateRate(cfg); err != nil {
		return warnings, err
	}
	return warnings, nil
}

func validateHash(cfg *Config, warnings *[]string) error {
	if strings.ContainsAny(cfg.Hash.Segment, "/?#") {
		return fmt.Errorf("hash.segment %q must not contain path or query separators", cfg.Hash.Segment)
	}
	if cfg.Hash.MaxEntries < 0 {
		return errors.New("hash.max_entries must be >= 0")
	}
	if cfg.Hash.StaticMaxAgeS < 0 {
		return errors.New("hash.static_max_age_s must be >= 0")
	}
	if cfg.Hash.PersistPath == "" {
		*warnings = append(*warnings, "hash.persist_path unset; hash URIs will not survive restarts")
	}
	return nil
}

func validateLimits(cfg *Config) error {
	if cfg.Limits.MaxBodyBytes != nil && *cfg.Limits.MaxBodyBytes <= 0 {
		return errors.New("limits.max_body_bytes must be > 0")
	}
	if cfg.Limits.MaxFieldBytes < 0 {
		return errors.New("limits.max_field_bytes must be >= 0")
	}
	if cfg.Limits.ReadHeaderTimeoutMS < 0 {
		return errors.New("limits.read_header_timeout_ms must be >= 0")
	}
	if cfg.Limits.HandlerTimeoutMS < 0 {
		return errors.New("limits.handler_timeout_ms must be >= 0")
	}
	return nil
}

func validatePaths(cfg *Config, warnings *[]string) error {
	if cfg.StaticDir != "" {
		info, err := os.Stat(cfg.StaticDir)
		if err != nil {
			return fmt.Errorf("static_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("static_dir %q is not a directory", cfg.StaticDir)
		}
	} else {
		*warnings = append(*warnings, "static_dir unset; static file serving disabled")
	}
	if cfg.UploadDir != "" {
		info, err := os.Stat(cfg.UploadDir)
		if err != nil {
			return fmt.Errorf("upload_dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("upload_dir %q is not a directory", cfg.UploadDir)
		}
	}
	return nil
}

func validateRate(cfg *Config) error {
	if cfg.Rate.RPS < 0 {
		return errors.New("rate.rps must be >= 0")
	}
	if cfg.Rate.RPS > 0 && cfg.Rate.Burst <= 0 {
		return errors.New("rate.burst must be > 0 when rate.rps is set")
	}
	return nil
}
