package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set are kept. A missing file is only an error when
// required is true.
func LoadEnvFile(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

// Environment variables that override the file.
const (
	EnvToken           = "TOKEN"
	EnvOwnerID         = "OWNER_ID"
	EnvAPIID           = "API_ID"
	EnvAPIHash         = "API_HASH"
	EnvPhone           = "PHONE"
	EnvPassword        = "TG_PASSWORD"
	EnvSessionFile     = "SESSION_FILE"
	EnvDBPath          = "DB_PATH"
	EnvDefaultInterval = "DEFAULT_INTERVAL_HOURS"
	EnvDefaultDelay    = "DEFAULT_DELAY_SEC"
	EnvLogLevel        = "LOG_LEVEL"
)

// applyEnv overlays non-empty environment values onto cfg.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvOwnerID); ok {
		ids, err := parseIDList(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvOwnerID, err)
		}
		cfg.Telegram.OwnerUserIDs = ids
	}
	if v, ok := get(EnvAPIID); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid number %q", EnvAPIID, v)
		}
		cfg.Sender.APIID = n
	}
	if v, ok := get(EnvAPIHash); ok {
		cfg.Sender.APIHash = v
	}
	if v, ok := get(EnvPhone); ok {
		cfg.Sender.Phone = v
	}
	if v, ok := get(EnvPassword); ok {
		cfg.Sender.Password = v
	}
	if v, ok := get(EnvSessionFile); ok {
		cfg.Sender.SessionFile = v
	}
	if v, ok := get(EnvDBPath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvDefaultInterval); ok {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return fmt.Errorf("%s: want a positive number of hours, got %q", EnvDefaultInterval, v)
		}
		cfg.Broadcast.DefaultInterval = (time.Duration(h) * time.Hour).String()
	}
	if v, ok := get(EnvDefaultDelay); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("%s: want a non-negative number of seconds, got %q", EnvDefaultDelay, v)
		}
		cfg.Broadcast.DefaultDelay = time.Duration(f * float64(time.Second)).String()
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	out := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", f)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("no ids")
	}
	return out, nil
}
