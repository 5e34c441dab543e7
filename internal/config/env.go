package config

import (
	"errors"
	"io/fs"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv reads <dir>/.env into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnv overlays environment variables on cfg. getenv is os.Getenv in
// production and a map lookup in tests.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	host := strings.TrimSpace(getenv("SYNC_IP"))
	port := strings.TrimSpace(getenv("SYNC_PORT"))
	if host != "" || port != "" {
		u, err := url.Parse(cfg.Server.Endpoint)
		if err != nil || u.Host == "" {
			u = &url.URL{Scheme: "http", Host: "localhost:5400"}
		}
		h, p := u.Hostname(), u.Port()
		if host != "" {
			h = host
		}
		if port != "" {
			p = port
		}
		if p == "" {
			p = "5400"
		}
		u.Host = net.JoinHostPort(h, p)
		cfg.Server.Endpoint = u.String()
	}
	if port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := getenv("SYNC_ROOM"); v != "" {
		cfg.Server.Room = v
	}
	if v := getenv("Y_SESSION_ID"); v != "" {
		cfg.Providers.Yandex.SessionID = v
	}
	if v := getenv("YANDEX_TOKEN"); v != "" {
		cfg.Providers.Yandex.Token = v
	} else if v := getenv("TOKEN"); v != "" {
		cfg.Providers.Yandex.Token = v
	}
	if v := getenv("SPOTIFY_CLIENT_ID"); v != "" {
		cfg.Providers.Spotify.ClientID = v
	}
	if v := getenv("SPOTIFY_CLIENT_SECRET"); v != "" {
		cfg.Providers.Spotify.ClientSecret = v
	}
	if v := getenv("SPOTIFY_REFRESH_TOKEN"); v != "" {
		cfg.Providers.Spotify.RefreshToken = v
	}
	if v := getenv("TANDEM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
}
