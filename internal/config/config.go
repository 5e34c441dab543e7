package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/petervdpas/tandem/internal/util"
)

type Config struct {
	Identity   Identity     `json:"identity"`
	P2P        P2P          `json:"p2p"`
	Rendezvous Rendezvous   `json:"rendezvous"`
	Server     Server       `json:"server"`
	Sources    SourceConfig `json:"sources"`
	Storage    Storage      `json:"storage"`
	Detector   Detector     `json:"detector"`
	Transfer   Transfer     `json:"transfer"`
	Providers  Providers    `json:"providers"`
	Player     Player       `json:"player"`
	Logging    Logging      `json:"logging"`
}

type Identity struct {
	KeyFile string `json:"key_file"`

	// Label shown to other session members. Defaults to the hostname.
	Label string `json:"label"`
}

type P2P struct {
	ListenPort  int    `json:"listen_port"`
	MdnsTag     string `json:"mdns_tag"`
	HolderTopic string `json:"holder_topic"`

	// Per-strategy dial timeouts (seconds) for direct → relay → LAN.
	DirectTimeoutSec int `json:"direct_timeout_sec"`
	RelayTimeoutSec  int `json:"relay_timeout_sec"`
	LANTimeoutSec    int `json:"lan_timeout_sec"`
}

type Rendezvous struct {
	// Client side: base URL of the rendezvous service. Empty means the
	// coordinator endpoint is used (the server command runs both).
	URL string `json:"url"`

	// Public URL for the relay when the server sits behind NAT or a proxy.
	ExternalURL string `json:"external_url"`

	// Circuit relay v2 port. When > 0 the server command starts a relay host.
	RelayPort    int    `json:"relay_port"`
	RelayKeyFile string `json:"relay_key_file"`

	// Relay timing (seconds). Pushed to clients via /relay. 0 = default.
	RelayCleanupDelaySec    int `json:"relay_cleanup_delay_sec"`
	RelayPollDeadlineSec    int `json:"relay_poll_deadline_sec"`
	RelayConnectTimeoutSec  int `json:"relay_connect_timeout_sec"`
	RelayRefreshIntervalSec int `json:"relay_refresh_interval_sec"`
	RelayRecoveryGraceSec   int `json:"relay_recovery_grace_sec"`

	// Per-circuit budget on the relay. A relayed track transfer that runs
	// past either limit is cut and the peer falls back to another source.
	RelayCircuitMinutes int `json:"relay_circuit_minutes"`
	RelayCircuitMB      int `json:"relay_circuit_mb"`

	// How long published peer addresses stay valid.
	PeerTTLSec int `json:"peer_ttl_sec"`

	// Optional SQLite file shared by several server instances.
	PeerDBPath string `json:"peer_db_path"`
}

type Server struct {
	// Client side: coordinator base URL. SYNC_IP and SYNC_PORT override host and port.
	Endpoint string `json:"endpoint"`

	// Session to host or join when none is given on the command line (SYNC_ROOM).
	Room string `json:"room"`

	// Server side.
	Bind              string `json:"bind"`
	Port              int    `json:"port"`
	HostGraceSec      int    `json:"host_grace_sec"`
	SessionTTLSec     int    `json:"session_ttl_sec"`
	MaxMembers        int    `json:"max_members"`
	MaxObservers      int    `json:"max_observers"`
	MaxObserversPerIP int    `json:"max_observers_per_ip"`

	// Optional Redis mirror for session snapshots, e.g. redis://localhost:6379/0.
	RedisURL     string `json:"redis_url"`
	MirrorTTLSec int    `json:"mirror_ttl_sec"`
}

// Discovery source names.
const (
	SourceLocalFolder = "local_folder"
	SourceHook        = "hook"
	SourceSpotify     = "spotify"
	SourceYandex      = "yandex"
)

// Download source names.
const (
	DownloadP2P     = "p2p"
	DownloadYouTube = "youtube"
	DownloadYandex  = "yandex"
)

// SourceConfig is what the settings UI controls.
type SourceConfig struct {
	Discovery []string `json:"discovery"`
	Download  []string `json:"download"`

	// Refuse to serve tracks to other peers. Fetching from peers still works.
	P2PSendingForbidden bool `json:"p2p_sending_forbidden"`

	DownloadDir string `json:"download_dir"`
	LibraryDir  string `json:"library_dir"`

	// Alternate coordinator/rendezvous base URL, wins over server.endpoint.
	EndpointOverride string `json:"endpoint_override"`
}

func (s SourceConfig) DiscoveryEnabled(name string) bool {
	return slices.Contains(s.Discovery, name)
}

func (s SourceConfig) DownloadEnabled(name string) bool {
	return slices.Contains(s.Download, name)
}

type Storage struct {
	DBPath string `json:"db_path"`
}

// Polling modes for provider adapters.
const (
	PollModePoll = "poll"
	PollModeLazy = "lazy"
	PollModeHook = "hook"
)

type Detector struct {
	TickMs           int    `json:"tick_ms"`
	DriftToleranceMs int    `json:"drift_tolerance_ms"`
	ProviderPollSec  int    `json:"provider_poll_sec"`
	PollMode         string `json:"poll_mode"`
	DurationMatchMs  int    `json:"duration_match_ms"`
	GraceSec         int    `json:"grace_sec"`
	LocalPollMs      int    `json:"local_poll_ms"`
}

type Transfer struct {
	AttemptTimeoutSec int `json:"attempt_timeout_sec"`

	// Optional per-candidate overrides keyed "p2p", "youtube", "yandex".
	Timeouts map[string]int `json:"timeouts,omitempty"`
}

type Providers struct {
	Spotify Spotify `json:"spotify"`
	Yandex  Yandex  `json:"yandex"`
	YouTube YouTube `json:"youtube"`
}

type Spotify struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
}

type Yandex struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	APIBase   string `json:"api_base"`
}

type YouTube struct {
	// AutoInstall downloads yt-dlp into the user cache when it is missing.
	AutoInstall bool   `json:"auto_install"`
	CookiesPath string `json:"cookies_path"`
}

type Player struct {
	Enabled bool     `json:"enabled"`
	Command []string `json:"command"`
}

type Logging struct {
	Level      string `json:"level"`
	Dir        string `json:"dir"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
	Console    bool   `json:"console"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort:       0,
			MdnsTag:          "tandem-mdns",
			HolderTopic:      "tandem.holders.v1",
			DirectTimeoutSec: 5,
			RelayTimeoutSec:  15,
			LANTimeoutSec:    5,
		},
		Rendezvous: Rendezvous{
			RelayPort:               0,
			RelayKeyFile:            "data/relay.key",
			RelayCleanupDelaySec:    3,
			RelayPollDeadlineSec:    25,
			RelayConnectTimeoutSec:  15,
			RelayRefreshIntervalSec: 300,
			RelayRecoveryGraceSec:   5,
			RelayCircuitMinutes:     10,
			RelayCircuitMB:          64,
			PeerTTLSec:              120,
		},
		Server: Server{
			Endpoint:          "http://localhost:5400",
			Bind:              "0.0.0.0",
			Port:              5400,
			HostGraceSec:      30,
			SessionTTLSec:     12 * 3600,
			MaxMembers:        64,
			MaxObservers:      256,
			MaxObserversPerIP: 8,
			MirrorTTLSec:      3600,
		},
		Sources: SourceConfig{
			Discovery:   []string{SourceLocalFolder, SourceHook, SourceYandex},
			Download:    []string{DownloadP2P, DownloadYouTube, DownloadYandex},
			DownloadDir: "downloads",
			LibraryDir:  "music",
		},
		Storage: Storage{
			DBPath: "data/library.db",
		},
		Detector: Detector{
			TickMs:           1000,
			DriftToleranceMs: 2000,
			ProviderPollSec:  5,
			PollMode:         PollModePoll,
			DurationMatchMs:  200,
			GraceSec:         15,
			LocalPollMs:      1000,
		},
		Transfer: Transfer{
			AttemptTimeoutSec: 10,
		},
		Providers: Providers{
			Yandex:  Yandex{APIBase: "https://api.music.yandex.net"},
			YouTube: YouTube{AutoInstall: true},
		},
		Player: Player{
			Enabled: true,
			Command: []string{"ffplay", "-nodisp", "-autoexit", "-loglevel", "error"},
		},
		Logging: Logging{
			Level:      "info",
			Dir:        "logs",
			File:       "tandem.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Console:    true,
		},
	}
}

var (
	knownDiscovery = []string{SourceLocalFolder, SourceHook, SourceSpotify, SourceYandex}
	knownDownload  = []string{DownloadP2P, DownloadYouTube, DownloadYandex}
)

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.HolderTopic) == "" {
		return errors.New("p2p.holder_topic is required")
	}
	if c.P2P.DirectTimeoutSec <= 0 || c.P2P.RelayTimeoutSec <= 0 || c.P2P.LANTimeoutSec <= 0 {
		return errors.New("p2p strategy timeouts must be > 0")
	}

	// Rendezvous
	if rv := strings.TrimSpace(c.Rendezvous.URL); rv != "" {
		if err := validateEndpoint(rv); err != nil {
			return fmt.Errorf("rendezvous.url: %w", err)
		}
	}
	if c.Rendezvous.RelayPort < 0 || c.Rendezvous.RelayPort > 65535 {
		return errors.New("rendezvous.relay_port must be 0..65535")
	}
	if c.Rendezvous.RelayPort > 0 && strings.TrimSpace(c.Rendezvous.RelayKeyFile) == "" {
		return errors.New("rendezvous.relay_key_file is required when relay_port is set")
	}
	for name, v := range map[string]int{
		"relay_cleanup_delay_sec":    c.Rendezvous.RelayCleanupDelaySec,
		"relay_poll_deadline_sec":    c.Rendezvous.RelayPollDeadlineSec,
		"relay_connect_timeout_sec":  c.Rendezvous.RelayConnectTimeoutSec,
		"relay_refresh_interval_sec": c.Rendezvous.RelayRefreshIntervalSec,
		"relay_recovery_grace_sec":   c.Rendezvous.RelayRecoveryGraceSec,
		"relay_circuit_minutes":      c.Rendezvous.RelayCircuitMinutes,
		"relay_circuit_mb":           c.Rendezvous.RelayCircuitMB,
	} {
		if v < 0 {
			return fmt.Errorf("rendezvous.%s must be >= 0", name)
		}
	}
	if c.Rendezvous.PeerTTLSec <= 0 {
		return errors.New("rendezvous.peer_ttl_sec must be > 0")
	}

	// Server
	if err := validateEndpoint(c.Server.Endpoint); err != nil {
		return fmt.Errorf("server.endpoint: %w", err)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if b := c.Server.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("server.bind must be a valid IP address")
	}
	if c.Server.HostGraceSec <= 0 {
		return errors.New("server.host_grace_sec must be > 0")
	}
	if c.Server.SessionTTLSec < c.Server.HostGraceSec {
		return errors.New("server.session_ttl_sec must be >= server.host_grace_sec")
	}
	if c.Server.MaxMembers < 2 {
		return errors.New("server.max_members must be >= 2")
	}
	if c.Server.MaxObservers < 0 || c.Server.MaxObserversPerIP < 0 {
		return errors.New("server observer limits must be >= 0")
	}
	if c.Server.RedisURL != "" {
		u, err := url.Parse(c.Server.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			return errors.New("server.redis_url must be a redis:// or rediss:// url")
		}
	}

	// Sources
	for _, s := range c.Sources.Discovery {
		if !slices.Contains(knownDiscovery, s) {
			return fmt.Errorf("sources.discovery: unknown source %q", s)
		}
	}
	for _, s := range c.Sources.Download {
		if !slices.Contains(knownDownload, s) {
			return fmt.Errorf("sources.download: unknown source %q", s)
		}
	}
	if c.Sources.DiscoveryEnabled(SourceLocalFolder) && strings.TrimSpace(c.Sources.LibraryDir) == "" {
		return errors.New("sources.library_dir is required when local_folder discovery is enabled")
	}
	if eo := strings.TrimSpace(c.Sources.EndpointOverride); eo != "" {
		if err := validateEndpoint(eo); err != nil {
			return fmt.Errorf("sources.endpoint_override: %w", err)
		}
	}

	// Detector
	if c.Detector.TickMs < 100 {
		return errors.New("detector.tick_ms must be >= 100")
	}
	if c.Detector.DriftToleranceMs <= 0 {
		return errors.New("detector.drift_tolerance_ms must be > 0")
	}
	if c.Detector.ProviderPollSec <= 0 {
		return errors.New("detector.provider_poll_sec must be > 0")
	}
	switch c.Detector.PollMode {
	case PollModePoll, PollModeLazy, PollModeHook:
	default:
		return errors.New("detector.poll_mode must be poll, lazy or hook")
	}
	if c.Detector.DurationMatchMs < 0 || c.Detector.GraceSec < 0 {
		return errors.New("detector.duration_match_ms and detector.grace_sec must be >= 0")
	}

	// Transfer
	if c.Transfer.AttemptTimeoutSec <= 0 {
		return errors.New("transfer.attempt_timeout_sec must be > 0")
	}
	for k, v := range c.Transfer.Timeouts {
		if !slices.Contains(knownDownload, k) {
			return fmt.Errorf("transfer.timeouts: unknown candidate %q", k)
		}
		if v <= 0 {
			return fmt.Errorf("transfer.timeouts.%s must be > 0", k)
		}
	}

	// Player
	if c.Player.Enabled && len(c.Player.Command) == 0 {
		return errors.New("player.command is required when the player is enabled")
	}

	// Logging
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("logging.level must be debug, info, warn or error")
	}

	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && ip.IsUnspecified() {
		return errors.New("host must not be unspecified")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// CoordinatorURL is where clients reach the sync server.
func (c Config) CoordinatorURL() string {
	if s := strings.TrimSpace(c.Sources.EndpointOverride); s != "" {
		return strings.TrimRight(s, "/")
	}
	return strings.TrimRight(c.Server.Endpoint, "/")
}

// RendezvousURL is where clients fetch relay info and exchange addresses.
func (c Config) RendezvousURL() string {
	if s := strings.TrimSpace(c.Rendezvous.URL); s != "" {
		return strings.TrimRight(s, "/")
	}
	return c.CoordinatorURL()
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation or env overrides.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}
