package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"grid_scout/internal/domain"
)

type Config struct {
	Router RouterConfig        `toml:"router"`
	Tools  ToolsConfig         `toml:"tools"`
	Teams  []domain.TeamRecord `toml:"teams"`
	Path   string              `toml:"-"`
}

type RouterConfig struct {
	Addr              string `toml:"addr"`
	DBPath            string `toml:"db_path"`
	RedisAddr         string `toml:"redis_addr"`
	ProcessIntervalMS int    `toml:"process_interval_ms"`
	MaxRouteAttempts  int    `toml:"max_route_attempts"`
	CompletedLimit    int    `toml:"completed_limit"`
	DeadLetterLimit   int    `toml:"dead_letter_limit"`
	CacheTTLMinutes   int    `toml:"cache_ttl_minutes"`
}

type ToolsConfig struct {
	Available []string `toml:"available"`
}

// Load reads the TOML config. A missing file is not an error when no
// explicit path was given; defaults apply instead.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return withDefaults(Config{}), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return withDefaults(cfg), nil
}

func withDefaults(cfg Config) Config {
	if cfg.Router.Addr == "" {
		cfg.Router.Addr = ":8092"
	}
	if cfg.Router.DBPath == "" {
		cfg.Router.DBPath = "data/grid_scout.db"
	}
	if cfg.Router.ProcessIntervalMS <= 0 {
		cfg.Router.ProcessIntervalMS = 500
	}
	if cfg.Router.MaxRouteAttempts <= 0 {
		cfg.Router.MaxRouteAttempts = 3
	}
	if cfg.Router.CompletedLimit <= 0 {
		cfg.Router.CompletedLimit = 1000
	}
	if cfg.Router.DeadLetterLimit <= 0 {
		cfg.Router.DeadLetterLimit = 256
	}
	if cfg.Router.CacheTTLMinutes <= 0 {
		cfg.Router.CacheTTLMinutes = 360
	}
	if len(cfg.Tools.Available) == 0 {
		cfg.Tools.Available = []string{"curriculum_index", "season_table"}
	}
	if len(cfg.Teams) == 0 {
		cfg.Teams = DefaultTeams()
	}
	return cfg
}

// DefaultTeams seeds the season table when the config lists none.
func DefaultTeams() []domain.TeamRecord {
	return []domain.TeamRecord{
		{Team: "Georgia", Conference: "SEC", Wins: 11, Losses: 1, PointsFor: 492, PointsAgainst: 201},
		{Team: "Alabama", Conference: "SEC", Wins: 10, Losses: 2, PointsFor: 461, PointsAgainst: 242},
		{Team: "Michigan", Conference: "Big Ten", Wins: 12, Losses: 0, PointsFor: 478, PointsAgainst: 127},
		{Team: "Ohio State", Conference: "Big Ten", Wins: 11, Losses: 1, PointsFor: 503, PointsAgainst: 188},
		{Team: "Washington", Conference: "Pac-12", Wins: 12, Losses: 0, PointsFor: 497, PointsAgainst: 318},
		{Team: "Oregon", Conference: "Pac-12", Wins: 11, Losses: 1, PointsFor: 531, PointsAgainst: 206},
		{Team: "Texas", Conference: "Big 12", Wins: 11, Losses: 1, PointsFor: 432, PointsAgainst: 216},
		{Team: "Florida State", Conference: "ACC", Wins: 12, Losses: 0, PointsFor: 437, PointsAgainst: 185},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".grid_scout/config.toml"
	}
	return filepath.Join(home, ".grid_scout", "config.toml")
}
