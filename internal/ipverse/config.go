package ipverse

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Storage struct {
		Dir       string `yaml:"dir"`
		MaxReport string `yaml:"maxReport"`

		maxReportBytes int64
	} `yaml:"storage"`

	Upstream struct {
		ListURL       string `yaml:"listUrl"`
		CIDRURL       string `yaml:"cidrUrl"`
		PageSize      int    `yaml:"pageSize"`
		RetryAttempts int    `yaml:"retryAttempts"`
		RetryBackoff  string `yaml:"retryBackoff"`
		PageDelay     string `yaml:"pageDelay"`
		Timeout       string `yaml:"timeout"`
		DetailWorkers int    `yaml:"detailWorkers"`

		retryBackoffDur time.Duration
		pageDelayDur    time.Duration
		timeoutDur      time.Duration
	} `yaml:"upstream"`

	Progress struct {
		ReplayMin string `yaml:"replayMin"`
		ReplayMax string `yaml:"replayMax"`

		replayMinDur time.Duration
		replayMaxDur time.Duration
	} `yaml:"progress"`

	Quota struct {
		Enabled   bool `yaml:"enabled"`
		FreeDaily int  `yaml:"freeDaily"`
		CoinCost  int  `yaml:"coinCost"`
	} `yaml:"quota"`

	Sweep struct {
		Every    string `yaml:"every"`
		KeepDays int    `yaml:"keepDays"`

		everyDur time.Duration
	} `yaml:"sweep"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig is the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	_ = cfg.compile()
	return cfg
}

// compile fills defaults and pre-parses durations and sizes so the rest of
// the code never touches raw strings.
func (c *Config) compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Storage.MaxReport != "" {
		n, err := parseBytes(c.Storage.MaxReport)
		if err != nil {
			return fmt.Errorf("storage.maxReport: %w", err)
		}
		c.Storage.maxReportBytes = n
	}

	up := &c.Upstream
	if up.ListURL == "" {
		up.ListURL = "https://ipinfo.io/api/data/asns"
	}
	if up.CIDRURL == "" {
		up.CIDRURL = "https://raw.githubusercontent.com/ipverse/asn-ip/master"
	}
	if up.PageSize == 0 {
		up.PageSize = 20
	}
	if up.RetryAttempts == 0 {
		up.RetryAttempts = 3
	}
	if up.DetailWorkers == 0 {
		up.DetailWorkers = 1
	}
	var err error
	if up.retryBackoffDur, err = durationOrDefault(up.RetryBackoff, 5*time.Second); err != nil {
		return fmt.Errorf("upstream.retryBackoff: %w", err)
	}
	if up.pageDelayDur, err = durationOrDefault(up.PageDelay, 100*time.Millisecond); err != nil {
		return fmt.Errorf("upstream.pageDelay: %w", err)
	}
	if up.timeoutDur, err = durationOrDefault(up.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("upstream.timeout: %w", err)
	}

	pr := &c.Progress
	if pr.replayMinDur, err = durationOrDefault(pr.ReplayMin, 5*time.Second); err != nil {
		return fmt.Errorf("progress.replayMin: %w", err)
	}
	if pr.replayMaxDur, err = durationOrDefault(pr.ReplayMax, 25*time.Second); err != nil {
		return fmt.Errorf("progress.replayMax: %w", err)
	}
	if pr.replayMaxDur < pr.replayMinDur {
		return fmt.Errorf("progress.replayMax below replayMin")
	}

	if c.Quota.FreeDaily == 0 {
		c.Quota.FreeDaily = 5
	}
	if c.Quota.CoinCost == 0 {
		c.Quota.CoinCost = 1
	}

	if c.Sweep.KeepDays == 0 {
		c.Sweep.KeepDays = 1
	}
	if c.Sweep.everyDur, err = durationOrDefault(c.Sweep.Every, 1*time.Hour); err != nil {
		return fmt.Errorf("sweep.every: %w", err)
	}

	if c.Logging.LogStatsEvery != "" {
		if c.Logging.logStatsEveryDur, err = time.ParseDuration(c.Logging.LogStatsEvery); err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
	}
	return nil
}

func durationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
