package repo

import (
	"time"
)

type Config struct {
	RepoRoot string   `mapstructure:"-" toml:"-"`
	DialUrl  string   `mapstructure:"dial_url" toml:"dial_url"`
	ChainID  uint64   `mapstructure:"chain_id" toml:"chain_id"`
	Log      Log      `mapstructure:"log" toml:"log"`
	Mirror   Mirror   `mapstructure:"mirror" toml:"mirror"`
	Blob     Blob     `mapstructure:"blob" toml:"blob"`
	Signer   Signer   `mapstructure:"signer" toml:"signer"`
	Watcher  Watcher  `mapstructure:"watcher" toml:"watcher"`
	Proposal Proposal `mapstructure:"proposal" toml:"proposal"`
	Follow   Follow   `mapstructure:"follow" toml:"follow"`
	Effects  Effects  `mapstructure:"effects" toml:"effects"`
	API      API      `mapstructure:"api" toml:"api"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Mirror struct {
	// sqlite or postgres
	Driver string `mapstructure:"driver" toml:"driver"`
	// for sqlite a path relative to the repo root, for postgres a libpq DSN
	DSN string `mapstructure:"dsn" toml:"dsn"`
}

type Blob struct {
	APIURL     string        `mapstructure:"api_url" toml:"api_url"`
	GatewayURL string        `mapstructure:"gateway_url" toml:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout" toml:"timeout"`
}

type Signer struct {
	KeystoreDir string `mapstructure:"keystore_dir" toml:"keystore_dir"`
	// wallet address -> keystore passphrase
	Passwords map[string]string `mapstructure:"passwords" toml:"passwords"`
	// hex encoded keys, for development chains only
	PrivateKeys []string `mapstructure:"private_keys" toml:"private_keys"`
}

type Watcher struct {
	PollInterval time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout" toml:"timeout"`
	RPCRate      float64       `mapstructure:"rpc_rate" toml:"rpc_rate"`
	RPCBurst     int           `mapstructure:"rpc_burst" toml:"rpc_burst"`
	// how often journaled transactions are polled again
	RepollInterval time.Duration `mapstructure:"repoll_interval" toml:"repoll_interval"`
	RepollWorkers  int           `mapstructure:"repoll_workers" toml:"repoll_workers"`
}

type Proposal struct {
	// mirror-side voting window recorded at intake; the ledger's own
	// voting period stays authoritative.
	VotingWindow time.Duration `mapstructure:"voting_window" toml:"voting_window"`
}

type Follow struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	// first block to scan when no cursor is stored yet
	FromBlock uint64 `mapstructure:"from_block" toml:"from_block"`
	// how often the set of published governors is reloaded
	RefreshInterval time.Duration `mapstructure:"refresh_interval" toml:"refresh_interval"`
	// blocks per history query
	PageSize uint64 `mapstructure:"page_size" toml:"page_size"`
}

type Effects struct {
	Workers       int           `mapstructure:"workers" toml:"workers"`
	RetryInterval time.Duration `mapstructure:"retry_interval" toml:"retry_interval"`
	MaxAttempts   int           `mapstructure:"max_attempts" toml:"max_attempts"`
}

type API struct {
	Listen string `mapstructure:"listen" toml:"listen"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		DialUrl:  "ws://localhost:8546",
		ChainID:  1337,
		Log: Log{
			Level:        "info",
			Filename:     "chamagov.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Mirror: Mirror{
			Driver: "sqlite",
			DSN:    "mirror.db",
		},
		Blob: Blob{
			APIURL:     "http://127.0.0.1:5001",
			GatewayURL: "http://127.0.0.1:8080/ipfs",
			Timeout:    30 * time.Second,
		},
		Signer: Signer{
			KeystoreDir: "keystore",
			Passwords:   map[string]string{},
			PrivateKeys: []string{},
		},
		Watcher: Watcher{
			PollInterval:   2 * time.Second,
			Timeout:        3 * time.Minute,
			RPCRate:        20,
			RPCBurst:       5,
			RepollInterval: 15 * time.Second,
			RepollWorkers:  4,
		},
		Proposal: Proposal{
			VotingWindow: 7 * 24 * time.Hour,
		},
		Follow: Follow{
			Enabled:         false,
			FromBlock:       1,
			RefreshInterval: time.Minute,
			PageSize:        5000,
		},
		Effects: Effects{
			Workers:       4,
			RetryInterval: 30 * time.Second,
			MaxAttempts:   10,
		},
		API: API{
			Listen: "127.0.0.1:8700",
		},
	}
}
