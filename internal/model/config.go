package model

import (
	"errors"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	HistoryDriverFile     = "file"
	HistoryDriverSQLite   = "sqlite"
	HistoryDriverPostgres = "postgres"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Service Service `json:"service" yaml:"service"`
	Server  Server  `json:"server" yaml:"server"`
	Bosh    Bosh    `json:"bosh" yaml:"bosh"`
	Dedup   Dedup   `json:"dedup" yaml:"dedup"`
	History History `json:"history" yaml:"history"`
}

// Service holds process-wide settings.
type Service struct {
	Verbose   bool   `json:"verbose" yaml:"verbose"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "json" | "text"
}

// Server configures the HTTP and WebSocket listener.
type Server struct {
	Addr          string   `json:"addr" yaml:"addr"`
	CORSOrigins   []string `json:"cors_origins" yaml:"cors_origins"`
	Metrics       bool     `json:"metrics" yaml:"metrics"`
	WriteQueue    int      `json:"write_queue" yaml:"write_queue"` // per connection outbound frames
	PingInterval  string   `json:"ping_interval" yaml:"ping_interval"`
	ShutdownGrace string   `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// Bosh describes how the external launcher is invoked.
type Bosh struct {
	Path        string            `json:"path" yaml:"path"`               // binary name or path
	Descriptors string            `json:"descriptors" yaml:"descriptors"` // directory with <toolId>.json
	Workdir     string            `json:"workdir" yaml:"workdir"`         // invocation files are written here
	CancelGrace string            `json:"cancel_grace" yaml:"cancel_grace"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // extra environment, $VAR values are expanded
}

type Dedup struct {
	Window    string `json:"window" yaml:"window"`
	Retention string `json:"retention" yaml:"retention"`
}

type History struct {
	Driver        string `json:"driver" yaml:"driver"` // "file" | "sqlite" | "postgres"
	Path          string `json:"path" yaml:"path"`
	DSN           string `json:"dsn" yaml:"dsn"`
	MaxRecords    int    `json:"max_records" yaml:"max_records"` // 0 keeps everything
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"`
}

// DefaultConfig returns the configuration used when no file exists.
// It matches the defaults of the CUE schema.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			LogFormat: LogFormatJSON,
		},
		Server: Server{
			Addr:          ":3001",
			CORSOrigins:   []string{"*"},
			Metrics:       true,
			WriteQueue:    256,
			PingInterval:  "30s",
			ShutdownGrace: "10s",
		},
		Bosh: Bosh{
			Path:        "bosh",
			Descriptors: "cache/descriptors",
			Workdir:     "cache",
			CancelGrace: "10s",
		},
		Dedup: Dedup{
			Window:    "2s",
			Retention: "5s",
		},
		History: History{
			Driver:        HistoryDriverFile,
			Path:          "cache/execution-history.json",
			PruneSchedule: "@hourly",
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("bosun.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the rules the schema can't express. It is called by
// LoadConfig and again after flag and environment overrides were applied.
func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct{ name, value string }{
		{"server.ping_interval", c.Server.PingInterval},
		{"server.shutdown_grace", c.Server.ShutdownGrace},
		{"bosh.cancel_grace", c.Bosh.CancelGrace},
		{"dedup.window", c.Dedup.Window},
		{"dedup.retention", c.Dedup.Retention},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
		}
	}

	if c.Dedup.window() > c.Dedup.retention() {
		errs = append(errs, errors.New("dedup.retention must not be shorter than dedup.window"))
	}

	switch c.History.Driver {
	case HistoryDriverFile, HistoryDriverSQLite:
		if c.History.Path == "" {
			errs = append(errs, fmt.Errorf("history.path is required for driver %s", c.History.Driver))
		}
	case HistoryDriverPostgres:
		if c.History.DSN == "" {
			errs = append(errs, errors.New("history.dsn is required for driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.driver: unsupported value %q", c.History.Driver))
	}

	if c.History.MaxRecords > 0 {
		if _, err := ParseCron(c.History.PruneSchedule); err != nil {
			errs = append(errs, fmt.Errorf("history.prune_schedule: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s Server) PingEvery() time.Duration        { return mustDuration(s.PingInterval, 30*time.Second) }
func (s Server) Grace() time.Duration            { return mustDuration(s.ShutdownGrace, 10*time.Second) }
func (b Bosh) Grace() time.Duration              { return mustDuration(b.CancelGrace, 10*time.Second) }
func (d Dedup) WindowDuration() time.Duration    { return d.window() }
func (d Dedup) RetentionDuration() time.Duration { return d.retention() }

func (d Dedup) window() time.Duration    { return mustDuration(d.Window, 2*time.Second) }
func (d Dedup) retention() time.Duration { return mustDuration(d.Retention, 5*time.Second) }

// mustDuration returns dflt for empty or invalid values, Validate reports those.
func mustDuration(s string, dflt time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return dflt
	}
	return d
}
