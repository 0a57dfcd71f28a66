package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Change event names accepted in pipe configuration
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Starting positions for pipe cursors
const (
	StartLatest   = "latest"   // Begin at the log head (default)
	StartEarliest = "earliest" // Begin at the oldest retained record
)

// TableConfiguration names the item table
type TableConfiguration struct {
	Name string `toml:"name"`
}

// BusConfiguration selects and configures the event bus sink
type BusConfiguration struct {
	Name          string   `toml:"name"` // Logical bus name, referenced by grants
	Type          string   `toml:"type"` // "nats", "kafka" or "memory"
	NatsURL       string   `toml:"nats_url"`
	SubjectPrefix string   `toml:"subject_prefix"`
	Brokers       []string `toml:"brokers"`
	Topic         string   `toml:"topic"`
}

// PipeConfiguration defines one filter-and-route rule over the change log
type PipeConfiguration struct {
	Name       string `toml:"name"`
	DetailType string `toml:"detail_type"`
	EventName  string `toml:"event_name"`  // INSERT, MODIFY or REMOVE
	KeyPattern string `toml:"key_pattern"` // Glob over the partition key, e.g. "USER#*"
	Template   string `toml:"template"`    // Input template for the event detail

	BatchSize        int     `toml:"batch_size"`
	PollIntervalMS   int     `toml:"poll_interval_ms"`
	RetryInitialMS   int     `toml:"retry_initial_ms"`
	RetryMaxMS       int     `toml:"retry_max_ms"`
	RetryMultiplier  float64 `toml:"retry_multiplier"`
	MaxRetries       int     `toml:"max_retries"`
	StartingPosition string  `toml:"starting_position"` // "latest" or "earliest"

	// Grant scope. Empty means the wired stream / bus.
	Streams []string `toml:"streams"`
	Buses   []string `toml:"buses"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP API
type AdminConfiguration struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	AuthToken string `toml:"auth_token"` // Empty disables authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	// EventSourceName is used verbatim as the source field of every
	// published event. The primary operator knob.
	EventSourceName string `toml:"event_source_name"`

	Table      TableConfiguration      `toml:"table"`
	Bus        BusConfiguration        `toml:"bus"`
	Pipes      []PipeConfiguration     `toml:"pipe"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
	SourceFlag     = flag.String("source", "", "Event source name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./tablebus-data",

	EventSourceName: "myapp.users",

	Table: TableConfiguration{
		Name: "app",
	},

	Bus: BusConfiguration{
		Name:          "default",
		Type:          "nats",
		NatsURL:       "nats://127.0.0.1:4222",
		SubjectPrefix: "events.default",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8080,
	},
}

// DefaultPipes returns the three canonical user pipes: one per change event
// name, all scoped to USER# partition keys, reshaping records into the
// UserCreated / UserModified / UserDeleted payloads.
func DefaultPipes() []PipeConfiguration {
	return []PipeConfiguration{
		{
			Name:       "user-created",
			DetailType: "UserCreated",
			EventName:  EventInsert,
			KeyPattern: "USER#*",
			Template:   `{"userId": <$.keys.pk>}`,
		},
		{
			Name:       "user-modified",
			DetailType: "UserModified",
			EventName:  EventModify,
			KeyPattern: "USER#*",
			Template:   `{"userId": <$.keys.pk>, "oldImage": <$.oldImage>, "newImage": <$.newImage>}`,
		},
		{
			Name:       "user-deleted",
			DetailType: "UserDeleted",
			EventName:  EventRemove,
			KeyPattern: "USER#*",
			Template:   `{"userId": <$.keys.pk>}`,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *SourceFlag != "" {
		Config.EventSourceName = *SourceFlag
	}

	// The three user pipes are the default routing setup
	if len(Config.Pipes) == 0 {
		Config.Pipes = DefaultPipes()
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("tablebus")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Table.Name == "" {
		return fmt.Errorf("table name is required")
	}

	if Config.EventSourceName == "" {
		return fmt.Errorf("event_source_name is required")
	}

	switch Config.Bus.Type {
	case "nats":
		if Config.Bus.NatsURL == "" {
			return fmt.Errorf("nats bus requires nats_url")
		}
	case "kafka":
		if len(Config.Bus.Brokers) == 0 {
			return fmt.Errorf("kafka bus requires at least one broker")
		}
		if Config.Bus.Topic == "" {
			return fmt.Errorf("kafka bus requires a topic")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid bus type: %s", Config.Bus.Type)
	}

	if Config.Bus.Name == "" {
		return fmt.Errorf("bus name is required")
	}

	seen := make(map[string]bool, len(Config.Pipes))
	for i, pipe := range Config.Pipes {
		if pipe.Name == "" {
			return fmt.Errorf("pipe %d: name is required", i)
		}
		if seen[pipe.Name] {
			return fmt.Errorf("duplicate pipe name: %s", pipe.Name)
		}
		seen[pipe.Name] = true

		if pipe.DetailType == "" {
			return fmt.Errorf("pipe %s: detail_type is required", pipe.Name)
		}

		switch pipe.EventName {
		case EventInsert, EventModify, EventRemove:
		default:
			return fmt.Errorf("pipe %s: event_name must be one of: INSERT, MODIFY, REMOVE. Got: %q",
				pipe.Name, pipe.EventName)
		}

		if pipe.Template == "" {
			return fmt.Errorf("pipe %s: template is required", pipe.Name)
		}

		switch pipe.StartingPosition {
		case "", StartLatest, StartEarliest:
		default:
			return fmt.Errorf("pipe %s: invalid starting_position: %s", pipe.Name, pipe.StartingPosition)
		}

		if pipe.BatchSize < 0 {
			return fmt.Errorf("pipe %s: batch_size must be >= 0", pipe.Name)
		}
		if pipe.RetryMultiplier < 0 {
			return fmt.Errorf("pipe %s: retry_multiplier must be >= 0", pipe.Name)
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether admin endpoints require a token
func IsAdminAuthEnabled() bool {
	return Config.Admin.AuthToken != ""
}

// GetAdminToken returns the configured admin token
func GetAdminToken() string {
	return Config.Admin.AuthToken
}
