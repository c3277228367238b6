package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/mumzworld-tech/containerwatch/internal/sink"
)

type Config struct {
	// Workload, exactly one of DockerImage, Container, StreamsFile or Stdin
	DockerImage string `long:"docker-image" env:"DOCKER_IMAGE" description:"Image to run the workload from"`
	BashCommand string `long:"bash-command" env:"BASH_COMMAND" description:"Command run with bash -c inside the new container"`
	Container   string `long:"container" env:"CONTAINER" description:"Forward the output of an existing container instead of running one"`
	StreamsFile string `long:"streams-file" env:"STREAMS_FILE" description:"YAML file listing containers and their destination streams"`
	Stdin       bool   `long:"stdin" env:"FORWARD_STDIN" description:"Forward lines read from standard input"`

	// Destination
	Group  string `long:"group" env:"AWS_LOG_GROUP" description:"Log group name"`
	Stream string `long:"stream" env:"AWS_LOG_STREAM" description:"Log stream name (generated when empty)"`

	// Authentication
	AccessKeyID     string `long:"access-key-id" env:"AWS_ACCESS_KEY_ID" description:"AWS access key ID"`
	SecretAccessKey string `long:"secret-access-key" env:"AWS_SECRET_ACCESS_KEY" description:"AWS secret access key"`
	SessionToken    string `long:"session-token" env:"AWS_SESSION_TOKEN" description:"AWS session token"`
	Region          string `long:"region" env:"AWS_REGION" description:"AWS region"`
	Endpoint        string `long:"endpoint" env:"CLOUDWATCH_ENDPOINT" description:"Override the CloudWatch Logs endpoint"`

	// Batching
	PollInterval   time.Duration `long:"poll-interval" env:"POLL_INTERVAL" default:"1s" description:"How often new output is collected"`
	MaxBatchBytes  int           `long:"max-batch-bytes" env:"MAX_BATCH_BYTES" default:"262118" description:"Byte budget of one upload, per-event overhead included"`
	EventOverhead  int           `long:"event-overhead" env:"EVENT_OVERHEAD" default:"26" description:"Bytes charged per event on top of its message"`
	MaxBatchEvents int           `long:"max-batch-events" env:"MAX_BATCH_EVENTS" default:"10000" description:"Largest number of events in one upload"`

	// Reliability
	RetryBackoff time.Duration `long:"retry-backoff" env:"RETRY_BACKOFF" default:"1s" description:"Wait before retrying a transient upload failure"`
	DrainTimeout time.Duration `long:"drain-timeout" env:"DRAIN_TIMEOUT" default:"10s" description:"Time allowed to send buffered events on shutdown"`

	// Observability
	StatusAddr  string `long:"status-addr" env:"STATUS_ADDR" description:"Serve stream status over HTTP on this address"`
	LogLevel    string `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat   string `long:"log-format" env:"LOG_FORMAT" default:"json" choice:"json" choice:"text" description:"Log output format"`
	AppName     string `long:"app-name" env:"APP_NAME" default:"containerwatch" description:"Value of the app_name log field"`
	Environment string `long:"environment" env:"NODE_ENV" default:"unknown" description:"Value of the environment log field"`
	Debug       bool   `long:"debug" env:"DEBUG" description:"Log every outbound batch before sending it"`

	// Streams is the resolved list of pipelines to run
	Streams []StreamConfig `no-flag:"true"`
}

// StreamConfig binds one line source to one destination stream
type StreamConfig struct {
	Container string `yaml:"container"`
	Group     string `yaml:"group"`
	Stream    string `yaml:"stream"`
}

// Load parses args (without the program name) and the environment.
// When help is requested the error is a *flags.Error of type flags.ErrHelp.
func Load(args []string) (*Config, error) {
	cfg := &Config{}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "containerwatch"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.resolveStreams(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Limits returns the sink limits described by the batching options
func (c *Config) Limits() sink.Limits {
	return sink.Limits{
		MaxBatchBytes:  c.MaxBatchBytes,
		EventOverhead:  c.EventOverhead,
		MaxBatchEvents: c.MaxBatchEvents,
	}
}

// Validate returns every problem found in the configuration
func (c *Config) Validate() error {
	var errs []error

	modes := 0
	for _, set := range []bool{c.DockerImage != "", c.Container != "", c.StreamsFile != "", c.Stdin} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		errs = append(errs, errors.New("exactly one of --docker-image, --container, --streams-file or --stdin is required"))
	}
	if c.DockerImage != "" && c.BashCommand == "" {
		errs = append(errs, errors.New("--bash-command is required with --docker-image"))
	}
	if c.StreamsFile == "" && c.Group == "" {
		errs = append(errs, errors.New("--group is required"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("retry backoff must not be negative, got %s", c.RetryBackoff))
	}
	if c.EventOverhead < 0 {
		errs = append(errs, fmt.Errorf("event overhead must not be negative, got %d", c.EventOverhead))
	}
	// room for at least one 4-byte rune per event
	if budget := c.Limits().MessageBudget(); budget < 4 {
		errs = append(errs, fmt.Errorf("max batch bytes %d leaves %d bytes per message after overhead, need at least 4", c.MaxBatchBytes, budget))
	}
	if c.MaxBatchBytes > sink.DefaultMaxBatchBytes {
		errs = append(errs, fmt.Errorf("max batch bytes %d exceeds the sink limit of %d", c.MaxBatchBytes, sink.DefaultMaxBatchBytes))
	}
	if c.MaxBatchEvents <= 0 {
		errs = append(errs, fmt.Errorf("max batch events must be positive, got %d", c.MaxBatchEvents))
	}

	seen := make(map[string]bool)
	for i, s := range c.Streams {
		if s.Group == "" || s.Stream == "" {
			errs = append(errs, fmt.Errorf("stream %d: group and stream are required", i))
			continue
		}
		key := s.Group + "/" + s.Stream
		if seen[key] {
			errs = append(errs, fmt.Errorf("stream %d: %s is used more than once", i, key))
		}
		seen[key] = true
	}

	return errors.Join(errs...)
}

// resolveStreams fills Streams from the streams file or the single-stream flags
func (c *Config) resolveStreams() error {
	if c.StreamsFile != "" {
		streams, err := LoadStreams(c.StreamsFile)
		if err != nil {
			return err
		}
		for i := range streams {
			if streams[i].Group == "" {
				streams[i].Group = c.Group
			}
			if streams[i].Stream == "" && streams[i].Container != "" {
				streams[i].Stream = StreamName(streams[i].Container)
			}
		}
		c.Streams = streams
		return nil
	}

	stream := c.Stream
	if stream == "" {
		stream = StreamName(c.workloadName())
	}
	c.Streams = []StreamConfig{{Container: c.Container, Group: c.Group, Stream: stream}}
	return nil
}

func (c *Config) workloadName() string {
	switch {
	case c.Container != "":
		return c.Container
	case c.DockerImage != "":
		return c.DockerImage
	default:
		return "stdin"
	}
}

type streamsFile struct {
	Streams []StreamConfig `yaml:"streams"`
}

// LoadStreams reads a YAML streams file
func LoadStreams(path string) ([]StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read streams file: %w", err)
	}

	var f streamsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse streams file %s: %w", path, err)
	}
	if len(f.Streams) == 0 {
		return nil, fmt.Errorf("streams file %s lists no streams", path)
	}
	for i, s := range f.Streams {
		if s.Container == "" {
			return nil, fmt.Errorf("streams file %s: entry %d has no container", path, i)
		}
	}
	return f.Streams, nil
}

// StreamName generates a unique stream name for a workload
func StreamName(workload string) string {
	return fmt.Sprintf("%s-%s", sanitize(workload), uuid.NewString())
}

// sanitize removes characters CloudWatch does not allow in stream names
func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == ':' || r == '*' {
			r = '-'
		}
		out = append(out, r)
	}
	return string(out)
}
