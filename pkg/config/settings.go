package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"

	"github.com/andrej220/rdeploy/pkg/config/configstore"
	"github.com/andrej220/rdeploy/pkg/config/filestore"
	"github.com/andrej220/rdeploy/pkg/secrets"
)

const (
	DefaultKnownHosts     = "~/.ssh/known_hosts"
	DefaultConnectTimeout = 10 * time.Second
	DefaultOutputCap      = 4096
)

// Settings is the runtime configuration shared by the CLI and the services.
// Credentials are only ever held as secret references.
type Settings struct {
	Target  TargetSettings  `yaml:"target" json:"target"`
	Run     RunSettings     `yaml:"run" json:"run"`
	Kafka   KafkaSettings   `yaml:"kafka" json:"kafka"`
	Mongo   MongoSettings   `yaml:"mongo" json:"mongo"`
	Trigger TriggerSettings `yaml:"trigger" json:"trigger"`
}

type TargetSettings struct {
	Host                  string        `yaml:"host" json:"host" validate:"omitempty,hostname_rfc1123|ip"`
	Port                  int           `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
	User                  string        `yaml:"user" json:"user" validate:"omitempty,notblank"`
	PasswordRef           string        `yaml:"password_ref,omitempty" json:"password_ref,omitempty" validate:"omitempty,secretref"`
	KeyRef                string        `yaml:"key_ref,omitempty" json:"key_ref,omitempty" validate:"omitempty,secretref"`
	PassphraseRef         string        `yaml:"passphrase_ref,omitempty" json:"passphrase_ref,omitempty" validate:"omitempty,secretref"`
	KnownHosts            string        `yaml:"known_hosts" json:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key" json:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout" json:"connect_timeout" validate:"gte=0"`
}

type RunSettings struct {
	// OutputCap bounds stdout and stderr kept per step; -1 keeps everything.
	OutputCap      int           `yaml:"output_cap" json:"output_cap" validate:"gte=-1"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout" validate:"gte=0"`
	Retry          RetrySettings `yaml:"retry" json:"retry"`
}

// RetrySettings paces retry(n) steps. A zero InitialInterval retries immediately.
type RetrySettings struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval" validate:"gte=0"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier" validate:"omitempty,gte=1"`
}

type KafkaSettings struct {
	Brokers      []string `yaml:"brokers" json:"brokers" validate:"dive,hostname_port"`
	RequestTopic string   `yaml:"request_topic" json:"request_topic"`
	EventTopic   string   `yaml:"event_topic" json:"event_topic"`
	GroupID      string   `yaml:"group_id" json:"group_id"`
}

type MongoSettings struct {
	URIRef   string `yaml:"uri_ref" json:"uri_ref" validate:"omitempty,secretref"`
	Database string `yaml:"database" json:"database"`
	Plans    string `yaml:"plans" json:"plans"`
	Reports  string `yaml:"reports" json:"reports"`
}

type TriggerSettings struct {
	Listen string `yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
	Path   string `yaml:"path" json:"path" validate:"omitempty,startswith=/"`
}

var validate = validator.New()

func init() {
	_ = validate.RegisterValidation("notblank", validators.NotBlank)
	_ = validate.RegisterValidation("secretref", func(fl validator.FieldLevel) bool {
		return secrets.IsRef(fl.Field().String())
	})
}

// Default returns settings that work for a local setup without a config file.
func Default() *Settings {
	return &Settings{
		Target: TargetSettings{
			Port:           22,
			KnownHosts:     DefaultKnownHosts,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Run: RunSettings{
			OutputCap: DefaultOutputCap,
		},
		Kafka: KafkaSettings{
			Brokers:      []string{"localhost:9092"},
			RequestTopic: "rdeploy-requests",
			EventTopic:   "rdeploy-events",
			GroupID:      "rdeploy-agent",
		},
		Mongo: MongoSettings{
			URIRef:   "env:RDEPLOY_MONGO_URI",
			Database: "rdeploy",
			Plans:    "plans",
			Reports:  "reports",
		},
		Trigger: TriggerSettings{
			Listen: ":8083",
			Path:   "/runs",
		},
	}
}

// Validate checks field formats. Whether a target is complete enough to dial
// is checked by SSHConfig, since the CLI may fill it from flags.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid settings: %s (%s)", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Load fills Default() from store and validates the result.
func Load(ctx context.Context, store configstore.ConfigStore) (*Settings, error) {
	s := Default()
	if err := store.Load(ctx, s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFile is Load for a YAML file. An empty path or a missing optional file
// yields the defaults.
func LoadFile(ctx context.Context, path string, optional bool) (*Settings, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); optional && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(ctx, filestore.New(path))
}

// NewBackOff builds the pacing for one retried step.
func (r RetrySettings) NewBackOff() backoff.BackOff {
	if r.InitialInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	if r.Multiplier > 0 {
		b.Multiplier = r.Multiplier
	}
	// attempts are bounded by the step policy
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
