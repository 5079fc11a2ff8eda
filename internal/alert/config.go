package alert

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/accesswatch/internal/errs"
	"github.com/ppiankov/accesswatch/internal/model"
)

// Channel types.
const (
	TypeSlack   = "slack"
	TypeWebhook = "webhook"
	TypeEmail   = "email"
)

// DefaultChannelTimeout bounds one channel's whole send, retries included.
const DefaultChannelTimeout = 30 * time.Second

// ChannelConfig defines one notification destination.
type ChannelConfig struct {
	Name    string        `yaml:"name"    json:"name"    koanf:"name"`
	Type    string        `yaml:"type"    json:"type"    koanf:"type"` // "slack", "webhook", "email"
	Timeout time.Duration `yaml:"timeout" json:"timeout" koanf:"timeout"`
	// MinSeverity skips alerts below this severity. Empty sends everything.
	MinSeverity string `yaml:"min_severity" json:"min_severity" koanf:"min_severity"`

	// slack and webhook
	URL     string            `yaml:"url"     json:"url"     koanf:"url"`
	Format  string            `yaml:"format"  json:"format"  koanf:"format"` // webhook: "generic", "pagerduty", "slack"
	Headers map[string]string `yaml:"headers" json:"headers" koanf:"headers"`
	// Channels overrides the Slack channel per severity.
	Channels map[string]string `yaml:"channels" json:"channels" koanf:"channels"`

	// email
	SMTPHost   string              `yaml:"smtp_host"  json:"smtp_host"  koanf:"smtp_host"`
	SMTPPort   int                 `yaml:"smtp_port"  json:"smtp_port"  koanf:"smtp_port"`
	Username   string              `yaml:"username"   json:"username"   koanf:"username"`
	Password   string              `yaml:"password"   json:"-"          koanf:"password"`
	From       string              `yaml:"from"       json:"from"       koanf:"from"`
	Recipients map[string][]string `yaml:"recipients" json:"recipients" koanf:"recipients"` // persona -> addresses
}

// Validate checks required fields per type.
func (c ChannelConfig) Validate() error {
	ctx := map[string]string{"channel": c.Name, "type": c.Type}
	if c.Name == "" {
		return errs.Configuration("channel name is required", ctx, nil)
	}
	switch c.Type {
	case TypeSlack, TypeWebhook:
		if c.URL == "" {
			return errs.Configuration("channel url is required", ctx, nil)
		}
	case TypeEmail:
		if c.SMTPHost == "" {
			return errs.Configuration("smtp_host is required", ctx, nil)
		}
	default:
		return errs.Configuration("unknown channel type", ctx, nil)
	}
	if c.MinSeverity != "" {
		if _, err := model.ParseSeverity(c.MinSeverity); err != nil {
			return errs.Configuration("invalid min_severity", ctx, err)
		}
	}
	return nil
}

type channelsFile struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannels reads a channels YAML file. A missing file means no channels.
func LoadChannels(path string) ([]ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Configuration("failed to read channels", map[string]string{"path": path}, err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errs.Configuration("failed to parse channels", map[string]string{"path": path}, err)
	}
	for _, c := range f.Channels {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Channels, nil
}

// Build constructs channels from configs, in config order.
func Build(configs []ChannelConfig) ([]Channel, error) {
	seen := make(map[string]bool, len(configs))
	out := make([]Channel, 0, len(configs))
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, errs.Configuration("duplicate channel name", map[string]string{"channel": c.Name}, nil)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeSlack:
			out = append(out, NewSlackChannel(c))
		case TypeWebhook:
			out = append(out, NewWebhookChannel(c))
		case TypeEmail:
			out = append(out, NewEmailChannel(c))
		default:
			return nil, fmt.Errorf("unreachable channel type %q", c.Type)
		}
	}
	return out, nil
}
