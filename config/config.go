package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	postgres_wrapper "github.com/propgate/propgate/pkg/infra/postgres"
	redis_wrapper "github.com/propgate/propgate/pkg/infra/redis"
	auditstore "github.com/propgate/propgate/pkg/pipeline/audit_store"
	"github.com/propgate/propgate/pkg/pipeline/model"
	"github.com/propgate/propgate/pkg/pipeline/recon"
	"github.com/propgate/propgate/pkg/pipeline/risk"
	"github.com/propgate/propgate/pkg/pipeline/router"
	"github.com/propgate/propgate/pkg/pipeline/signal"
)

type NatsConfig struct {
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
	Subject string `yaml:"subject"`
	Durable string `yaml:"durable"`
}

type VenueConfig struct {
	Name        string `yaml:"name"`
	Kind        string `yaml:"kind"` // "paper" or "ws"
	URL         string `yaml:"url"`
	AccessToken string `yaml:"access_token"`
}

// ReconConfig mirrors recon.Config with the tolerance as a string; yaml has
// no native decimal scalar.
type ReconConfig struct {
	Interval       time.Duration `yaml:"interval"`
	Tolerance      string        `yaml:"tolerance"`
	HaltOnMismatch *bool         `yaml:"halt_on_mismatch"`
}

func (c *ReconConfig) ToRecon() (recon.Config, error) {
	out := recon.Config{Interval: c.Interval, HaltOnMismatch: c.HaltOnMismatch}
	if c.Tolerance != "" {
		tol, err := decimal.NewFromString(c.Tolerance)
		if err != nil {
			return out, fmt.Errorf("recon tolerance %q: %w", c.Tolerance, err)
		}
		out.Tolerance = tol
	}
	return out, nil
}

// LimitTemplateConfig is the yaml form of a firm limits template. Money
// values are strings and parsed into decimals on load.
type LimitTemplateConfig struct {
	Name string `yaml:"name"`
	Firm string `yaml:"firm"`

	MaxPositionSize  string `yaml:"max_position_size"`
	MaxDailyLoss     string `yaml:"max_daily_loss"`
	TrailingDrawdown string `yaml:"trailing_drawdown"`
	MaxOrderCount    int    `yaml:"max_order_count"`

	AssetClass string `yaml:"asset_class"`

	AccountSize     string `yaml:"account_size"`
	ProfitTargetPct string `yaml:"profit_target_pct"`
	MinTradingDays  int    `yaml:"min_trading_days"`
}

func (t *LimitTemplateConfig) ToLimits() (model.Limits, error) {
	out := model.Limits{
		Name:           t.Name,
		Firm:           t.Firm,
		MaxOrderCount:  t.MaxOrderCount,
		AssetClass:     t.AssetClass,
		MinTradingDays: t.MinTradingDays,
	}
	for _, f := range []struct {
		raw  string
		dest *decimal.Decimal
	}{
		{t.MaxPositionSize, &out.MaxPositionSize},
		{t.MaxDailyLoss, &out.MaxDailyLoss},
		{t.TrailingDrawdown, &out.TrailingDrawdown},
		{t.AccountSize, &out.AccountSize},
		{t.ProfitTargetPct, &out.ProfitTargetPct},
	} {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return out, fmt.Errorf("limit template %s: %q: %w", t.Name, f.raw, err)
		}
		*f.dest = d
	}
	return out, nil
}

// AccountConfig seeds an account at startup. Webhook secrets come from the
// environment via os.ExpandEnv, never from the file itself.
type AccountConfig struct {
	AccountID     string `yaml:"account_id"`
	Venue         string `yaml:"venue"`
	LimitTemplate string `yaml:"limit_template"`
	Phase         string `yaml:"phase"`
	EquityStart   string `yaml:"equity_start"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type AppConfig struct {
	ServiceName string `yaml:"service_name"`
	ListenAddr  string `yaml:"listen_addr"`

	PipelineDB *postgres_wrapper.PostgresConfig `yaml:"pipeline_db"`
	Redis      *redis_wrapper.RedisConfig       `yaml:"redis"`
	Nats       *NatsConfig                      `yaml:"nats"`
	Kafka      *auditstore.KafkaConfig          `yaml:"kafka"`

	Signal signal.Config `yaml:"signal"`
	Risk   risk.Config   `yaml:"risk"`
	Router router.Config `yaml:"router"`
	Recon  ReconConfig   `yaml:"recon"`

	Venues         []VenueConfig         `yaml:"venues"`
	LimitTemplates []LimitTemplateConfig `yaml:"limit_templates"`
	Accounts       []AccountConfig       `yaml:"accounts"`
}

// Load load config from file and environment variables.
func Load(filePath string) (*AppConfig, error) {
	if len(filePath) == 0 {
		filePath = os.Getenv("CONFIG_FILE")
	}

	fields := []interface{}{
		"func",
		"config.readFromFile",
		"filePath",
		filePath,
	}

	sugar := zap.S().With(fields...)

	sugar.Debug("Load config...")
	zap.S().Debugf("CONFIG_FILE=%v", filePath)

	configBytes, err := os.ReadFile(filePath)
	if err != nil {
		sugar.Error("Failed to load config file")
		return nil, err
	}
	configBytes = []byte(os.ExpandEnv(string(configBytes)))

	cfg := &AppConfig{}

	err = yaml.Unmarshal(configBytes, cfg)
	if err != nil {
		sugar.Error("Failed to parse config file")
		return nil, err
	}

	return cfg, nil
}

// LimitTemplate resolves a named limits template.
func (c *AppConfig) LimitTemplate(name string) (model.Limits, error) {
	for i := range c.LimitTemplates {
		if c.LimitTemplates[i].Name == name {
			return c.LimitTemplates[i].ToLimits()
		}
	}
	return model.Limits{}, fmt.Errorf("unknown limit template %q", name)
}
