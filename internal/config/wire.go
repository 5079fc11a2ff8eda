package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/accesswatch/internal/alert"
	"github.com/ppiankov/accesswatch/internal/audit"
	"github.com/ppiankov/accesswatch/internal/clock"
	"github.com/ppiankov/accesswatch/internal/kpi"
	"github.com/ppiankov/accesswatch/internal/model"
	"github.com/ppiankov/accesswatch/internal/policy"
	"github.com/ppiankov/accesswatch/internal/risk"
	"github.com/ppiankov/accesswatch/internal/storage"
)

// Components is the wired object graph for one process.
type Components struct {
	Config        *Config
	Store         storage.Store
	Audit         *audit.Mirror
	Thresholds    model.Thresholds
	ThresholdHash string
	KPI           *kpi.Engine
	Policy        *policy.Engine
	Alerts        *alert.Generator
	Analyzer      *risk.Analyzer
	Clock         clock.Clock

	log      *zap.Logger
	reloadMu sync.Mutex
}

// Wire opens storage and the audit log and builds every engine. Callers
// must Close the result.
func Wire(ctx context.Context, cfg *Config, log *zap.Logger, clk clock.Clock) (*Components, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System{}
	}

	thresholds, hash, err := policy.LoadThresholds(cfg.ThresholdsFile)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, storage.Options{
		Backend:    cfg.Storage.Backend,
		Path:       cfg.Storage.Path,
		Passphrase: cfg.Storage.Passphrase,
		Iterations: cfg.Storage.Iterations,
		Clock:      clk,
	})
	if err != nil {
		return nil, err
	}

	var chain *audit.Log
	if cfg.Audit.Path != "" {
		chain, err = audit.Open(cfg.Audit.Path)
		if err != nil {
			return nil, errors.Join(err, store.Close())
		}
	}
	auditor := audit.NewMirror(chain, log)

	c := &Components{
		Config:        cfg,
		Store:         store,
		Audit:         auditor,
		Thresholds:    thresholds,
		ThresholdHash: hash,
		Clock:         clk,
		log:           log,
	}

	c.KPI, err = kpi.NewEngine(store, auditor, clk, log.Named("kpi"))
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.Policy = policy.NewEngine(store, auditor, clk, log.Named("policy"), thresholds)

	client, err := newAIClient(ctx, cfg.AI)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	c.Analyzer = risk.NewAnalyzer(client, clk, log.Named("risk"), cfg.AI.Timeout, cfg.AI.MaxTokens)

	channels, err := alert.Build(cfg.Channels)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}
	var opts []alert.GeneratorOption
	if client != nil {
		opts = append(opts, alert.WithAdvisor(c.Analyzer))
	}
	c.Alerts = alert.NewGenerator(store, channels, auditor, clk, log.Named("alert"), opts...)

	log.Info("components wired",
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("channels", len(channels)),
		zap.String("ai_provider", cfg.AI.Provider),
		zap.String("thresholds_hash", hash))
	return c, nil
}

// newAIClient returns nil when no provider is configured.
func newAIClient(ctx context.Context, ai AIConfig) (risk.Client, error) {
	switch strings.ToLower(ai.Provider) {
	case "", ProviderNone:
		return nil, nil
	case ProviderOpenAI:
		return risk.NewOpenAIClient(risk.OpenAIConfig{
			APIURL:      ai.APIURL,
			APIKey:      ai.APIKey,
			Model:       ai.Model,
			Temperature: ai.Temperature,
			Timeout:     ai.Timeout,
		}), nil
	case ProviderBedrock:
		c, err := risk.NewBedrockClient(ctx, risk.BedrockConfig{Region: ai.Region, ModelID: ai.Model})
		if err != nil {
			return nil, fmt.Errorf("bedrock client: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", ai.Provider)
	}
}

// ReloadThresholds re-reads the thresholds file and swaps it into the policy
// engine. A file that fails to parse leaves the running table in place.
func (c *Components) ReloadThresholds() error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	th, hash, err := policy.LoadThresholds(c.Config.ThresholdsFile)
	if err != nil {
		return err
	}
	if hash == c.ThresholdHash {
		return nil
	}
	prev := c.ThresholdHash
	c.Policy.SetThresholds(th)
	c.Thresholds, c.ThresholdHash = th, hash

	_ = c.Audit.Log(model.AuditEvent{
		EventType: model.EventThresholdsReloaded,
		Timestamp: c.Clock.Now(),
		Details: map[string]string{
			"path":          c.Config.ThresholdsFile,
			"previous_hash": prev,
			"hash":          hash,
		},
	})
	c.log.Info("thresholds reloaded", zap.String("hash", hash))
	return nil
}

// Close releases storage and the audit log.
func (c *Components) Close() error {
	var errList []error
	if c.Store != nil {
		errList = append(errList, c.Store.Close())
	}
	if c.Audit != nil {
		errList = append(errList, c.Audit.Close())
	}
	return errors.Join(errList...)
}
