package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/onenameio/blockstore/chainview"
)

const (
	DefaultThresholdPercent   = 70
	DefaultAnchorPollInterval = 2 * time.Second
	DefaultSlotPollInterval   = time.Second

	defaultFirstProposalTiming  = 30 * time.Second
	defaultBlockProposalTimeout = 10 * time.Minute
)

// Config maps to the on-disk yaml format.
type Config struct {
	// AnchorAddr is the anchor-chain node's RPC address.
	AnchorAddr string `yaml:"anchorAddr"`

	// OracleAddr is the block validation endpoint of the local ledger node.
	OracleAddr string `yaml:"oracleAddr"`

	// RewardCycleLength and PrepareOffset are in burn blocks.
	RewardCycleLength uint64 `yaml:"rewardCycleLength"`
	PrepareOffset     uint64 `yaml:"prepareOffset"`

	// ThresholdPercent is the accepted-weight super-majority required to
	// authorize a block. Defaults to 70.
	ThresholdPercent uint64 `yaml:"thresholdPercent,omitempty"`

	// FirstProposalBurnBlockTiming and BlockProposalTimeout are duration
	// strings (e.g. "30s").
	FirstProposalBurnBlockTiming string `yaml:"firstProposalBurnBlockTiming,omitempty"`
	BlockProposalTimeout         string `yaml:"blockProposalTimeout,omitempty"`

	AnchorPollInterval string `yaml:"anchorPollInterval,omitempty"`
	SlotPollInterval   string `yaml:"slotPollInterval,omitempty"`

	// DebugAddr serves prometheus metrics when set.
	DebugAddr string `yaml:"debugAddr,omitempty"`
}

func (c *Config) MustMarshalYaml() []byte {
	out, err := yaml.Marshal(c)
	if err != nil {
		panic(err)
	}
	return out
}

// ValidateSignerConfig checks everything a member process needs to start.
func (c *Config) ValidateSignerConfig() error {
	if c.AnchorAddr == "" {
		return fmt.Errorf("anchorAddr can't be empty")
	}
	if c.OracleAddr == "" {
		return fmt.Errorf("oracleAddr can't be empty")
	}
	if c.RewardCycleLength == 0 {
		return fmt.Errorf("rewardCycleLength must be positive")
	}
	if c.PrepareOffset == 0 || c.PrepareOffset >= c.RewardCycleLength {
		return fmt.Errorf("prepareOffset (%d) must be within (0, rewardCycleLength)", c.PrepareOffset)
	}
	if c.ThresholdPercent > 100 {
		return fmt.Errorf("thresholdPercent (%d) must be at most 100", c.ThresholdPercent)
	}
	if c.DebugAddr != "" {
		if _, _, err := net.SplitHostPort(c.DebugAddr); err != nil {
			return fmt.Errorf("invalid debugAddr: %w", err)
		}
	}
	for _, d := range []string{
		c.FirstProposalBurnBlockTiming,
		c.BlockProposalTimeout,
		c.AnchorPollInterval,
		c.SlotPollInterval,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// ProposalEvalConfig resolves the duration fields with defaults applied.
func (c *Config) ProposalEvalConfig() chainview.ProposalEvalConfig {
	return chainview.ProposalEvalConfig{
		FirstProposalBurnBlockTiming: durationOr(c.FirstProposalBurnBlockTiming, defaultFirstProposalTiming),
		BlockProposalTimeout:         durationOr(c.BlockProposalTimeout, defaultBlockProposalTimeout),
	}
}

func (c *Config) ResolvedThresholdPercent() uint64 {
	if c.ThresholdPercent == 0 {
		return DefaultThresholdPercent
	}
	return c.ThresholdPercent
}

func (c *Config) ResolvedAnchorPollInterval() time.Duration {
	return durationOr(c.AnchorPollInterval, DefaultAnchorPollInterval)
}

func (c *Config) ResolvedSlotPollInterval() time.Duration {
	return durationOr(c.SlotPollInterval, DefaultSlotPollInterval)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// RuntimeConfig carries the resolved home layout alongside the parsed config.
type RuntimeConfig struct {
	HomeDir    string
	ConfigFile string
	StateDir   string
	PidFile    string
	Config     Config
}

// KeyFilePath is the member's ed25519 key file.
func (c RuntimeConfig) KeyFilePath() string {
	return filepath.Join(c.HomeDir, "signer_key.json")
}

// DecisionFilePath is the persisted evaluation decision store.
func (c RuntimeConfig) DecisionFilePath() string {
	return filepath.Join(c.StateDir, "decisions.json")
}

// WriteConfigFile persists the config yaml to the runtime location.
func (c RuntimeConfig) WriteConfigFile() error {
	if err := os.MkdirAll(c.HomeDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(c.ConfigFile, c.Config.MustMarshalYaml(), 0600)
}
