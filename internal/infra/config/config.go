// Package config manages solver configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr joins host and port into a listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ChainDetails locates one chain.
type ChainDetails struct {
	RPCURL  string `yaml:"rpcUrl"`
	ChainID uint64 `yaml:"chainId"`
}

// ChainsConfig names the two chains an order spans.
type ChainsConfig struct {
	Origin      ChainDetails `yaml:"origin"`
	Destination ChainDetails `yaml:"destination"`
}

// SolverConfig carries the solver identity and settlement behaviour.
type SolverConfig struct {
	// PrivateKey is the hex-encoded solver signing key. Overridden by
	// SOLVER_PRIVATE_KEY; never log it.
	PrivateKey               string `yaml:"privateKey"`
	FinalizationDelaySeconds int    `yaml:"finalizationDelaySeconds"`
	// GasLimit is the fallback gas limit when estimation is unavailable.
	GasLimit uint64 `yaml:"gasLimit"`
	// GasPriceGwei pins the gas price; empty defers to the transport.
	GasPriceGwei string `yaml:"gasPriceGwei"`
	// VerifySignatures enables maker signature checks on submission.
	VerifySignatures bool `yaml:"verifySignatures"`
}

// FinalizationDelay returns the delay as a duration.
func (c SolverConfig) FinalizationDelay() time.Duration {
	return time.Duration(c.FinalizationDelaySeconds) * time.Second
}

// GasPriceWei converts the configured gwei price to wei. Empty means unset.
func (c SolverConfig) GasPriceWei() (*big.Int, error) {
	raw := strings.TrimSpace(c.GasPriceGwei)
	if raw == "" {
		return nil, nil
	}
	gwei, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gasPriceGwei: %w", err)
	}
	wei := gwei.Shift(9)
	if !wei.IsInteger() || wei.IsNegative() {
		return nil, fmt.Errorf("gasPriceGwei %q does not resolve to whole wei", raw)
	}
	return wei.BigInt(), nil
}

// ContractsConfig holds the deployed contract addresses.
type ContractsConfig struct {
	TheCompact     string `yaml:"theCompact"`
	SettlerCompact string `yaml:"settlerCompact"`
	CoinFiller     string `yaml:"coinFiller"`
}

// ExecutionConfig selects the transport and encoder.
type ExecutionConfig struct {
	// Policy is direct, relayer or hybrid.
	Policy           string  `yaml:"policy"`
	Encoder          string  `yaml:"encoder"`
	OpTimeoutSeconds int     `yaml:"opTimeoutSeconds"`
	GasBuffer        float64 `yaml:"gasBuffer"`
}

// OpTimeout returns the per-operation timeout as a duration.
func (c ExecutionConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSeconds) * time.Second
}

// MonitoringConfig tunes the background sweep.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled"`
	CheckIntervalSeconds int     `yaml:"checkIntervalSeconds"`
	AutoFinalize         bool    `yaml:"autoFinalize"`
	DispatchPerSecond    float64 `yaml:"dispatchPerSecond"`
	DispatchBurst        int     `yaml:"dispatchBurst"`
	Workers              int     `yaml:"workers"`
	Queue                int     `yaml:"queue"`
}

// CheckInterval returns the sweep interval as a duration.
func (c MonitoringConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// PersistenceConfig controls the order snapshot file.
type PersistenceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DataFile string `yaml:"dataFile"`
}

// RelayerConfig configures the delegated execution service.
type RelayerConfig struct {
	Enabled             bool   `yaml:"enabled"`
	APIBaseURL          string `yaml:"apiBaseUrl"`
	APIKey              string `yaml:"apiKey"`
	OriginEndpoint      string `yaml:"originEndpoint"`
	DestinationEndpoint string `yaml:"destinationEndpoint"`
	TimeoutSeconds      int    `yaml:"timeoutSeconds"`
	UseAsync            bool   `yaml:"useAsync"`
}

// Timeout returns the completion wait as a duration.
func (c RelayerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EventbusConfig sizes the lifecycle event bus buffers.
type EventbusConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// TelemetryConfig configures OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// AppConfig is the unified solver configuration sourced from YAML.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Chains      ChainsConfig      `yaml:"chains"`
	Solver      SolverConfig      `yaml:"solver"`
	Contracts   ContractsConfig   `yaml:"contracts"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Relayer     RelayerConfig     `yaml:"relayer"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the local development configuration: two anvil chains and
// a well-known test key.
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{Host: "0.0.0.0", Port: 3000},
		Chains: ChainsConfig{
			Origin:      ChainDetails{RPCURL: "http://localhost:8545", ChainID: 31337},
			Destination: ChainDetails{RPCURL: "http://localhost:8546", ChainID: 31338},
		},
		Solver: SolverConfig{
			PrivateKey:               "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
			FinalizationDelaySeconds: 30,
			GasLimit:                 500_000,
			VerifySignatures:         true,
		},
		Contracts: ContractsConfig{
			TheCompact:     "0x0000000000000000000000000000000000000000",
			SettlerCompact: "0x0000000000000000000000000000000000000000",
			CoinFiller:     "0x0000000000000000000000000000000000000000",
		},
		Execution: ExecutionConfig{
			Policy:           "direct",
			Encoder:          "abi",
			OpTimeoutSeconds: 300,
			GasBuffer:        1.2,
		},
		Monitoring: MonitoringConfig{
			Enabled:              true,
			CheckIntervalSeconds: 60,
			AutoFinalize:         true,
			DispatchPerSecond:    5,
			DispatchBurst:        10,
			Workers:              4,
			Queue:                64,
		},
		Persistence: PersistenceConfig{Enabled: true, DataFile: "data/orders.json"},
		Relayer: RelayerConfig{
			Enabled:             false,
			APIBaseURL:          "http://localhost:8080/api/v1",
			OriginEndpoint:      "anvil-origin-relayer",
			DestinationEndpoint: "anvil-destination-relayer",
			TimeoutSeconds:      300,
		},
		Eventbus:  EventbusConfig{BufferSize: 64},
		Telemetry: TelemetryConfig{ServiceName: "crosslane-solver"},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, path string) (AppConfig, error) {
	_ = ctx

	raw, err := os.ReadFile(filepath.Clean(strings.TrimSpace(path)))
	if err != nil {
		return AppConfig{}, fmt.Errorf("open solver config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the config file when it exists and falls back to the
// defaults (plus environment overrides) when it does not.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(ctx, path)
		}
	}

	cfg := Default()
	cfg.applyEnvOverrides()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments inject secrets and endpoint
// URLs without touching the config file.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv("SOLVER_PRIVATE_KEY"); v != "" {
		c.Solver.PrivateKey = v
	}
	if v := os.Getenv("ORIGIN_RPC_URL"); v != "" {
		c.Chains.Origin.RPCURL = v
	}
	if v := os.Getenv("DESTINATION_RPC_URL"); v != "" {
		c.Chains.Destination.RPCURL = v
	}
	if v := os.Getenv("RELAYER_API_URL"); v != "" {
		c.Relayer.APIBaseURL = v
	}
	if v := os.Getenv("RELAYER_API_KEY"); v != "" {
		c.Relayer.APIKey = v
	}
	if v := os.Getenv("RELAYER_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err == nil {
			c.Relayer.Enabled = enabled
		}
	}
}

func (c *AppConfig) normalise() {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Chains.Origin.RPCURL = strings.TrimSpace(c.Chains.Origin.RPCURL)
	c.Chains.Destination.RPCURL = strings.TrimSpace(c.Chains.Destination.RPCURL)
	c.Solver.PrivateKey = strings.TrimSpace(c.Solver.PrivateKey)
	c.Execution.Policy = strings.ToLower(strings.TrimSpace(c.Execution.Policy))
	c.Execution.Encoder = strings.ToLower(strings.TrimSpace(c.Execution.Encoder))
	c.Relayer.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.Relayer.APIBaseURL), "/")
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.Execution.Policy == "" {
		c.Execution.Policy = "direct"
	}
	if c.Execution.OpTimeoutSeconds <= 0 {
		c.Execution.OpTimeoutSeconds = 300
	}
	if c.Execution.GasBuffer < 1 {
		c.Execution.GasBuffer = 1.2
	}
	if c.Monitoring.CheckIntervalSeconds <= 0 {
		c.Monitoring.CheckIntervalSeconds = 60
	}
	if c.Solver.FinalizationDelaySeconds < 0 {
		c.Solver.FinalizationDelaySeconds = 0
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}
	if c.Persistence.Enabled && strings.TrimSpace(c.Persistence.DataFile) == "" {
		c.Persistence.DataFile = "data/orders.json"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535")
	}
	if c.Chains.Origin.RPCURL == "" || c.Chains.Origin.ChainID == 0 {
		return fmt.Errorf("origin chain rpcUrl and chainId required")
	}
	if c.Chains.Destination.RPCURL == "" || c.Chains.Destination.ChainID == 0 {
		return fmt.Errorf("destination chain rpcUrl and chainId required")
	}
	if c.Chains.Origin.ChainID == c.Chains.Destination.ChainID {
		return fmt.Errorf("origin and destination chainId must differ")
	}
	if c.Solver.PrivateKey == "" {
		return fmt.Errorf("solver privateKey required")
	}

	for name, addr := range map[string]string{
		"theCompact":     c.Contracts.TheCompact,
		"settlerCompact": c.Contracts.SettlerCompact,
		"coinFiller":     c.Contracts.CoinFiller,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("contracts %s: invalid address %q", name, addr)
		}
	}

	switch c.Execution.Policy {
	case "direct":
	case "relayer", "hybrid":
		if !c.Relayer.Enabled {
			return fmt.Errorf("execution policy %q requires relayer.enabled", c.Execution.Policy)
		}
	default:
		return fmt.Errorf("execution policy must be direct, relayer or hybrid")
	}
	switch c.Execution.Encoder {
	case "", "abi":
	default:
		return fmt.Errorf("execution encoder %q not supported", c.Execution.Encoder)
	}

	if c.Relayer.Enabled {
		if c.Relayer.APIBaseURL == "" {
			return fmt.Errorf("relayer apiBaseUrl required when enabled")
		}
		if c.Relayer.OriginEndpoint == "" || c.Relayer.DestinationEndpoint == "" {
			return fmt.Errorf("relayer originEndpoint and destinationEndpoint required when enabled")
		}
	}

	if _, err := c.Solver.GasPriceWei(); err != nil {
		return fmt.Errorf("solver: %w", err)
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// SettlerAddress parses the configured settlement contract address.
func (c ContractsConfig) SettlerAddress() common.Address {
	return common.HexToAddress(c.SettlerCompact)
}

// FillerAddress parses the configured filler contract address.
func (c ContractsConfig) FillerAddress() common.Address {
	return common.HexToAddress(c.CoinFiller)
}
