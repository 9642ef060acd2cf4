package execution

import (
	"context"
	"time"

	"github.com/crosslane/solver/errs"
	"github.com/crosslane/solver/internal/observability"
)

// FactoryConfig selects and configures the transport for the process.
type FactoryConfig struct {
	Policy  Policy
	Direct  DirectConfig
	Relayer *RelayerConfig
	// ProbeTimeout bounds the hybrid health probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

// NewEngine builds the engine for the configured policy. The hybrid policy
// builds and probes the relayer once, falling back to the direct engine when
// either step fails; the choice is final for the process lifetime.
func NewEngine(ctx context.Context, cfg FactoryConfig) (Engine, error) {
	const op = "execution/factory"
	switch cfg.Policy {
	case PolicyDirect, "":
		return NewDirectEngine(cfg.Direct)

	case PolicyRelayer:
		if cfg.Relayer == nil {
			return nil, errs.New(op, errs.CodeValidation,
				errs.WithMessage("relayer policy requires relayer configuration"))
		}
		return NewRelayerEngine(*cfg.Relayer)

	case PolicyHybrid:
		if cfg.Relayer == nil {
			return nil, errs.New(op, errs.CodeValidation,
				errs.WithMessage("hybrid policy requires relayer configuration"))
		}
		relayer, err := NewRelayerEngine(*cfg.Relayer)
		if err != nil {
			observability.Log().Info("relayer construction failed, falling back to direct transport",
				observability.F("error", err.Error()))
			return NewDirectEngine(cfg.Direct)
		}

		probeTimeout := cfg.ProbeTimeout
		if probeTimeout <= 0 {
			probeTimeout = 5 * time.Second
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := relayer.Probe(probeCtx); err != nil {
			observability.Log().Info("relayer probe failed, falling back to direct transport",
				observability.F("error", err.Error()))
			return NewDirectEngine(cfg.Direct)
		}
		return relayer, nil

	default:
		return nil, errs.New(op, errs.CodeValidation,
			errs.WithMessage("unknown execution policy"), errs.WithMeta("policy", string(cfg.Policy)))
	}
}
