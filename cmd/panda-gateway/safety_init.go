package main

import (
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-panda-gateway/internal/metrics"
	"github.com/kstaniek/go-panda-gateway/internal/safety"
)

// initGate builds the safety gate in NO_OUTPUT and registers the policies
// from --safety-policy.
func initGate(cfg *appConfig, l *slog.Logger) (*safety.Gate, error) {
	g := safety.New(
		safety.WithHeartbeatTimeout(cfg.heartbeatTO),
		safety.WithTransitionHook(func(from, to safety.Mode, why safety.Reason) {
			metrics.SetSafetyMode(uint8(to))
			l.Info("safety_mode_change", "from", from.String(), "to", to.String(), "reason", string(why))
		}),
	)
	if cfg.safetyPolicy == "" {
		return g, nil
	}
	sets, err := safety.LoadPolicies(cfg.safetyPolicy)
	if err != nil {
		return nil, fmt.Errorf("safety policy %s: %w", cfg.safetyPolicy, err)
	}
	g.Apply(sets...)
	for _, s := range sets {
		l.Info("safety_policy", "mode", s.Mode.String(), "tx", s.Tx != nil, "rx", s.Rx != nil, "forward", s.Forward != nil)
	}
	return g, nil
}
