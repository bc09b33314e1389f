package mls

import "log/slog"

// StateOpt configures a State at construction time. Following the
// functional-options pattern, options are applied in order, so a later
// WithLogger/WithExtensions call overrides an earlier one.
type StateOpt func(*stateConfig)

type stateConfig struct {
	logger     *slog.Logger
	extensions ExtensionList
}

func newStateConfig(opts []StateOpt) *stateConfig {
	cfg := &stateConfig{logger: discardLogger()}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithLogger attaches a structured logger to a State. Caching a proposal,
// accepting a peer's commit and sending a commit are logged at Debug with
// group_id/epoch/leaf_index fields, never secret material. Ratchet key
// erasure and confirmation-tag mismatches are not logged.
func WithLogger(logger *slog.Logger) StateOpt {
	return func(cfg *stateConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithExtensions seeds the GroupContext's extension list at group
// creation time (e.g. required_capabilities).
func WithExtensions(ext ExtensionList) StateOpt {
	return func(cfg *stateConfig) {
		cfg.extensions = ext
	}
}
