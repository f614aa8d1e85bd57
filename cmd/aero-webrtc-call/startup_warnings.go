package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none trusts the caller-supplied user id",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode != config.ModeProd {
		return
	}

	if cfg.Store == config.StoreMemory {
		logger.Warn("startup warning: call records are kept in memory while --mode=prod (lost on restart)",
			"warning_code", "memory_store_in_prod",
			"store", cfg.Store,
			"mode", cfg.Mode,
		)
	}
	if cfg.Broker == config.BrokerLocal {
		logger.Warn("startup warning: local broker while --mode=prod (notifications do not cross instances)",
			"warning_code", "local_broker_in_prod",
			"broker", cfg.Broker,
			"mode", cfg.Mode,
		)
	}
	if cfg.RingTimeout > 2*time.Minute {
		logger.Warn("startup warning: CALL_RING_TIMEOUT is very large (unanswered calls hold callee inboxes busy)",
			"warning_code", "ring_timeout_large",
			"ring_timeout", cfg.RingTimeout,
			"mode", cfg.Mode,
		)
	}
}
