package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

const largeSendQueueBytes = 4 << 20 // 4MiB

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication; any client can register and place calls",
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

	if cfg.Mode == config.ModeProd && cfg.MaxParticipants <= 0 {
		logger.Warn("startup security warning: MAX_PARTICIPANTS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_participants_unlimited_in_prod",
			"max_participants", cfg.MaxParticipants,
			"mode", cfg.Mode,
		)
	}

	if cfg.SendQueueBytes > largeSendQueueBytes {
		logger.Warn("startup security warning: SEND_QUEUE_BYTES is very large (slow consumers can pin memory before they are disconnected)",
			"warning_code", "send_queue_bytes_large",
			"send_queue_bytes", cfg.SendQueueBytes,
			"mode", cfg.Mode,
		)
	}
}
