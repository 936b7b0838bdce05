package main

import (
	"context"
	"log/slog"
	"sort"

	"github.com/zoobzio/chainz"
	"github.com/zoobzio/chainz/examples/middleware"
)

// stageEntry builds one catalogue stage from the config.
type stageEntry struct {
	description string
	build       func(cfg *Config, verifier middleware.TokenVerifier, logger *slog.Logger) chainz.Stage[*middleware.Request]
}

// catalogue lists every stage a config may name.
var catalogue = map[string]stageEntry{
	middleware.StageRequestID: {
		description: "assign a request id",
		build: func(*Config, middleware.TokenVerifier, *slog.Logger) chainz.Stage[*middleware.Request] {
			return middleware.RequestID()
		},
	},
	middleware.StageAccessLog: {
		description: "log each request after the chain finishes",
		build: func(_ *Config, _ middleware.TokenVerifier, logger *slog.Logger) chainz.Stage[*middleware.Request] {
			return middleware.AccessLog(logger)
		},
	},
	"rate-limit": {
		description: "token bucket shared by every request (rate_limit)",
		build: func(cfg *Config, _ middleware.TokenVerifier, _ *slog.Logger) chainz.Stage[*middleware.Request] {
			return chainz.NewRateLimit[*middleware.Request]("rate-limit", cfg.RateLimit.Rate, cfg.RateLimit.Burst).
				SetMode(cfg.RateLimit.Mode)
		},
	},
	"deadline": {
		description: "bound the rest of the chain by timeout",
		build: func(cfg *Config, _ middleware.TokenVerifier, _ *slog.Logger) chainz.Stage[*middleware.Request] {
			return chainz.NewDeadline[*middleware.Request]("deadline", cfg.Timeout)
		},
	},
	"context-check": {
		description: "fail when the request context is already done",
		build: func(*Config, middleware.TokenVerifier, *slog.Logger) chainz.Stage[*middleware.Request] {
			return chainz.ContextCheck[*middleware.Request]("context-check")
		},
	},
	middleware.StageAuth: {
		description: "reject requests without a valid token (auth)",
		build: func(_ *Config, verifier middleware.TokenVerifier, _ *slog.Logger) chainz.Stage[*middleware.Request] {
			return middleware.Auth(verifier)
		},
	},
	middleware.StageValidateBody: {
		description: "require a data field in the body",
		build: func(*Config, middleware.TokenVerifier, *slog.Logger) chainz.Stage[*middleware.Request] {
			return middleware.ValidateBody()
		},
	},
	middleware.StageHandler: {
		description: "serve the request and end the chain",
		build: func(*Config, middleware.TokenVerifier, *slog.Logger) chainz.Stage[*middleware.Request] {
			return middleware.Handler()
		},
	},
	"double-next": {
		description: "faulty stage that calls next twice",
		build: func(*Config, middleware.TokenVerifier, *slog.Logger) chainz.Stage[*middleware.Request] {
			return chainz.Use("double-next", func(ctx context.Context, _ *middleware.Request, next chainz.Next) error {
				if err := next(ctx); err != nil {
					return err
				}
				return next(ctx)
			})
		},
	},
}

// catalogueNames returns the catalogue's stage names sorted.
func catalogueNames() []string {
	names := make([]string, 0, len(catalogue))
	for name := range catalogue {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
