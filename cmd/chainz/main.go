package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zoobzio/chainz"
	"github.com/zoobzio/chainz/examples/middleware"
)

var version = "0.1.0"

// errMisuse marks a run in which some stage called next more than once.
var errMisuse = errors.New("one or more stages misused their continuation")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chainz",
		Short: "Run requests through a configured middleware pipeline",
		Long: `chainz builds an ordered middleware pipeline from a YAML file and
dispatches the configured requests through it, printing how each one ended.

Use it to try stage orderings, watch short-circuits and failures, and see
how a stage that calls next twice is caught.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Disable default completion command
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newRunCmd())
	root.AddCommand(newStagesCmd())
	return root
}

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the stages a config can use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available stages:")
			fmt.Fprintln(out)
			for _, name := range catalogueNames() {
				fmt.Fprintf(out, "  %-14s %s\n", name, catalogue[name].description)
			}
		},
	}
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch the configured requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), logLevel)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "chainz.yaml", "path to the pipeline config")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	return cmd
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// verifierFor picks the token verifier the config asks for.
func verifierFor(cfg *Config) (middleware.TokenVerifier, *middleware.JWTVerifier) {
	if cfg.Auth.JWTSecret != "" {
		jwtVerifier := middleware.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer)
		return jwtVerifier, jwtVerifier
	}
	return middleware.StaticTokens(cfg.Auth.Tokens), nil
}

func buildPipeline(cfg *Config, verifier middleware.TokenVerifier, logger *slog.Logger) (*chainz.Pipeline[*middleware.Request], error) {
	p := chainz.NewPipeline[*middleware.Request](cfg.Pipeline).WithLogger(logger)
	for _, name := range cfg.Stages {
		entry, ok := catalogue[name]
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		if err := p.Register(entry.build(cfg, verifier, logger)); err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
	}
	return p, nil
}

func run(ctx context.Context, out io.Writer, cfg *Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	verifier, issuer := verifierFor(cfg)
	p, err := buildPipeline(cfg, verifier, logger)
	if err != nil {
		return err
	}
	defer p.Close()

	fmt.Fprintf(out, "pipeline %s: %s\n", p.Name(), strings.Join(p.Names(), " -> "))

	misused := 0
	for i, rc := range cfg.Requests {
		req := &middleware.Request{IP: rc.IP, Token: rc.Token, Body: rc.Body}
		if rc.Subject != "" {
			token, err := issuer.Issue(rc.Subject, time.Hour)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			req.Token = token
		}

		report, err := p.Run(ctx, req)
		fmt.Fprintln(out, describe(i, req, report, err))
		if report.Outcome == chainz.OutcomeMisuse {
			misused++
		}
	}

	if misused > 0 {
		return fmt.Errorf("%w (%d of %d requests)", errMisuse, misused, len(cfg.Requests))
	}
	return nil
}

func describe(i int, req *middleware.Request, report chainz.Report, err error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "request %d: %s", i, report.Outcome)
	if report.StoppedAt != "" {
		fmt.Fprintf(&b, " at %s", report.StoppedAt)
	}
	fmt.Fprintf(&b, " (%d/%d stages)", report.Reached, report.TotalStages)
	if req.UserID != "" {
		fmt.Fprintf(&b, " user=%s", req.UserID)
	}
	if req.Handled {
		fmt.Fprintf(&b, " response=%q", req.Response)
	}
	if err != nil {
		var chainErr *chainz.Error[*middleware.Request]
		if errors.As(err, &chainErr) {
			fmt.Fprintf(&b, " kind=%s", chainErr.Kind)
		}
		fmt.Fprintf(&b, " error=%q", err.Error())
	}
	return b.String()
}
