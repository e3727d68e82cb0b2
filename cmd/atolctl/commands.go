package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kassa-tools/atol-bridge/atol"
	"github.com/kassa-tools/atol-bridge/internal/cache"
	"github.com/kassa-tools/atol-bridge/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Client is the part of atol.Client the commands use.
type Client interface {
	Token(ctx context.Context) (string, error)
	Sell(ctx context.Context, receipt atol.Receipt) (*atol.Operation, error)
	SellRefund(ctx context.Context, receipt atol.Receipt) (*atol.Operation, error)
	Report(ctx context.Context, uuid string) (*atol.Report, error)
}

// ClientFactory builds the client for one invocation. The returned function
// releases it.
type ClientFactory func(ctx context.Context) (Client, func() error, error)

func newClient(ctx context.Context) (Client, func() error, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration load failed: %w", err)
	}

	tokens, err := cache.NewFromConfig[atol.Token](ctx, cfg.Cache, cfg.Atol.TokenTTL, 4)
	if err != nil {
		return nil, nil, fmt.Errorf("token cache configuration failed: %w", err)
	}

	client, err := atol.New(atol.Config{
		APIURL:    cfg.Atol.APIURL,
		GroupCode: cfg.Atol.GroupCode,
		Login:     cfg.Atol.Login,
		Password:  cfg.Atol.Password,
		TokenTTL:  cfg.Atol.TokenTTL,
	}, atol.WithTokenStore(tokens))
	if err != nil {
		_ = tokens.Close()
		return nil, nil, err
	}

	return client, tokens.Close, nil
}

func newRootCmd(factory ClientFactory) *cobra.Command {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "atolctl",
		Short: "Submit fiscal receipts to Atol Online",
		Long: `Submit sale and refund receipts to Atol Online and fetch their processing
reports. Credentials are read from ATOL_API_URL, ATOL_GROUP_CODE, ATOL_LOGIN
and ATOL_PASSWORD.

Example:
  atolctl sell -f receipt.yaml
  atolctl report 5f3b2c8e-3c8a-4a43-a0cd-8f4c6d1e2b7a`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return configureLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newTokenCmd(factory),
		newSubmitCmd("sell", "Submit a sale receipt", factory, Client.Sell),
		newSubmitCmd("refund", "Submit a refund receipt", factory, Client.SellRefund),
		newReportCmd(factory),
	)

	return rootCmd
}

func newTokenCmd(factory ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the token used for API requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), factory, func(client Client) error {
				token, err := client.Token(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
				return err
			})
		},
	}
}

type submitMethod func(Client, context.Context, atol.Receipt) (*atol.Operation, error)

func newSubmitCmd(use, short string, factory ClientFactory, submit submitMethod) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `. The receipt file is YAML or JSON, "-" reads standard input.
A missing external_id is generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			receipt, err := readReceipt(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withClient(cmd.Context(), factory, func(client Client) error {
				op, err := submit(client, cmd.Context(), receipt)
				if err != nil {
					return err
				}
				return writeIndented(cmd.OutOrStdout(), submission{ExternalID: receipt.ExternalID, Operation: op})
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Receipt file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// submission pairs the API response with the external id, which may have been
// generated.
type submission struct {
	ExternalID string `json:"external_id"`
	*atol.Operation
}

func newReportCmd(factory ClientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "report <uuid>",
		Short: "Fetch the processing report of a submitted receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), factory, func(client Client) error {
				report, err := client.Report(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeIndented(cmd.OutOrStdout(), report)
			})
		},
	}
}

func withClient(ctx context.Context, factory ClientFactory, fn func(Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client, release, err := factory(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			log.Warn().Err(err).Msg("token cache close failed")
		}
	}()

	return fn(client)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func configureLogging(w io.Writer, level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	if w == nil {
		w = os.Stderr
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(lvl).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger

	return nil
}
