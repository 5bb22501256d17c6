package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jwks-srv/internal/httpserver"
	"jwks-srv/internal/jwt"
	"jwks-srv/internal/keys"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "jwks-srv",
		Short:        "JWKS server w/ rotating RSA signing keys",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context())
			},
		},
		newTokenCmd(),
		newSweepCmd(),
		newKeysCmd(),
		newVerifyCmd(),
	)
	return root
}

// load config + wire components
func setup(ctx context.Context) (*app, error) {
	cfg, err := httpserver.NewConfig()
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}

	// the sweep loop outlives the signal; close() stops it after HTTP is down
	if err := a.manager.Start(context.WithoutCancel(ctx)); err != nil {
		_ = a.close()
		return err
	}

	srv := a.server()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if cerr := a.close(); cerr != nil {
		a.log.Error("failed to release resources", zap.Error(cerr))
		err = errors.Join(err, cerr)
	}
	if err == nil {
		a.log.Info("SRV halted safely")
	}
	return err
}

func newTokenCmd() *cobra.Command {
	var expired bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if _, err := a.manager.EnsureValidKey(ctx); err != nil {
				return err
			}

			issued, err := a.issuer.Issue(ctx, expired)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.Token)
			return nil
		},
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "sign w/ an expired key and a past exp")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired keys past the retain period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.manager.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d expired key(s)\n", n)
			return nil
		},
	}
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List valid keys and record counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			valid, nValid, nExpired, err := a.manager.Status(ctx)
			if err != nil {
				return err
			}
			return printKeys(cmd.OutOrStdout(), valid, nValid, nExpired)
		},
	}
}

func printKeys(out io.Writer, valid []*keys.Key, nValid, nExpired int) error {
	fmt.Fprintf(out, "valid: %d  expired: %d\n", nValid, nExpired)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KID\tEXPIRES\tTTL")
	now := time.Now()
	for _, k := range valid {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k.KID(), k.Expiry.UTC().Format(time.RFC3339),
			k.Expiry.Sub(now).Truncate(time.Second))
	}
	return tw.Flush()
}

func newVerifyCmd() *cobra.Command {
	var jwksURL string

	cmd := &cobra.Command{
		Use:   "verify TOKEN",
		Short: "Verify a token against a published key set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := fetchJWKS(cmd.Context(), jwksURL)
			if err != nil {
				return err
			}

			claims, err := jwt.Verify(args[0], jwt.KeyfuncFromKeySet(set))
			if err != nil {
				return fmt.Errorf("token rejected: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claims)
		},
	}
	cmd.Flags().StringVar(&jwksURL, "jwks-url", "http://localhost:8080/.well-known/jwks.json", "JWKS endpoint")
	return cmd
}

func fetchJWKS(ctx context.Context, url string) (jose.JSONWebKeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}
	return jwt.DecodeKeySet(resp.Body)
}
