package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/api"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/config"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/folders"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/logging"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/sentitems"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/version"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rfqmail",
	Short: "Files supplier replies to RFQs into per-material folders",
	Long: `rfqmail watches a procurement inbox for supplier replies to sent RFQs,
classifies each reply and files it under {material}/{Quotes|...} while keeping
mailbox categories in step with folder placement.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Poll the inbox and serve the operator API",
	RunE:  runServe,
}

var initFoldersCmd = &cobra.Command{
	Use:   "init-folders <MAT-code>",
	Short: "Create the folder taxonomy for a material code",
	Args:  cobra.ExactArgs(1),
	RunE:  runInitFolders,
}

var resolveSentCmd = &cobra.Command{
	Use:   "resolve-sent",
	Short: "Locate a just-sent RFQ in Sent Items, optionally filing it",
	RunE:  runResolveSent,
}

var recheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Run one full pass over the inbox and exit",
	RunE:  runRecheck,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "rfqmail", version.Full())
	},
}

var (
	subjectFlag   string
	recipientFlag string
	materialFlag  string
	rfqIDFlag     string
	supplierFlag  string
	fileFlag      bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	resolveSentCmd.Flags().StringVar(&subjectFlag, "subject", "", "exact subject of the sent RFQ")
	resolveSentCmd.Flags().StringVar(&recipientFlag, "recipient", "", "supplier address the RFQ was sent to")
	resolveSentCmd.Flags().StringVar(&materialFlag, "material", "", "material code, defaults to the one in the subject")
	resolveSentCmd.Flags().StringVar(&rfqIDFlag, "rfq-id", "", "RFQ id to register for reply correlation")
	resolveSentCmd.Flags().StringVar(&supplierFlag, "supplier-id", "", "supplier id to register, defaults to the recipient")
	resolveSentCmd.Flags().BoolVar(&fileFlag, "file", false, "move the message into {material}/SentRFQs")
	_ = resolveSentCmd.MarkFlagRequired("subject")

	rootCmd.AddCommand(serveCmd, initFoldersCmd, resolveSentCmd, recheckCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setup(ctx context.Context) (*config.Loader, *app, error) {
	loader, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg := loader.Get()
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.LogFormat(), Output: os.Stderr}).
		With().Str("service", cfg.App.Name).Str("env", cfg.App.Env).Logger()
	if loader.File() != "" {
		logger.Info().Str("file", loader.File()).Msg("configuration loaded")
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return loader, a, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	loader.Watch(a.applyConfig, func(err error) {
		a.logger.Error().Err(err).Msg("config reload rejected")
	})

	router := api.NewRouter(
		api.WithPoller(a.poller),
		api.WithSentItems(a.resolver, a.filer),
		api.WithFolders(a.directory),
		api.WithHealthCheck(a.ping),
		api.WithGatherer(a.registry),
		api.WithLogger(a.logger.With().Str("component", "api").Logger()),
	)
	srv := &http.Server{
		Addr:              a.cfg.API.Addr,
		Handler:           router.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- a.poller.Run(ctx)
	}()
	go func() {
		a.logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn().Err(serr).Msg("api shutdown")
	}
	a.logger.Info().Msg("stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runInitFolders(cmd *cobra.Command, args []string) error {
	_, a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if !folders.IsMaterialCode(args[0]) {
		return fmt.Errorf("%q is not a material code", args[0])
	}
	root, err := a.directory.InitializeMaterialFolders(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s ready (%s)\n", root.Name, root.ID)
	return nil
}

func runResolveSent(cmd *cobra.Command, _ []string) error {
	_, a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if fileFlag {
		res, err := a.filer.FileSentRFQ(cmd.Context(), sentitems.SentRFQ{
			Subject:      subjectFlag,
			Recipient:    recipientFlag,
			MaterialCode: materialFlag,
			RFQID:        rfqIDFlag,
			SupplierID:   supplierFlag,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}
	res, err := a.resolver.Resolve(cmd.Context(), subjectFlag, recipientFlag)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runRecheck(cmd *cobra.Command, _ []string) error {
	_, a, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.poller.ForceRecheck(cmd.Context())
	if perr := printJSON(cmd, counts); perr != nil {
		return perr
	}
	return err
}
