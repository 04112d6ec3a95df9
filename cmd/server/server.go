package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/stephnangue/tally/cmd/helpers"
	"github.com/stephnangue/tally/config"
	tallyhttp "github.com/stephnangue/tally/http"
	"github.com/stephnangue/tally/listener"
	"github.com/stephnangue/tally/listener/api"
	log "github.com/stephnangue/tally/logger"
	"github.com/stephnangue/tally/telemetry"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// Subsystem names for logging
	subsystemCore     = "core"
	subsystemListener = "listener"

	usageCloseTimeout = 10 * time.Second
)

var (
	flagDev bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a Tally server that responds to API requests",
		Long: `
Usage: tally server [options]

  This command starts a Tally server that responds to API requests.

  Start a server with a configuration file:

      $ tally server --config=/etc/tally/tally.hcl

  Start a development server with in-memory storage:

      $ tally server --dev
  `,
		RunE: run,
	}
)

func init() {
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Run with in-memory storage and generated development credentials")
}

func run(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var opts []config.Option
	dev := &devCredentials{}
	if flagDev {
		opts = append(opts, dev.apply)
	} else if helpers.ConfigPath == "" {
		return fmt.Errorf("config file path is required. Use -c or --config flag, or --dev")
	}

	if helpers.ConfigPath != "" {
		if _, err := os.Stat(helpers.ConfigPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", helpers.ConfigPath)
		}
	}

	conf, err := helpers.LoadConfig(opts...)
	if err != nil {
		return err
	}

	// construct the logger with gate closed during initialization
	logger := buildGatedLogger(conf)

	tel, err := telemetry.Setup(telemetry.Config{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := helpers.OpenStorage(ctx, conf)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}

	sys, err := buildSystem(ctx, conf, store, logger)
	if err != nil {
		store.Stop()
		tel.Close()
		return err
	}

	httpHandler := tallyhttp.Handler(sys.handlerProperties(tel.Handler(), logger))

	lns, err := initListeners(httpHandler, conf, logger)
	if err != nil {
		sys.close(context.Background())
		store.Stop()
		tel.Close()
		return err
	}

	info, infoKeys := serverInfo(conf, sys)
	printInfo(out, info, infoKeys)
	if flagDev {
		printDevBanner(out, dev)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(lns))
	for _, ln := range lns {
		wg.Go(func() {
			if err := ln.Start(ctx); err != nil {
				errChan <- fmt.Errorf("%s listener at %s: %w", ln.Type(), ln.Addr(), err)
			}
		})
	}

	fmt.Fprintf(out, "\n==> Tally server started! Log data will stream in below:\n\n")
	logger.OpenGate()

	var listenerErrs []error
	for shutdown := false; !shutdown; {
		select {
		case err := <-errChan:
			listenerErrs = append(listenerErrs, err)
			// keep serving while at least one listener is up
			if len(listenerErrs) >= len(lns) {
				logger.Error("all listeners have failed, shutting down")
				shutdown = true
			}
		case <-ctx.Done():
			logger.Info("shutdown triggered")
			shutdown = true
		}
	}
	cancel()

	var result *multierror.Error
	for _, ln := range lns {
		if err := ln.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to stop %s listener at %s: %w", ln.Type(), ln.Addr(), err))
		}
	}
	wg.Wait()
	close(errChan)
	for err := range errChan {
		listenerErrs = append(listenerErrs, err)
	}
	for _, err := range listenerErrs {
		result = multierror.Append(result, err)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), usageCloseTimeout)
	defer closeCancel()
	if err := sys.close(closeCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := store.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("storage shutdown failed: %w", err))
	}
	tel.Close()

	if err := result.ErrorOrNil(); err != nil {
		logger.Error("shutdown completed with errors", log.Err(err))
		return err
	}
	logger.Info("server shutdown completed successfully")
	return nil
}

func buildGatedLogger(conf *config.Config) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(conf.LogLevel),
		Subsystem: subsystemCore,
		Format:    log.ParseOutputFormat(conf.LogFormat),
		Outputs:   []io.Writer{os.Stdout},
	}
	if conf.LogFile != "" {
		logConfig.FileConfig = &log.FileConfig{
			Filename:   conf.LogFile,
			MaxSize:    conf.LogRotateMegabytes,
			MaxBackups: conf.LogRotateMaxFiles,
		}
	}

	gateConfig := log.GatedWriterConfig{
		Underlying:    os.Stdout,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	}

	gatedLogger, _ := log.NewGatedLogger(logConfig, gateConfig)
	return gatedLogger
}

func initListeners(httpHandler http.Handler, conf *config.Config, logger log.Logger) ([]listener.Listener, error) {
	lns := make([]listener.Listener, 0, len(conf.Listeners))
	for _, lnConfig := range conf.Listeners {
		ln, err := api.NewApiListener(api.ApiListenerConfig{
			Logger:       logger.WithSystem(subsystemListener + "." + lnConfig.Name),
			Address:      lnConfig.Address,
			TLSCertFile:  lnConfig.TLSCertFile,
			TLSKeyFile:   lnConfig.TLSKeyFile,
			TLSEnabled:   lnConfig.TLSEnabled,
			WriteTimeout: conf.Reporting.Timeout + 30*time.Second,
		}, httpHandler)
		if err != nil {
			return nil, fmt.Errorf("error initializing listener %s: %w", lnConfig.Name, err)
		}
		// bind now so address conflicts fail startup
		if err := ln.Listen(); err != nil {
			return nil, err
		}
		lns = append(lns, ln)
	}
	return lns, nil
}

func serverInfo(conf *config.Config, sys *system) (map[string]string, []string) {
	info := make(map[string]string)
	add := func(k, v string) { info[k] = v }

	add("log level", conf.LogLevel)
	add("log format", conf.LogFormat)
	if conf.LogFile != "" {
		add("log file", conf.LogFile)
	}
	add("storage", conf.Storage.Type)
	if conf.Storage.Path != "" {
		add("storage path", conf.Storage.Path)
	}
	add("usage sink", conf.Usage.Sink)
	add("rate limit", fmt.Sprintf("%d per %s", conf.RateLimit.Limit, conf.RateLimit.Window))
	add("static api keys", fmt.Sprintf("%d", sys.keys.Len()))
	if conf.DefaultProperty != "" {
		add("default property", conf.DefaultProperty)
	}
	if conf.OAuth.Enabled() {
		add("oauth", "enabled")
		add("oauth client id", conf.OAuth.ClientID)
		add("oauth redirect url", conf.OAuth.RedirectURL)
		add("oauth scopes", strings.Join(conf.OAuth.Scopes, ", "))
		add("session signing key", helpers.MaskIfSet(conf.Session.SigningKey))
	} else {
		add("oauth", "disabled")
	}
	if conf.Reporting.ServiceAccountFile != "" {
		add("service account", conf.Reporting.ServiceAccountFile)
	}
	for _, ln := range conf.Listeners {
		scheme := "http"
		if ln.TLSEnabled {
			scheme = "https"
		}
		add(ln.Name+" address", scheme+"://"+ln.Address)
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return info, keys
}

func printInfo(w io.Writer, info map[string]string, infoKeys []string) {
	fmt.Fprintf(w, "\n==> Tally server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(w, "%24s: %s\n", titleCaser.String(k), info[k])
	}
}
