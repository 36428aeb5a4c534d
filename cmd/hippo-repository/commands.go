package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/auth"
	"github.com/onehippo/hippo-repository/internal/bootstrap"
	"github.com/onehippo/hippo-repository/internal/config"
	"github.com/onehippo/hippo-repository/internal/logging"
	"github.com/onehippo/hippo-repository/internal/server"
	"github.com/onehippo/hippo-repository/internal/users"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, initialize watcher and request scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		roles       []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.IssueSessionToken(cmd.Context(), auth.Identity{
				UserID:      userID,
				DisplayName: displayName,
				Roles:       roles,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier placed in the token subject")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role carried by the token (author, editor, admin)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGrantCommand() *cobra.Command {
	var (
		grantedBy string
		revoke    bool
	)
	cmd := &cobra.Command{
		Use:   "grant <user> <role>",
		Short: "Grant or revoke a stored workflow role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			built, cleanup, err := openServices(ctx, appConfig, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			service, err := users.NewService(users.ServiceConfig{Database: built.db})
			if err != nil {
				return err
			}
			userID, role := args[0], strings.ToLower(strings.TrimSpace(args[1]))
			if revoke {
				if err := service.Revoke(ctx, userID, role); err != nil {
					return err
				}
				logger.Info("role revoked", zap.String("user_id", userID), zap.String("role", role))
			} else {
				if err := service.Grant(ctx, userID, role, grantedBy); err != nil {
					return err
				}
				logger.Info("role granted", zap.String("user_id", userID), zap.String("role", role))
			}
			current, err := service.Roles(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", userID, strings.Join(current, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&grantedBy, "granted-by", "cli", "Recorded grantor")
	cmd.Flags().BoolVar(&revoke, "revoke", false, "Revoke the role instead of granting it")
	return cmd
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap [manifest]",
		Short: "Apply a bootstrap manifest and wait until its items are processed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			manifestPath := appConfig.BootstrapFile
			if len(args) == 1 {
				manifestPath = args[0]
			}
			if strings.TrimSpace(manifestPath) == "" {
				return errors.New("a manifest path or bootstrap.file is required")
			}
			manifest, err := bootstrap.Load(manifestPath)
			if err != nil {
				return err
			}
			opts, err := waitOptions(appConfig)
			if err != nil {
				return err
			}

			built, cleanup, err := openServices(ctx, appConfig, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			watchCtx, stop := context.WithCancel(ctx)
			defer func() {
				stop()
				<-built.watcher.Done()
			}()
			built.watcher.Start(watchCtx)

			applier, err := bootstrap.NewApplier(bootstrap.Config{Repository: built.repository, Workflows: built.workflows, Logger: logger})
			if err != nil {
				return err
			}
			result, err := applier.Apply(ctx, manifest)
			if err != nil {
				return err
			}
			if err := bootstrap.Wait(ctx, built.repository, result, opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d categories and %d initialize items\n", len(result.Categories), len(result.Items))
			return nil
		},
	}
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	opts, err := waitOptions(appConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, cleanup, err := openServices(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	runCtx, cancel := context.WithCancel(signalCtx)
	defer func() {
		cancel()
		<-built.watcher.Done()
	}()
	built.watcher.Start(runCtx)
	go workflow.NewScheduler(built.workflows, appConfig.SchedulerInterval).Run(runCtx)

	applier, err := bootstrap.NewApplier(bootstrap.Config{Repository: built.repository, Workflows: built.workflows, Logger: logger})
	if err != nil {
		return err
	}
	if appConfig.BootstrapFile != "" {
		manifest, err := bootstrap.Load(appConfig.BootstrapFile)
		if err != nil {
			return err
		}
		if _, err := applier.Apply(runCtx, manifest); err != nil {
			return err
		}
		if appConfig.BootstrapWatch {
			go func() {
				err := applier.Watch(runCtx, bootstrap.WatchConfig{
					ManifestPath: appConfig.BootstrapFile,
					ResourceRoot: appConfig.InitializeResourceRoot,
					Logger:       logger,
				})
				if err != nil {
					logger.Error("bootstrap watch stopped", zap.Error(err))
				}
			}()
		}
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: built.db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Repository:     built.repository,
		Registry:       built.registry,
		Workflows:      built.workflows,
		Sessions:       validator,
		Principals:     userService,
		Metrics:        built.metrics,
		Logger:         logger,
		InitializeWait: opts,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
