package app

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// App is a long lived HTTP service whose lifecycle is tied to the process.
// Init runs before the server starts accepting connections and Stop runs
// after it has stopped serving.
type App interface {
	// Init blocks until the app is ready to serve requests
	Init(config Config, metricsProvider *newrelic.Application) error

	// Handler is served on the configured listen address
	Handler() http.Handler

	// ShutdownChan is closed when the app wants the process to exit
	ShutdownChan() <-chan struct{}

	// Stop releases the app's resources. It must be idempotent.
	Stop()
}

var (
	configPath = flag.String("config", "config.yaml", "configuration file path")

	osSigCh = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(osSigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}

// Run loads the base config, prepares the process runtime, initializes app
// and serves its handler until a shutdown condition is hit.
func Run(app App, options ...Option) error {
	flag.Parse()

	log := logrus.StandardLogger().WithField("type", "app")

	config, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	metricsProvider, err := newMetricsProvider(config)
	if err != nil {
		return err
	}

	configureLogger(config, metricsProvider)

	startDebugServer(log, config)

	ballast := allocateBallast(config)

	restartCh, err := scheduleRestart(config)
	if err != nil {
		return err
	}

	lis, err := listen(config)
	if err != nil {
		return err
	}

	if err := app.Init(config.AppConfig, metricsProvider); err != nil {
		lis.Close()
		return errors.Wrap(err, "error initializing application")
	}

	httpServer := &http.Server{
		Handler:           wrapHandler(app.Handler(), metricsProvider, options...),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	serveDoneCh := make(chan struct{})
	go func() {
		defer close(serveDoneCh)

		log.WithField("address", config.ListenAddress).Info("http server listening")
		if err := httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server stopped unexpectedly")
			return
		}
		log.Info("http server stopped")
	}()

	select {
	case sig := <-osSigCh:
		log.WithField("signal", sig.String()).Info("shutting down on signal")
	case <-serveDoneCh:
		log.Info("shutting down after http server exit")
	case <-restartCh:
		log.Info("shutting down for scheduled restart")
	case <-app.ShutdownChan():
		log.Info("shutting down on app request")
	}

	stoppedCh := make(chan struct{})
	go func() {
		defer close(stoppedCh)

		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGracePeriod)
		defer cancel()

		// Shutdown and Stop are both idempotent, whichever condition fired
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failure shutting down http server")
		}
		app.Stop()
	}()

	select {
	case <-stoppedCh:
		ballast.Release()
		return nil
	case <-time.After(config.ShutdownGracePeriod):
		return errors.Errorf("application did not stop within %v", config.ShutdownGracePeriod)
	}
}

func wrapHandler(handler http.Handler, metricsProvider *newrelic.Application, options ...Option) http.Handler {
	o := opts{}
	for _, option := range options {
		option(&o)
	}

	for i := len(o.middleware) - 1; i >= 0; i-- {
		handler = o.middleware[i](handler)
	}

	// Outermost, so every request is observed
	if metricsProvider != nil {
		_, handler = newrelic.WrapHandle(metricsProvider, "/", handler)
	}
	return handler
}
