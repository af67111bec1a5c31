package app

import (
	"crypto/tls"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/code-payments/payments-engine/pkg/metrics"
	"github.com/code-payments/payments-engine/pkg/osutil"
)

const (
	debugServerRetryDelay = 5 * time.Second
	maxBallastCapacity    = 0.5
)

// loadConfig reads path when it exists and overlays bound env vars onto the
// defaults
func loadConfig(path string) (BaseConfig, error) {
	// An explicitly set config file that is missing is not reported as
	// viper.ConfigFileNotFoundError, so only set it when present
	if _, err := os.Stat(path); err == nil {
		viper.SetConfigFile(path)
	} else if !os.IsNotExist(err) {
		return BaseConfig{}, errors.Wrap(err, "error checking config file")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BaseConfig{}, errors.Wrap(err, "error reading config")
		}
	}

	config := defaultConfig
	if err := viper.Unmarshal(&config); err != nil {
		return BaseConfig{}, errors.Wrap(err, "error decoding config")
	}

	if len(config.AppName) == 0 {
		return BaseConfig{}, errors.New("app_name is required")
	}
	return config, nil
}

func newMetricsProvider(config BaseConfig) (*newrelic.Application, error) {
	if len(config.NewRelicLicenseKey) == 0 {
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigFromEnvironment(),
		newrelic.ConfigAppName(config.AppName),
		newrelic.ConfigLicense(config.NewRelicLicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error creating new relic application")
	}
	return app, nil
}

func configureLogger(config BaseConfig, metricsProvider *newrelic.Application) {
	var formatter logrus.Formatter = &logrus.JSONFormatter{}
	if metricsProvider != nil {
		formatter = metrics.NewCustomNewRelicLogFormatter(metricsProvider, formatter)
	}
	logrus.SetFormatter(formatter)
	logrus.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		logrus.WithField("log_level", config.LogLevel).Warn("unknown log level, ignoring")
		return
	}
	logrus.SetLevel(level)
}

// startDebugServer serves pprof and expvar on the debug address only. The
// default mux is replaced since importing those packages registers their
// handlers on it.
func startDebugServer(log *logrus.Entry, config BaseConfig) {
	http.DefaultServeMux = http.NewServeMux()

	if !config.EnableExpvar && !config.EnablePprof {
		return
	}

	mux := http.NewServeMux()
	if config.EnableExpvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	if config.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	go func() {
		for {
			err := http.ListenAndServe(config.DebugListenAddress, mux)
			log.WithError(err).Warnf("debug server exited, restarting in %s", debugServerRetryDelay)
			time.Sleep(debugServerRetryDelay)
		}
	}()
}

// ballast is heap reserved up front to lower GC frequency
type ballast []byte

func allocateBallast(config BaseConfig) ballast {
	if !config.EnableBallast {
		return nil
	}

	capacity := float64(config.BallastCapacity)
	if capacity > maxBallastCapacity {
		capacity = maxBallastCapacity
	}
	return make(ballast, uint64(capacity*float64(osutil.GetTotalMemory())))
}

// Release touches the ballast so it stays live until shutdown
func (b ballast) Release() {
	if len(b) > 0 {
		b[0] = 1
	}
}

// scheduleRestart returns a channel closed on the configured restart
// schedule, or nil when periodic restarts are disabled
func scheduleRestart(config BaseConfig) (<-chan struct{}, error) {
	if !config.EnableMemoryLeakCron {
		return nil, nil
	}

	restartCh := make(chan struct{})
	scheduler := cron.New(cron.WithLocation(time.Local))
	_, err := scheduler.AddFunc(config.MemoryLeakCronSchedule, func() {
		close(restartCh)
		scheduler.Stop()
	})
	if err != nil {
		return nil, errors.Wrap(err, "invalid restart schedule")
	}
	scheduler.Start()

	return restartCh, nil
}

func listen(config BaseConfig) (net.Listener, error) {
	tlsConfig, err := loadTLSConfig(config)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", config.ListenAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "error listening on %s", config.ListenAddress)
	}

	if tlsConfig != nil {
		lis = tls.NewListener(lis, tlsConfig)
	}
	return lis, nil
}

func loadTLSConfig(config BaseConfig) (*tls.Config, error) {
	if len(config.TLSCertificate) == 0 {
		return nil, nil
	}
	if len(config.TLSKey) == 0 {
		return nil, errors.New("tls_private_key is required with tls_certificate")
	}

	certPEM, err := LoadFile(config.TLSCertificate)
	if err != nil {
		return nil, errors.Wrap(err, "error loading tls certificate")
	}

	keyPEM, err := LoadFile(config.TLSKey)
	if err != nil {
		return nil, errors.Wrap(err, "error loading tls key")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "invalid tls key pair")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
