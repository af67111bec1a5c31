package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/external"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
	xrate "golang.org/x/time/rate"

	"github.com/code-payments/payments-engine/pkg/app"
	"github.com/code-payments/payments-engine/pkg/lock"
	etcd_lock "github.com/code-payments/payments-engine/pkg/lock/etcd"
	memory_lock "github.com/code-payments/payments-engine/pkg/lock/memory"
	"github.com/code-payments/payments-engine/pkg/metrics"
	async_delivery "github.com/code-payments/payments-engine/pkg/payments/async/delivery"
	async_reconciler "github.com/code-payments/payments-engine/pkg/payments/async/reconciler"
	"github.com/code-payments/payments-engine/pkg/payments/data"
	"github.com/code-payments/payments-engine/pkg/payments/data/invoice"
	"github.com/code-payments/payments-engine/pkg/payments/dispatch"
	"github.com/code-payments/payments-engine/pkg/payments/engine"
	"github.com/code-payments/payments-engine/pkg/payments/event"
	"github.com/code-payments/payments-engine/pkg/payments/ledger"
	"github.com/code-payments/payments-engine/pkg/payments/notify/callback"
	"github.com/code-payments/payments-engine/pkg/payments/notify/kafka"
	"github.com/code-payments/payments-engine/pkg/payments/notify/stream"
	"github.com/code-payments/payments-engine/pkg/payments/provider"
	"github.com/code-payments/payments-engine/pkg/payments/provider/alchemypay"
	"github.com/code-payments/payments-engine/pkg/payments/provider/cryptomus"
	"github.com/code-payments/payments-engine/pkg/payments/provider/nowpayments"
	"github.com/code-payments/payments-engine/pkg/payments/provider/stripe"
	"github.com/code-payments/payments-engine/pkg/payments/quote"
	"github.com/code-payments/payments-engine/pkg/payments/server/web"
	"github.com/code-payments/payments-engine/pkg/rate"
)

const (
	leadershipLockRoot = "/payments-engine/locks"

	providerHttpTimeout = 30 * time.Second
)

type paymentsApp struct {
	log *logrus.Entry

	server *web.Server

	closers []func()

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newPaymentsApp() *paymentsApp {
	ctx, cancel := context.WithCancel(context.Background())
	return &paymentsApp{
		log:    logrus.StandardLogger().WithField("type", "payments-engine"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Init implements app.App.Init
func (a *paymentsApp) Init(rawConfig app.Config, metricsProvider *newrelic.Application) error {
	conf, err := decodeAppConfig(rawConfig)
	if err != nil {
		return err
	}

	ctx := metrics.WithNewRelic(a.ctx, metricsProvider)

	db, err := newDataProvider(conf)
	if err != nil {
		return errors.Wrap(err, "error initializing data provider")
	}

	registry, err := newProviderRegistry(conf, &http.Client{Timeout: providerHttpTimeout})
	if err != nil {
		return errors.Wrap(err, "error initializing provider registry")
	}
	if len(registry.Providers()) == 0 {
		a.log.Warn("no payment providers are configured")
	}

	var emitters []event.Emitter

	var hub *stream.Hub
	if conf.EnableStream {
		hub = stream.NewHub(conf.StreamAllowedOrigins...)
		emitters = append(emitters, hub)
	}

	if len(conf.Kafka.Brokers) > 0 {
		kafkaEmitter, err := kafka.New(conf.Kafka.Brokers, conf.Kafka.Topic, kafka.WithWriteTimeout(conf.Kafka.WriteTimeout))
		if err != nil {
			return errors.Wrap(err, "error initializing kafka emitter")
		}
		emitters = append(emitters, kafkaEmitter)
		a.closers = append(a.closers, func() {
			if err := kafkaEmitter.Close(); err != nil {
				a.log.WithError(err).Warn("failure closing kafka emitter")
			}
		})
	}

	var callbackSigner ed25519.PrivateKey
	if len(conf.Callback.SigningKey) > 0 {
		seed, err := hex.DecodeString(conf.Callback.SigningKey)
		if err != nil || len(seed) != ed25519.SeedSize {
			return errors.New("callback signing key must be a hex encoded ed25519 seed")
		}
		callbackSigner = ed25519.NewKeyFromSeed(seed)
		emitters = append(emitters, callback.NewEmitter(db, conf.Callback.DefaultUrl, conf.Callback.RequireSecure))
	} else {
		a.log.Info("callback signing key not configured, callbacks are disabled")
	}

	l := ledger.New(db, event.NewMultiEmitter(emitters...))
	quotes := quote.New(registry, quote.WithEnvConfigs())
	e := engine.New(l, registry, quotes, engine.WithEnvConfigs())
	dispatcher := dispatch.New(registry, l)

	lockManager, err := a.newLockManager(conf)
	if err != nil {
		return errors.Wrap(err, "error initializing lock manager")
	}

	reconciler := async_reconciler.New(db, l, registry, lockManager, async_reconciler.WithEnvConfigs())
	if err := reconciler.Start(ctx, conf.ReconcilerInterval); err != nil {
		return errors.Wrap(err, "error starting reconciler")
	}

	if callbackSigner != nil {
		deliveryWorker := async_delivery.New(db, &http.Client{}, callbackSigner, async_delivery.WithEnvConfigs())
		if err := deliveryWorker.Start(ctx, conf.DeliveryInterval); err != nil {
			return errors.Wrap(err, "error starting callback delivery worker")
		}
	}

	var webhookLimiter rate.Limiter
	if conf.WebhookRateLimit > 0 {
		webhookLimiter = rate.NewLocalRateLimiter(xrate.Limit(conf.WebhookRateLimit))
	}

	a.server = web.NewServer(e, dispatcher, hub, webhookLimiter)
	if hub != nil {
		a.closers = append(a.closers, hub.Close)
	}

	return nil
}

// Handler implements app.App.Handler
func (a *paymentsApp) Handler() http.Handler {
	return a.server.Handler()
}

// ShutdownChan implements app.App.ShutdownChan
func (a *paymentsApp) ShutdownChan() <-chan struct{} {
	return a.ctx.Done()
}

// Stop implements app.App.Stop
func (a *paymentsApp) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
		for _, closer := range a.closers {
			closer()
		}
	})
}

func (a *paymentsApp) newLockManager(conf *appConfig) (lock.Manager, error) {
	if len(conf.Etcd.Endpoints) == 0 {
		a.log.Info("etcd not configured, reconciler leadership is process local")
		return memory_lock.NewLockManager(), nil
	}

	client, err := v3.New(v3.Config{
		Endpoints:   conf.Etcd.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	lockManager, err := etcd_lock.NewLockManager(client, leadershipLockRoot, conf.Etcd.LockTtl, "")
	if err != nil {
		client.Close()
		return nil, err
	}

	a.closers = append(a.closers, func() {
		lockManager.Close()
		if err := client.Close(); err != nil {
			a.log.WithError(err).Warn("failure closing etcd client")
		}
	})
	return lockManager, nil
}

func newDataProvider(conf *appConfig) (data.DatabaseData, error) {
	if len(conf.Database.Host) == 0 {
		logrus.StandardLogger().WithField("type", "payments-engine").Warn("database not configured, using in memory storage")
		return data.NewTestDatabaseProvider(), nil
	}

	var awsConfig aws.Config
	if conf.Database.UseAwsIam {
		var err error
		awsConfig, err = external.LoadDefaultAWSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "error loading aws config")
		}
	}

	return data.NewDatabaseProvider(&conf.Database, awsConfig)
}

// newProviderRegistry builds an adapter for every provider with credentials
// configured
func newProviderRegistry(conf *appConfig, httpClient *http.Client) (*provider.Registry, error) {
	var adapters []provider.Adapter

	if len(conf.Stripe.SecretKey) > 0 {
		adapter, err := stripe.New(stripe.Config{
			SecretKey:     conf.Stripe.SecretKey,
			WebhookSecret: conf.Stripe.WebhookSecret,
			SuccessUrl:    conf.Stripe.SuccessUrl,
			CancelUrl:     conf.Stripe.CancelUrl,
			RateLimit:     conf.ProviderRateLimit,
			HttpClient:    httpClient,
		})
		if err != nil {
			return nil, errors.Wrap(err, "invalid stripe config")
		}
		adapters = append(adapters, adapter)
	}

	if len(conf.NowPayments.ApiKey) > 0 {
		adapter, err := nowpayments.New(nowpayments.Config{
			BaseUrl:        conf.NowPayments.BaseUrl,
			ApiKey:         conf.NowPayments.ApiKey,
			IpnSecret:      conf.NowPayments.IpnSecret,
			IpnCallbackUrl: webhookUrl(conf, invoice.ProviderNowPayments),
			SuccessUrl:     conf.NowPayments.SuccessUrl,
			CancelUrl:      conf.NowPayments.CancelUrl,
			RateLimit:      conf.ProviderRateLimit,
			HttpClient:     httpClient,
		})
		if err != nil {
			return nil, errors.Wrap(err, "invalid nowpayments config")
		}
		adapters = append(adapters, adapter)
	}

	if len(conf.Cryptomus.MerchantId) > 0 {
		adapter, err := cryptomus.New(cryptomus.Config{
			BaseUrl:       conf.Cryptomus.BaseUrl,
			MerchantId:    conf.Cryptomus.MerchantId,
			ApiKey:        conf.Cryptomus.ApiKey,
			WebhookSecret: conf.Cryptomus.WebhookSecret,
			CallbackUrl:   webhookUrl(conf, invoice.ProviderCryptomus),
			ReturnUrl:     conf.Cryptomus.ReturnUrl,
			RateLimit:     conf.ProviderRateLimit,
			HttpClient:    httpClient,
		})
		if err != nil {
			return nil, errors.Wrap(err, "invalid cryptomus config")
		}
		adapters = append(adapters, adapter)
	}

	if len(conf.AlchemyPay.AppId) > 0 {
		adapter, err := alchemypay.New(alchemypay.Config{
			BaseUrl:     conf.AlchemyPay.BaseUrl,
			AppId:       conf.AlchemyPay.AppId,
			AppSecret:   conf.AlchemyPay.AppSecret,
			CallbackUrl: webhookUrl(conf, invoice.ProviderAlchemyPay),
			RedirectUrl: conf.AlchemyPay.RedirectUrl,
			WebhookPath: webhookPath(invoice.ProviderAlchemyPay),
			RateLimit:   conf.ProviderRateLimit,
			HttpClient:  httpClient,
		})
		if err != nil {
			return nil, errors.Wrap(err, "invalid alchemypay config")
		}
		adapters = append(adapters, adapter)
	}

	return provider.NewRegistry(adapters...)
}

func webhookPath(p invoice.Provider) string {
	return "/v1/webhooks/" + p.Slug()
}

func webhookUrl(conf *appConfig, p invoice.Provider) string {
	if len(conf.PublicBaseUrl) == 0 {
		return ""
	}
	return strings.TrimSuffix(conf.PublicBaseUrl, "/") + webhookPath(p)
}
