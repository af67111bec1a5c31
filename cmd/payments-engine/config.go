package main

import (
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/code-payments/payments-engine/pkg/app"
	pg "github.com/code-payments/payments-engine/pkg/database/postgres"
)

type stripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	SuccessUrl    string `mapstructure:"success_url"`
	CancelUrl     string `mapstructure:"cancel_url"`
}

type nowPaymentsConfig struct {
	BaseUrl    string `mapstructure:"base_url"`
	ApiKey     string `mapstructure:"api_key"`
	IpnSecret  string `mapstructure:"ipn_secret"`
	SuccessUrl string `mapstructure:"success_url"`
	CancelUrl  string `mapstructure:"cancel_url"`
}

type cryptomusConfig struct {
	BaseUrl       string `mapstructure:"base_url"`
	MerchantId    string `mapstructure:"merchant_id"`
	ApiKey        string `mapstructure:"api_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	ReturnUrl     string `mapstructure:"return_url"`
}

type alchemyPayConfig struct {
	BaseUrl     string `mapstructure:"base_url"`
	AppId       string `mapstructure:"app_id"`
	AppSecret   string `mapstructure:"app_secret"`
	RedirectUrl string `mapstructure:"redirect_url"`
}

type kafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`

	// WriteTimeout bounds each publish, which runs inline with ledger writes
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type callbackConfig struct {
	DefaultUrl string `mapstructure:"default_url"`

	// SigningKey is the hex encoded ed25519 seed callbacks are signed with
	SigningKey string `mapstructure:"signing_key"`

	RequireSecure bool `mapstructure:"require_secure"`
}

type etcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	LockTtl   time.Duration `mapstructure:"lock_ttl"`
}

type appConfig struct {
	// Database is optional. Without a host, invoices are kept in memory which
	// is only suitable for local development.
	Database pg.Config `mapstructure:"database"`

	// PublicBaseUrl is the externally reachable address providers deliver
	// webhooks to
	PublicBaseUrl string `mapstructure:"public_base_url"`

	Stripe      stripeConfig      `mapstructure:"stripe"`
	NowPayments nowPaymentsConfig `mapstructure:"nowpayments"`
	Cryptomus   cryptomusConfig   `mapstructure:"cryptomus"`
	AlchemyPay  alchemyPayConfig  `mapstructure:"alchemypay"`

	// ProviderRateLimit bounds outbound requests per second to each provider
	ProviderRateLimit float64 `mapstructure:"provider_rate_limit"`

	// WebhookRateLimit bounds inbound webhooks per second per source address
	WebhookRateLimit float64 `mapstructure:"webhook_rate_limit"`

	Kafka    kafkaConfig    `mapstructure:"kafka"`
	Callback callbackConfig `mapstructure:"callback"`
	Etcd     etcdConfig     `mapstructure:"etcd"`

	EnableStream bool `mapstructure:"enable_stream"`

	// StreamAllowedOrigins lists the browser origins allowed to subscribe to
	// the invoice stream. Empty means same-origin only.
	StreamAllowedOrigins []string `mapstructure:"stream_allowed_origins"`

	ReconcilerInterval time.Duration `mapstructure:"reconciler_interval"`
	DeliveryInterval   time.Duration `mapstructure:"delivery_interval"`
}

var defaultAppConfig = appConfig{
	ProviderRateLimit: 10,
	WebhookRateLimit:  50,

	Callback: callbackConfig{
		RequireSecure: true,
	},

	Kafka: kafkaConfig{
		WriteTimeout: 2 * time.Second,
	},

	Etcd: etcdConfig{
		LockTtl: 10 * time.Second,
	},

	EnableStream: true,

	ReconcilerInterval: 5 * time.Minute,
	DeliveryInterval:   time.Second,
}

func init() {
	for key, envName := range map[string]string{
		"app.database.user":            "DATABASE_USER",
		"app.database.password":        "DATABASE_PASSWORD",
		"app.database.host":            "DATABASE_HOST",
		"app.database.port":            "DATABASE_PORT",
		"app.database.name":            "DATABASE_NAME",
		"app.database.use_aws_iam":     "DATABASE_USE_AWS_IAM",
		"app.public_base_url":          "PUBLIC_BASE_URL",
		"app.stripe.secret_key":        "STRIPE_SECRET_KEY",
		"app.stripe.webhook_secret":    "STRIPE_WEBHOOK_SECRET",
		"app.stripe.success_url":       "STRIPE_SUCCESS_URL",
		"app.stripe.cancel_url":        "STRIPE_CANCEL_URL",
		"app.nowpayments.api_key":      "NOWPAYMENTS_API_KEY",
		"app.nowpayments.ipn_secret":   "NOWPAYMENTS_IPN_SECRET",
		"app.cryptomus.merchant_id":    "CRYPTOMUS_MERCHANT_ID",
		"app.cryptomus.api_key":        "CRYPTOMUS_API_KEY",
		"app.cryptomus.webhook_secret": "CRYPTOMUS_WEBHOOK_SECRET",
		"app.alchemypay.app_id":        "ALCHEMYPAY_APP_ID",
		"app.alchemypay.app_secret":    "ALCHEMYPAY_APP_SECRET",
		"app.kafka.brokers":            "KAFKA_BROKERS",
		"app.kafka.topic":              "KAFKA_TOPIC",
		"app.kafka.write_timeout":      "KAFKA_WRITE_TIMEOUT",
		"app.stream_allowed_origins":   "STREAM_ALLOWED_ORIGINS",
		"app.callback.default_url":     "CALLBACK_DEFAULT_URL",
		"app.callback.signing_key":     "CALLBACK_SIGNING_KEY",
		"app.etcd.endpoints":           "ETCD_ENDPOINTS",
	} {
		_ = viper.BindEnv(key, envName)
	}
}

func decodeAppConfig(raw app.Config) (*appConfig, error) {
	conf := defaultAppConfig

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &conf,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(map[string]interface{}(raw)); err != nil {
		return nil, errors.Wrap(err, "invalid app config")
	}
	return &conf, nil
}
