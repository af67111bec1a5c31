package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/payments-engine/pkg/app"
)

func main() {
	// Local development convenience, deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Warn("failure loading .env file")
	}

	if err := app.Run(newPaymentsApp(), app.WithMiddleware(apiHeaders)); err != nil {
		logrus.WithError(err).Error("error running service")
		os.Exit(1)
	}
}
