package data

import (
	"github.com/aws/aws-sdk-go-v2/aws"

	pg "github.com/code-payments/payments-engine/pkg/database/postgres"
)

type Provider interface {
	DatabaseData

	GetDatabaseDataProvider() DatabaseData
}

type provider struct {
	*DatabaseProvider
}

func NewDataProvider(dbConfig *pg.Config, awsConfig aws.Config) (Provider, error) {
	db, err := NewDatabaseProvider(dbConfig, awsConfig)
	if err != nil {
		return nil, err
	}

	return &provider{
		DatabaseProvider: db.(*DatabaseProvider),
	}, nil
}

func NewTestDataProvider() Provider {
	return &provider{
		DatabaseProvider: NewTestDatabaseProvider().(*DatabaseProvider),
	}
}

func (p *provider) GetDatabaseDataProvider() DatabaseData {
	return p.DatabaseProvider
}
