package config

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ResolveSecrets overwrites the account credential material from the SSM
// Parameter Store when running in prod. Dev keeps whatever the config file
// or environment provided.
func (e *ExchangeConfig) ResolveSecrets(env string) {
	if env != "prod" {
		return
	}

	if v := getParameterStoreValue("PERPTRADER_ACCOUNT_ID", true); v != "" {
		e.AccountID = v
	}
	if v := getParameterStoreValue("PERPTRADER_API_KEY", true); v != "" {
		e.APIKey = v
	}
	if v := getParameterStoreValue("PERPTRADER_API_SECRET", true); v != "" {
		e.APISecret = v
	}
}

func getParameterStoreValue(parameterName string, decrypt bool) string {
	baseCtx := context.Background()
	ctxWithTimeout, cancel := context.WithTimeout(baseCtx, 5*time.Second)
	defer cancel()

	cfg, err := config.LoadDefaultConfig(ctxWithTimeout)
	if err != nil {
		return ""
	}

	client := ssm.NewFromConfig(cfg)

	input := &ssm.GetParameterInput{
		Name:           &parameterName,
		WithDecryption: &decrypt,
	}

	result, err := client.GetParameter(ctxWithTimeout, input)
	if err != nil {
		return ""
	}

	if result.Parameter.Value == nil {
		return ""
	}

	return *result.Parameter.Value
}
