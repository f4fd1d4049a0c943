package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadContracts reads contract addresses from an optional contracts file
// (contracts.yaml by default). A missing file is not an error.
func LoadContracts(path string) (ContractsConfig, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("contracts")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvPrefix("FACTORA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return ContractsConfig{}, fmt.Errorf("read contracts config: %w", err)
		}
	}

	var out ContractsConfig
	if err := v.UnmarshalKey("contracts", &out); err != nil {
		return ContractsConfig{}, fmt.Errorf("decode contracts config: %w", err)
	}
	return out, nil
}

// mergeContracts fills empty env values from the file values. Env wins.
func mergeContracts(env, file ContractsConfig) ContractsConfig {
	if env.InvoiceToken == "" {
		env.InvoiceToken = strings.TrimSpace(file.InvoiceToken)
	}
	if env.Escrow == "" {
		env.Escrow = strings.TrimSpace(file.Escrow)
	}
	if env.Marketplace == "" {
		env.Marketplace = strings.TrimSpace(file.Marketplace)
	}
	return env
}
