package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ScanConfig holds configuration for the scan command.
type ScanConfig struct {
	RPCURL            string
	Protocols         []string
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64
	Concurrency       int
	CallTimeout       time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	Prefilter         bool
	Out               string
	Errors            string
	Checkpoint        string
	CheckpointEnabled bool
	PGDSN             string
	LogLevel          string
}

// LoadScan merges config file, environment variables, and flags.
func LoadScan(cfgFile string, flags *pflag.FlagSet) (ScanConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return ScanConfig{}, err
	}

	v.SetDefault("protocols", []string{"aave_v3", "euler_v1", "euler_v2", "morpho"})
	v.SetDefault("batch-size", uint64(100))
	v.SetDefault("concurrency", 4)
	v.SetDefault("call-timeout", 10*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("prefilter", true)
	v.SetDefault("out", "./data/liquidations.jsonl")
	v.SetDefault("errors", "./data/scan_errors.jsonl")
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("log-level", "info")

	cfg := ScanConfig{
		RPCURL:            v.GetString("rpc"),
		Protocols:         getStringSlice(v, "protocols"),
		FromBlock:         v.GetUint64("from"),
		ToBlock:           v.GetUint64("to"),
		BatchSize:         v.GetUint64("batch-size"),
		Concurrency:       v.GetInt("concurrency"),
		CallTimeout:       v.GetDuration("call-timeout"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		Prefilter:         v.GetBool("prefilter"),
		Out:               v.GetString("out"),
		Errors:            v.GetString("errors"),
		Checkpoint:        v.GetString("checkpoint"),
		CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		PGDSN:             v.GetString("pg-dsn"),
		LogLevel:          v.GetString("log-level"),
	}

	return cfg, nil
}

// TxConfig holds configuration for the tx command.
type TxConfig struct {
	RPCURL      string
	Protocols   []string
	CallTimeout time.Duration
	MaxRetries  int
	LogLevel    string
}

// LoadTx merges config file, environment variables, and flags.
func LoadTx(cfgFile string, flags *pflag.FlagSet) (TxConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return TxConfig{}, err
	}

	v.SetDefault("protocols", []string{"aave_v3", "euler_v1", "euler_v2", "morpho"})
	v.SetDefault("call-timeout", 10*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("log-level", "info")

	cfg := TxConfig{
		RPCURL:      v.GetString("rpc"),
		Protocols:   getStringSlice(v, "protocols"),
		CallTimeout: v.GetDuration("call-timeout"),
		MaxRetries:  v.GetInt("max-retries"),
		LogLevel:    v.GetString("log-level"),
	}

	return cfg, nil
}

// VerifyConfig holds configuration for the verify command.
type VerifyConfig struct {
	RPCURL      string
	Fixtures    string
	CallTimeout time.Duration
	MaxRetries  int
	LogLevel    string
}

// LoadVerify merges config file, environment variables, and flags.
func LoadVerify(cfgFile string, flags *pflag.FlagSet) (VerifyConfig, error) {
	v, err := newViper(cfgFile, flags)
	if err != nil {
		return VerifyConfig{}, err
	}

	v.SetDefault("fixtures", "./testdata/known_liquidations.json")
	v.SetDefault("call-timeout", 10*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("log-level", "info")

	cfg := VerifyConfig{
		RPCURL:      v.GetString("rpc"),
		Fixtures:    v.GetString("fixtures"),
		CallTimeout: v.GetDuration("call-timeout"),
		MaxRetries:  v.GetInt("max-retries"),
		LogLevel:    v.GetString("log-level"),
	}

	return cfg, nil
}

func newViper(cfgFile string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("OEVSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return v, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
