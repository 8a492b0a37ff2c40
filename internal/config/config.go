package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	_ = godotenv.Load()
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "3080")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("DB_DIR", "/app/db")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("BTC_DATA_URL", "http://localhost:3000")
	viper.SetDefault("BTC_NETWORK_TYPE", "")
	viper.SetDefault("CKB_RPC", "http://localhost:8114")
	viper.SetDefault("CKB_INDEXER_RPC", "")
	viper.SetDefault("PROOF_SERVICE_URL", "http://localhost:8116")
	viper.SetDefault("SIGNER_URL", "http://localhost:8170")
	viper.SetDefault("PAYMASTER_LOCK_ARGS", "")
	viper.SetDefault("PAYMASTER_CELL_CAPACITY", 31600000000)
	viper.SetDefault("PAYMASTER_PRESET_COUNT", 500)
	viper.SetDefault("PAYMASTER_REFILL_THRESHOLD", 0.3)
	viper.SetDefault("PAYMASTER_LEASE_TTL", "60s")
	viper.SetDefault("SETTLEMENT_DELAY", "120s")
	viper.SetDefault("SETTLEMENT_MAX_ATTEMPTS", 6)
	viper.SetDefault("SETTLEMENT_BACKOFF", "exponential")
	viper.SetDefault("SETTLEMENT_BACKOFF_DELAY", "120s")
	viper.SetDefault("SETTLEMENT_CONCURRENCY", 4)
	viper.SetDefault("UNLOCK_CRON", "*/5 * * * *")
	viper.SetDefault("UNLOCK_BATCH_SIZE", 100)
	viper.SetDefault("UNLOCK_SAFE_DEPTH", 6)
	viper.SetDefault("UNLOCK_BELOW_SAFE_POLICY", "warn")
	viper.SetDefault("TIMELOCK_CODE_HASH", "")
	viper.SetDefault("RGBPP_LOCK_CODE_HASH", "")
	viper.SetDefault("UDT_CODE_HASH", "")
	viper.SetDefault("SPORE_CODE_HASH", "")

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	AppConfig = Config{
		HTTPPort:              viper.GetString("HTTP_PORT"),
		RedisURL:              viper.GetString("REDIS_URL"),
		DbDir:                 viper.GetString("DB_DIR"),
		LogLevel:              logLevel,
		BTCDataURL:            viper.GetString("BTC_DATA_URL"),
		BTCNetworkType:        viper.GetString("BTC_NETWORK_TYPE"),
		CKBRPC:                viper.GetString("CKB_RPC"),
		CKBIndexerRPC:         viper.GetString("CKB_INDEXER_RPC"),
		ProofServiceURL:       viper.GetString("PROOF_SERVICE_URL"),
		SignerURL:             viper.GetString("SIGNER_URL"),
		PaymasterLockArgs:     viper.GetString("PAYMASTER_LOCK_ARGS"),
		PaymasterCellCapacity: viper.GetUint64("PAYMASTER_CELL_CAPACITY"),
		PaymasterPresetCount:  viper.GetInt("PAYMASTER_PRESET_COUNT"),
		PaymasterRefillRatio:  viper.GetFloat64("PAYMASTER_REFILL_THRESHOLD"),
		PaymasterLeaseTTL:     viper.GetDuration("PAYMASTER_LEASE_TTL"),
		SettlementDelay:       viper.GetDuration("SETTLEMENT_DELAY"),
		SettlementMaxAttempts: viper.GetInt("SETTLEMENT_MAX_ATTEMPTS"),
		SettlementBackoff:     viper.GetString("SETTLEMENT_BACKOFF"),
		SettlementBackoffWait: viper.GetDuration("SETTLEMENT_BACKOFF_DELAY"),
		SettlementConcurrency: viper.GetInt("SETTLEMENT_CONCURRENCY"),
		UnlockCron:            viper.GetString("UNLOCK_CRON"),
		UnlockBatchSize:       viper.GetInt("UNLOCK_BATCH_SIZE"),
		UnlockSafeDepth:       uint32(viper.GetUint64("UNLOCK_SAFE_DEPTH")),
		UnlockBelowSafePolicy: viper.GetString("UNLOCK_BELOW_SAFE_POLICY"),
		TimeLockCodeHash:      viper.GetString("TIMELOCK_CODE_HASH"),
		RgbppLockCodeHash:     viper.GetString("RGBPP_LOCK_CODE_HASH"),
		UDTCodeHash:           viper.GetString("UDT_CODE_HASH"),
		SporeCodeHash:         viper.GetString("SPORE_CODE_HASH"),
	}

	if (AppConfig.BTCNetworkType == "" || AppConfig.BTCNetworkType == "mainnet") && AppConfig.UnlockSafeDepth < 6 {
		logrus.Warnf("BTC mainnet reorg safe depth is too low, set to 6")
		AppConfig.UnlockSafeDepth = 6
	}
	if AppConfig.PaymasterRefillRatio <= 0 || AppConfig.PaymasterRefillRatio >= 1 {
		logrus.Warnf("Paymaster refill threshold %v out of (0,1), set to 0.3", AppConfig.PaymasterRefillRatio)
		AppConfig.PaymasterRefillRatio = 0.3
	}
	if AppConfig.CKBIndexerRPC == "" {
		AppConfig.CKBIndexerRPC = AppConfig.CKBRPC
	}

	logrus.Infof("Init config, SettlementDelay %v, MaxAttempts %d, PresetCount %d, UnlockCron %q",
		AppConfig.SettlementDelay, AppConfig.SettlementMaxAttempts, AppConfig.PaymasterPresetCount, AppConfig.UnlockCron)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort              string
	RedisURL              string
	DbDir                 string
	LogLevel              logrus.Level
	BTCDataURL            string
	BTCNetworkType        string
	CKBRPC                string
	CKBIndexerRPC         string
	ProofServiceURL       string
	SignerURL             string
	PaymasterLockArgs     string
	PaymasterCellCapacity uint64
	PaymasterPresetCount  int
	PaymasterRefillRatio  float64
	PaymasterLeaseTTL     time.Duration
	SettlementDelay       time.Duration
	SettlementMaxAttempts int
	SettlementBackoff     string
	SettlementBackoffWait time.Duration
	SettlementConcurrency int
	UnlockCron            string
	UnlockBatchSize       int
	UnlockSafeDepth       uint32
	UnlockBelowSafePolicy string
	TimeLockCodeHash      string
	RgbppLockCodeHash     string
	UDTCodeHash           string
	SporeCodeHash         string
}
