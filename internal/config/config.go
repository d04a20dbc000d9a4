package config

import (
	"fmt"
	"os"
	"strconv"

	"revsocks_go/internal/shared/types"

	ini "gopkg.in/ini.v1"
)

// LoadIni 从 fileName 加载配置到 cfg。cfg 中已有的值作为默认值保留。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	// MapTo 自动将各 section 映射到嵌入字段
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	overrideFromEnv(&cfg.GatewayConf.Username, "SOCKS_USERNAME")
	overrideFromEnv(&cfg.GatewayConf.Password, "SOCKS_PASSWORD")
	overrideFromEnv(&cfg.CommonConf.CryptKey, "CRYPT_KEY")
	overrideFromEnv(&cfg.AgentConf.Endpoint, "AGENT_ENDPOINT")
	overrideFromEnvInt(&cfg.GatewayConf.SocksPort, "GATEWAY_SOCKS_PORT")
	overrideFromEnvInt(&cfg.GatewayConf.WebPort, "GATEWAY_WEB_PORT")

	return Validate(cfg)
}

// Validate 检查配置的一致性
func Validate(cfg *types.Config) error {
	if cfg.Pipe == "" {
		return fmt.Errorf("config: [common] pipe must not be empty")
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("config: [common] buffer_size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.GatewayConf.Password != "" && cfg.GatewayConf.Username == "" {
		return fmt.Errorf("config: [gateway] password is set but username is empty")
	}
	switch cfg.AgentConf.Transport {
	case types.TransportHTTP, types.TransportWebSocket:
	default:
		return fmt.Errorf("config: [agent] unknown transport %q", cfg.AgentConf.Transport)
	}
	if cfg.AgentConf.PollTimeout <= 0 {
		return fmt.Errorf("config: [agent] poll_timeout must be positive")
	}
	if cfg.GatewayConf.LivenessIntervalMs <= 0 {
		return fmt.Errorf("config: [gateway] liveness_interval_ms must be positive")
	}
	return nil
}

// SaveIni 将内存中的配置保存回 fileName。
func SaveIni(cfg *types.Config, fileName string) error {
	iniFile := ini.Empty()
	if err := ini.ReflectFrom(iniFile, cfg); err != nil {
		return fmt.Errorf("failed to reflect config to ini object: %w", err)
	}
	return iniFile.SaveTo(fileName)
}

func overrideFromEnv(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
