package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	ini "gopkg.in/ini.v1"

	"wsgate/internal/shared/errors"
	"wsgate/internal/types"
)

const (
	keyMaxFramePayloadLength     = "max_frame_payload_length"
	keyMaxHandshakeContentLength = "max_handshake_content_length"
	keyBufferSize                = "buffer_size"
)

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中。
// 返回的 warnings 均为 KindConfig 错误：对应的值已回退为默认值，调用方只需记录日志。
func LoadIni(cfg *types.Config, fileName string) (warnings []error, err error) {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return nil, err
	}
	return apply(cfg, iniFile)
}

// LoadIniBytes 与 LoadIni 相同，但从内存中的内容加载。
func LoadIniBytes(cfg *types.Config, data []byte) (warnings []error, err error) {
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, err
	}
	return apply(cfg, iniFile)
}

func apply(cfg *types.Config, iniFile *ini.File) ([]error, error) {
	// 使用 MapTo 自动将 .ini 文件的 section 映射到 cfg 结构体的嵌入字段
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, err
	}

	gate := iniFile.Section("gate")
	bridge := iniFile.Section("bridge")

	overrideFromEnvString(&cfg.GateConf.Listen, "WSGATE_LISTEN")
	overrideFromEnvString(&cfg.GateConf.Backend, "WSGATE_BACKEND")
	overrideFromEnvString(&cfg.GateConf.WsEndpoint, "WSGATE_WS_ENDPOINT")
	overrideFromEnvBool(&cfg.GateConf.DisableVanillaTCP, "WSGATE_DISABLE_VANILLA_TCP")
	overrideFromEnvBool(&cfg.GateConf.ProxyProtocol, "WSGATE_PROXY_PROTOCOL")
	overrideFromEnvBool(&cfg.GateConf.Debug, "WSGATE_DEBUG")
	overrideFromEnvBool(&cfg.GateConf.DumpBytes, "WSGATE_DUMP_BYTES")
	overrideFromEnvString(&cfg.BridgeConf.Target, "WSGATE_BRIDGE_TARGET")

	// --- 手动解析需要校验的数值字段 ---
	var warnings []error
	readInt := func(target *int, section *ini.Section, key, env string, def int) {
		raw := section.Key(key).String()
		if v := os.Getenv(env); v != "" {
			raw = v
		}
		value, err := PositiveInt(section.Name()+"."+key, raw, def)
		if err != nil {
			warnings = append(warnings, err)
		}
		*target = value
	}
	readInt(&cfg.GateConf.MaxFramePayloadLength, gate, keyMaxFramePayloadLength,
		"WSGATE_MAX_FRAME_PAYLOAD_LENGTH", types.DefaultMaxFramePayloadLength)
	readInt(&cfg.GateConf.MaxHandshakeContentLength, gate, keyMaxHandshakeContentLength,
		"WSGATE_MAX_HANDSHAKE_CONTENT_LENGTH", types.DefaultMaxHandshakeContentLength)
	readInt(&cfg.GateConf.BufferSize, gate, keyBufferSize, "WSGATE_BUFFER_SIZE", types.DefaultBufferSize)
	readInt(&cfg.BridgeConf.BufferSize, bridge, keyBufferSize, "WSGATE_BRIDGE_BUFFER_SIZE", types.DefaultBufferSize)

	applyDefaults(cfg)
	return warnings, nil
}

// PositiveInt 解析一个必须为正整数的配置值。
// raw 为空时直接返回默认值；无法解析或不为正时返回默认值和一个 KindConfig 错误。
func PositiveInt(key, raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return def, errors.Config("unable to parse %s, using default %d. Invalid value: %q", key, def, raw).Base(err)
	}
	if parsed <= 0 {
		return def, errors.Config("invalid %s (must be > 0): %q, using default %d", key, raw, def)
	}
	return parsed, nil
}

func applyDefaults(cfg *types.Config) {
	if cfg.LogConf.Level == "" {
		cfg.LogConf.Level = "info"
	}
	if cfg.GateConf.Listen == "" {
		cfg.GateConf.Listen = "0.0.0.0:25565"
	}
	if cfg.GateConf.BackendDialTimeout <= 0 {
		cfg.GateConf.BackendDialTimeout = types.DefaultBackendDialTimeout
	}
	if cfg.GateConf.HealthCheckInterval == 0 {
		cfg.GateConf.HealthCheckInterval = types.DefaultHealthCheckInterval
	}
	if cfg.BridgeConf.Listen == "" {
		cfg.BridgeConf.Listen = "127.0.0.1:25565"
	}
	if cfg.BridgeConf.TLSFingerprint == "" {
		cfg.BridgeConf.TLSFingerprint = "randomized"
	}
	if cfg.BridgeConf.HandshakeTimeout <= 0 {
		cfg.BridgeConf.HandshakeTimeout = types.DefaultBridgeHandshakeTimeout
	}
}

// SaveIni 将内存中的 types.Config 结构体保存回指定的 fileName。
func SaveIni(cfg *types.Config, fileName string) error {
	iniFile := ini.Empty()
	err := ini.ReflectFrom(iniFile, cfg)
	if err != nil {
		return fmt.Errorf("failed to reflect config to ini object: %w", err)
	}

	gate := iniFile.Section("gate")
	gate.Key(keyMaxFramePayloadLength).SetValue(strconv.Itoa(cfg.GateConf.MaxFramePayloadLength))
	gate.Key(keyMaxHandshakeContentLength).SetValue(strconv.Itoa(cfg.GateConf.MaxHandshakeContentLength))
	gate.Key(keyBufferSize).SetValue(strconv.Itoa(cfg.GateConf.BufferSize))
	iniFile.Section("bridge").Key(keyBufferSize).SetValue(strconv.Itoa(cfg.BridgeConf.BufferSize))

	return iniFile.SaveTo(fileName)
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvBool(target *bool, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if boolValue, err := strconv.ParseBool(envValue); err == nil {
			*target = boolValue
		}
	}
}
