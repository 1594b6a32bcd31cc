package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gonglijing/xunjiHub/internal/circuit"
	"github.com/gonglijing/xunjiHub/internal/models"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http"`
	BLE        BLEConfig        `yaml:"ble"`
	Modbus     ModbusConfig     `yaml:"modbus"`
	NATS       NATSConfig       `yaml:"nats"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Alarm      AlarmConfig      `yaml:"alarm"`

	// 设备与报警定义由外部系统维护，这里作为启动时的种子数据
	Devices []models.Device `yaml:"devices"`
	Alarms  []models.Alarm  `yaml:"alarms"`
}

// ServerConfig 运维 API
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  string        `yaml:"allowed_origins"`
	// RateLimit 每个来源每分钟请求数，0 不限流
	RateLimit   int    `yaml:"rate_limit"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StoreConfig 本地存储
type StoreConfig struct {
	Path              string        `yaml:"path"`
	RetentionDays     int           `yaml:"retention_days"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// RedisConfig 共享状态
type RedisConfig struct {
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	KeyPrefix       string        `yaml:"key_prefix"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	AckTTL          time.Duration `yaml:"ack_ttl"`
}

// MQTTConfig 消息总线适配器，同时用于报警事件发布
type MQTTConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Broker            string        `yaml:"broker"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	TopicPrefix       string        `yaml:"topic_prefix"`
	QOS               int           `yaml:"qos"`
	CleanSession      bool          `yaml:"clean_session"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	RawDownlink       bool          `yaml:"raw_downlink"`
	EventPrefix       string        `yaml:"event_prefix"`
}

// HTTPConfig 设备 HTTP 接入
type HTTPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	QueueSize int    `yaml:"queue_size"`
}

// BLEGatewayConfig 网关登记，key 可以是明文或 bcrypt 哈希
type BLEGatewayConfig struct {
	DeviceID string `yaml:"device_id"`
	Key      string `yaml:"key"`
}

// BLEConfig 蓝牙网关接入
type BLEConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Listen   string             `yaml:"listen"`
	Path     string             `yaml:"path"`
	Gateways []BLEGatewayConfig `yaml:"gateways"`
}

// ModbusPointConfig 寄存器点位
type ModbusPointConfig struct {
	Field    string  `yaml:"field"`
	Register uint16  `yaml:"register"`
	Type     string  `yaml:"type"`
	Scale    float64 `yaml:"scale"`
}

// ModbusDeviceConfig 从站轮询
type ModbusDeviceConfig struct {
	Key       string              `yaml:"key"`
	Transport string              `yaml:"transport"`
	Address   string              `yaml:"address"`
	Port      string              `yaml:"port"`
	BaudRate  int                 `yaml:"baud_rate"`
	DataBits  int                 `yaml:"data_bits"`
	Parity    string              `yaml:"parity"`
	StopBits  int                 `yaml:"stop_bits"`
	SlaveID   byte                `yaml:"slave_id"`
	Interval  time.Duration       `yaml:"interval"`
	Timeout   time.Duration       `yaml:"timeout"`
	Points    []ModbusPointConfig `yaml:"points"`
}

// ModbusConfig 工业轮询
type ModbusConfig struct {
	Enabled bool                 `yaml:"enabled"`
	Devices []ModbusDeviceConfig `yaml:"devices"`
	Breaker circuit.Config       `yaml:"breaker"`
}

// NATSConfig 报警事件发布到 NATS，URL 为空时不启用
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// DispatcherConfig 命令分发
type DispatcherConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	BaseBackoff        time.Duration `yaml:"base_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff"`
	AckPollInterval    time.Duration `yaml:"ack_poll_interval"`
	DrainRetryInterval time.Duration `yaml:"drain_retry_interval"`
}

// AlarmConfig 报警引擎
type AlarmConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Store: StoreConfig{
			Path:              "xunjihub.db",
			RetentionDays:     30,
			RetentionInterval: time.Hour,
		},
		Redis: RedisConfig{
			Addr:            "127.0.0.1:6379",
			KeyPrefix:       "xunji",
			FreshnessWindow: 5 * time.Minute,
			AckTTL:          24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Enabled:           true,
			Broker:            "tcp://127.0.0.1:1883",
			ClientID:          "xunjihub",
			TopicPrefix:       "devices",
			QOS:               1,
			CleanSession:      true,
			KeepAlive:         60 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
			EventPrefix:       "xunji",
		},
		HTTP: HTTPConfig{
			Enabled:   true,
			Listen:    ":8081",
			QueueSize: 32,
		},
		BLE: BLEConfig{
			Listen: ":8082",
			Path:   "/ble/ws",
		},
		Modbus: ModbusConfig{
			Breaker: circuit.DefaultConfig(),
		},
		NATS: NATSConfig{
			Name:          "xunjihub",
			ReconnectWait: 2 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			DefaultTimeout:     30 * time.Second,
			MaxRetries:         3,
			BaseBackoff:        2 * time.Second,
			MaxBackoff:         10 * time.Minute,
			AckPollInterval:    time.Second,
			DrainRetryInterval: time.Second,
		},
		Alarm: AlarmConfig{
			RefreshInterval: time.Minute,
		},
	}
}

var defaultEnvConfig = DefaultConfig()

// configPaths 未指定配置文件时依次查找
var configPaths = []string{
	"config/config.yaml",
	"../config/config.yaml",
	"./config.yaml",
}

// Load 默认值 → 配置文件 → 环境变量，最后校验
// path 为空时依次尝试 CONFIG_FILE 与默认路径，找不到文件则只用默认值
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		if v, ok := envValue("CONFIG_FILE"); ok {
			path, explicit = v, true
		}
	}
	if !explicit {
		path = findConfigFile()
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	loadFromEnv(cfg)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range configPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(cfg, data); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Parse 把 YAML 覆盖到已有配置上，未出现的键保持原值
func Parse(cfg *Config, data []byte) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return yaml.Unmarshal(data, cfg)
}

// loadFromEnv 从环境变量加载配置（会覆盖文件配置）
func loadFromEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	defaults := defaultEnvConfig

	setStringFromEnv(&cfg.Server.Listen, "LISTEN_ADDR")
	setDurationFromEnvWithFallback(&cfg.Server.ReadTimeout, "HTTP_READ_TIMEOUT", defaults.Server.ReadTimeout, false)
	setDurationFromEnvWithFallback(&cfg.Server.WriteTimeout, "HTTP_WRITE_TIMEOUT", defaults.Server.WriteTimeout, false)
	setDurationFromEnv(&cfg.Server.IdleTimeout, "HTTP_IDLE_TIMEOUT")
	setDurationFromEnvWithFallback(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT", defaults.Server.ShutdownTimeout, true)
	setStringFromEnv(&cfg.Server.AllowedOrigins, "ALLOWED_ORIGINS")
	setIntFromEnv(&cfg.Server.RateLimit, "API_RATE_LIMIT")
	setStringFromEnv(&cfg.Server.TLSCertFile, "TLS_CERT_FILE")
	setStringFromEnv(&cfg.Server.TLSKeyFile, "TLS_KEY_FILE")

	setStringFromEnv(&cfg.Log.Level, "LOG_LEVEL")
	setBoolFromEnv(&cfg.Log.JSON, "LOG_JSON")
	setStringFromEnv(&cfg.Log.File, "LOG_FILE")
	setIntFromEnv(&cfg.Log.MaxSizeMB, "LOG_MAX_SIZE_MB")

	setStringFromEnv(&cfg.Store.Path, "DB_PATH")
	setIntFromEnvWithFallback(&cfg.Store.RetentionDays, "TELEMETRY_RETENTION_DAYS", defaults.Store.RetentionDays)

	setStringFromEnv(&cfg.Redis.Addr, "REDIS_ADDR")
	setStringFromEnv(&cfg.Redis.Password, "REDIS_PASSWORD")
	setIntFromEnv(&cfg.Redis.DB, "REDIS_DB")
	setStringFromEnv(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")
	setDurationFromEnvWithFallback(&cfg.Redis.FreshnessWindow, "FRESHNESS_WINDOW", defaults.Redis.FreshnessWindow, true)

	setBoolFromEnvAllowOne(&cfg.MQTT.Enabled, "MQTT_ENABLED")
	setStringFromEnv(&cfg.MQTT.Broker, "MQTT_BROKER")
	setStringFromEnv(&cfg.MQTT.ClientID, "MQTT_CLIENT_ID")
	setStringFromEnv(&cfg.MQTT.Username, "MQTT_USERNAME")
	setStringFromEnv(&cfg.MQTT.Password, "MQTT_PASSWORD")
	setStringFromEnv(&cfg.MQTT.TopicPrefix, "MQTT_TOPIC_PREFIX")
	setDurationFromEnvWithFallback(&cfg.MQTT.ReconnectInterval, "MQTT_RECONNECT_INTERVAL", defaults.MQTT.ReconnectInterval, true)

	setBoolFromEnvAllowOne(&cfg.HTTP.Enabled, "HTTP_INGEST_ENABLED")
	setStringFromEnv(&cfg.HTTP.Listen, "HTTP_INGEST_LISTEN")

	setBoolFromEnvAllowOne(&cfg.BLE.Enabled, "BLE_ENABLED")
	setStringFromEnv(&cfg.BLE.Listen, "BLE_LISTEN")

	setBoolFromEnvAllowOne(&cfg.Modbus.Enabled, "MODBUS_ENABLED")

	setStringFromEnv(&cfg.NATS.URL, "NATS_URL")
	setStringFromEnv(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	setIntFromEnvWithFallback(&cfg.Dispatcher.MaxRetries, "DISPATCH_MAX_RETRIES", defaults.Dispatcher.MaxRetries)
	setDurationFromEnvWithFallback(&cfg.Dispatcher.DefaultTimeout, "DISPATCH_TIMEOUT", defaults.Dispatcher.DefaultTimeout, true)
	setDurationFromEnvWithFallback(&cfg.Alarm.RefreshInterval, "ALARM_REFRESH_INTERVAL", defaults.Alarm.RefreshInterval, true)
}

// normalize 统一设备协议与 BLE MAC 写法
func (c *Config) normalize() {
	for i := range c.Devices {
		d := &c.Devices[i]
		d.Protocol = d.NormalizedProtocol()
		if d.Protocol == models.ProtocolBLE {
			d.Key = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(d.Key)), "-", ":")
		}
	}
	for i := range c.Alarms {
		a := &c.Alarms[i]
		a.Rule.Condition = models.Condition(strings.ToUpper(strings.TrimSpace(string(a.Rule.Condition))))
	}
}

var knownProtocols = map[string]struct{}{
	models.ProtocolMQTT:   {},
	models.ProtocolHTTP:   {},
	models.ProtocolBLE:    {},
	models.ProtocolModbus: {},
}

var knownConditions = map[models.Condition]struct{}{
	models.ConditionGT:      {},
	models.ConditionLT:      {},
	models.ConditionEQ:      {},
	models.ConditionNEQ:     {},
	models.ConditionGTE:     {},
	models.ConditionLTE:     {},
	models.ConditionBetween: {},
	models.ConditionOutside: {},
}

// Validate 校验种子数据，返回全部问题
func (c *Config) Validate() error {
	var errs []error

	deviceIDs := make(map[string]struct{}, len(c.Devices))
	deviceKeys := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" || d.Key == "" {
			errs = append(errs, fmt.Errorf("devices[%d]: id and key are required", i))
			continue
		}
		if _, ok := knownProtocols[d.Protocol]; !ok {
			errs = append(errs, fmt.Errorf("device %s: unknown protocol %q", d.ID, d.Protocol))
		}
		if _, dup := deviceIDs[d.ID]; dup {
			errs = append(errs, fmt.Errorf("device %s: duplicate id", d.ID))
		}
		deviceIDs[d.ID] = struct{}{}
		pk := d.Protocol + "/" + d.Key
		if _, dup := deviceKeys[pk]; dup {
			errs = append(errs, fmt.Errorf("device %s: duplicate key %s", d.ID, pk))
		}
		deviceKeys[pk] = struct{}{}
	}

	alarmIDs := make(map[string]struct{}, len(c.Alarms))
	for i, a := range c.Alarms {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("alarms[%d]: id is required", i))
			continue
		}
		if _, dup := alarmIDs[a.ID]; dup {
			errs = append(errs, fmt.Errorf("alarm %s: duplicate id", a.ID))
		}
		alarmIDs[a.ID] = struct{}{}
		if _, ok := deviceIDs[a.DeviceID]; !ok && len(c.Devices) > 0 {
			errs = append(errs, fmt.Errorf("alarm %s: unknown device %q", a.ID, a.DeviceID))
		}
		if a.Rule.TelemetryKey == "" {
			errs = append(errs, fmt.Errorf("alarm %s: telemetry_key is required", a.ID))
		}
		if _, ok := knownConditions[a.Rule.Condition]; !ok {
			errs = append(errs, fmt.Errorf("alarm %s: unknown condition %q", a.ID, a.Rule.Condition))
		}
	}

	for i, d := range c.Modbus.Devices {
		if d.Key == "" || len(d.Points) == 0 {
			errs = append(errs, fmt.Errorf("modbus.devices[%d]: key and points are required", i))
		}
	}
	for i, gw := range c.BLE.Gateways {
		if gw.DeviceID == "" || gw.Key == "" {
			errs = append(errs, fmt.Errorf("ble.gateways[%d]: device_id and key are required", i))
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server: tls_cert_file and tls_key_file must be set together"))
	}
	return errors.Join(errs...)
}

func setStringFromEnv(dst *string, key string) {
	if dst == nil {
		return
	}
	if value, ok := envValue(key); ok {
		*dst = value
	}
}

func setBoolFromEnv(dst *bool, key string) {
	if dst == nil {
		return
	}
	if value, ok := envValue(key); ok {
		*dst = parseTrueBool(value)
	}
}

func setBoolFromEnvAllowOne(dst *bool, key string) {
	if dst == nil {
		return
	}
	if value, ok := envValue(key); ok {
		*dst = parseTrueBoolOrOne(value)
	}
}

func setIntFromEnv(dst *int, key string) {
	if dst == nil {
		return
	}
	value, ok := envValue(key)
	if !ok {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*dst = parsed
	}
}

func setIntFromEnvWithFallback(dst *int, key string, fallback int) {
	if dst == nil {
		return
	}
	value, ok := envValue(key)
	if !ok {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*dst = parsed
		return
	}
	if *dst == 0 {
		*dst = fallback
	}
}

func setDurationFromEnv(dst *time.Duration, key string) {
	if dst == nil {
		return
	}
	value, ok := envValue(key)
	if !ok {
		return
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		*dst = parsed
	}
}

func setDurationFromEnvWithFallback(dst *time.Duration, key string, fallback time.Duration, mustPositive bool) {
	if dst == nil {
		return
	}
	value, ok := envValue(key)
	if !ok {
		return
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		if !mustPositive || parsed > 0 {
			*dst = parsed
			return
		}
	}
	if *dst == 0 {
		*dst = fallback
	}
}

func envValue(key string) (string, bool) {
	value := os.Getenv(key)
	if value == "" {
		return "", false
	}
	return value, true
}

func parseTrueBool(value string) bool {
	return strings.EqualFold(strings.TrimSpace(value), "true")
}

func parseTrueBoolOrOne(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.EqualFold(trimmed, "true") || trimmed == "1"
}

// GetAllowedOrigins 获取允许的跨域来源列表
func (c *Config) GetAllowedOrigins() []string {
	if strings.TrimSpace(c.Server.AllowedOrigins) == "" {
		return nil
	}
	parts := strings.Split(c.Server.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// String 返回配置的字符串表示
func (c *Config) String() string {
	return fmt.Sprintf("Config{Listen=%s, DB=%s, Redis=%s, MQTT=%v(%s), HTTP=%v, BLE=%v, Modbus=%v, NATS=%q, Devices=%d, Alarms=%d, LogLevel=%s}",
		c.Server.Listen, c.Store.Path, c.Redis.Addr, c.MQTT.Enabled, c.MQTT.Broker, c.HTTP.Enabled, c.BLE.Enabled,
		c.Modbus.Enabled, c.NATS.URL, len(c.Devices), len(c.Alarms), c.Log.Level)
}
