package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载数据库配置（prefix_HOST, prefix_PORT ...）
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	c.Host = EnvString(prefix+"_HOST", c.Host)
	c.Port = EnvInt(prefix+"_PORT", c.Port)
	c.User = EnvString(prefix+"_USER", c.User)
	c.Password = EnvString(prefix+"_PASSWORD", c.Password)
	c.Database = EnvString(prefix+"_NAME", c.Database)
	c.SSLMode = EnvString(prefix+"_SSLMODE", c.SSLMode)
	c.MaxConns = EnvInt(prefix+"_MAX_CONNS", c.MaxConns)
	c.MaxIdle = EnvInt(prefix+"_MAX_IDLE", c.MaxIdle)
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	c.Addr = EnvString(prefix+"_ADDR", c.Addr)
	c.Password = EnvString(prefix+"_PASSWORD", c.Password)
	c.DB = EnvInt(prefix+"_DB", c.DB)
}

// LoadFromEnv 从环境变量加载MQTT配置
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	c.Enabled = EnvBool(prefix+"_ENABLED", c.Enabled)
	c.Broker = EnvString(prefix+"_BROKER", c.Broker)
	c.ClientID = EnvString(prefix+"_CLIENT_ID", c.ClientID)
	c.Username = EnvString(prefix+"_USERNAME", c.Username)
	c.Password = EnvString(prefix+"_PASSWORD", c.Password)
	c.QoS = byte(EnvInt(prefix+"_QOS", int(c.QoS)))
	c.ConnectTimeout = EnvDuration(prefix+"_CONNECT_TIMEOUT", c.ConnectTimeout)
}

// EnvString 读取字符串环境变量，为空时返回默认值
func EnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvInt 读取整数环境变量，解析失败时返回默认值
func EnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// EnvFloat 读取浮点环境变量
func EnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// EnvBool 读取布尔环境变量（"true"/"1" 为真）
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvDuration 读取时长环境变量（time.ParseDuration 格式，如 "30s"）
func EnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
