package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MongoDB  MongoDBConfig  `mapstructure:"mongodb"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Session  SessionConfig  `mapstructure:"session"`
	Orders   OrdersConfig   `mapstructure:"orders"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig names the instance. Host is the address announced to etcd.
type ServerConfig struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
}

type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

type GatewayConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// DatabaseConfig selects the gorm dialector. "mysql" uses the MySQL section,
// "sqlite" opens SQLitePath.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	PoolSize  int           `mapstructure:"pool_size"`
	OrdersTTL time.Duration `mapstructure:"orders_ttl"`
}

type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Prefix      string        `mapstructure:"prefix"`
	LeaseTTL    int64         `mapstructure:"lease_ttl"`
}

type SessionConfig struct {
	Key        string `mapstructure:"key"`
	CookieName string `mapstructure:"cookie_name"`
	HeaderName string `mapstructure:"header_name"`
	MaxAge     int    `mapstructure:"max_age"`
	Secure     bool   `mapstructure:"secure"`
	Domain     string `mapstructure:"domain"`
}

type OrdersConfig struct {
	NumberPrefix      string `mapstructure:"number_prefix"`
	MaxNumberAttempts int    `mapstructure:"max_number_attempts"`
	PaymentMethod     string `mapstructure:"payment_method"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Encoding    string   `mapstructure:"encoding"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// Load reads configPath (YAML) on top of the defaults. Any key can be
// overridden from the environment, e.g. STOREFRONT_MYSQL_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("storefront")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "storefront")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "storefront.db")
	// Empty defaults make these keys visible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"mysql.host", "mysql.username", "mysql.password", "mysql.database",
		"redis.addr", "redis.password", "mongodb.uri", "session.key",
		"session.domain", "admin.token",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.max_open_conns", 50)

	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.orders_ttl", 10*time.Minute)
	v.SetDefault("mongodb.database", "storefront")
	v.SetDefault("mongodb.collection", "audit_logs")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.prefix", "/services/")
	v.SetDefault("etcd.lease_ttl", 30)

	v.SetDefault("session.cookie_name", "cart_session")
	v.SetDefault("session.header_name", "X-Cart-Session")
	v.SetDefault("session.max_age", 30*24*60*60)

	v.SetDefault("orders.number_prefix", "ORD")
	v.SetDefault("orders.max_number_attempts", 5)
	v.SetDefault("orders.payment_method", "cod")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
	v.SetDefault("log.output_paths", []string{"stdout"})
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Orders.MaxNumberAttempts < 1 {
		return fmt.Errorf("orders.max_number_attempts must be at least 1, got %d", c.Orders.MaxNumberAttempts)
	}
	if c.Orders.NumberPrefix == "" {
		return fmt.Errorf("orders.number_prefix must not be empty")
	}
	return nil
}

func (c *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}
