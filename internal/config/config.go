package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/yourusername/hybrid-power-sched/internal/hal"
	"github.com/yourusername/hybrid-power-sched/pkg/models"
)

// EnvPrefix 环境变量前缀，例如 HYBRIDD_POLICY_TICK_INTERVAL
const EnvPrefix = "HYBRIDD"

// Config 应用配置
type Config struct {
	Server     ServerConfig           `mapstructure:"server"`
	Scheduler  models.SchedulerConfig `mapstructure:"scheduler"`
	Policy     PolicyConfig           `mapstructure:"policy"`
	Backend    BackendConfig          `mapstructure:"backend"`
	Kubernetes KubernetesConfig       `mapstructure:"kubernetes"`
	Logging    LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address 监听地址
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PolicyConfig 电源策略配置
type PolicyConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`    // 周期评估间隔
	HardwareTimeout time.Duration `mapstructure:"hardware_timeout"` // 单次硬件调用超时，0 表示不限
	InitialMode     string        `mapstructure:"initial_mode"`
	ThrottleDevices []string      `mapstructure:"throttle_devices"` // 过热时挂起的 PCI 设备 bb:dd.f
}

// Mode 解析初始模式
func (p PolicyConfig) Mode() (models.PolicyMode, error) {
	return models.ParsePolicyMode(p.InitialMode)
}

// Devices 解析过热时挂起的设备地址
func (p PolicyConfig) Devices() ([]hal.DeviceAddress, error) {
	out := make([]hal.DeviceAddress, 0, len(p.ThrottleDevices))
	for _, s := range p.ThrottleDevices {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := hal.ParseDeviceAddress(s)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// BackendConfig 硬件后端配置
type BackendConfig struct {
	Type          string `mapstructure:"type"` // simulated | sysfs
	SysfsRoot     string `mapstructure:"sysfs_root"`
	ProcRoot      string `mapstructure:"proc_root"`
	SimulateDrift bool   `mapstructure:"simulate_drift"` // 仅 simulated：利用率和温度随机漂移
}

// KubernetesConfig 节点状态发布配置
type KubernetesConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Kubeconfig      string        `mapstructure:"kubeconfig"`
	NodeName        string        `mapstructure:"node_name"`
	PublishInterval time.Duration `mapstructure:"publish_interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load 加载配置文件；configPath 为空时只使用默认值和环境变量
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 读取环境变量
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 解析环境变量
	processEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)

	defaults := models.DefaultSchedulerConfig()
	v.SetDefault("scheduler.migration_threshold", defaults.MigrationThreshold)
	v.SetDefault("scheduler.p_core_preference", defaults.PCorePreference)
	v.SetDefault("scheduler.power_efficiency", defaults.PowerEfficiency)

	v.SetDefault("policy.tick_interval", time.Second)
	v.SetDefault("policy.hardware_timeout", 200*time.Millisecond)
	v.SetDefault("policy.initial_mode", models.ModeBalanced.String())
	v.SetDefault("policy.throttle_devices", []string{})

	v.SetDefault("backend.type", "simulated")
	v.SetDefault("backend.sysfs_root", "/sys")
	v.SetDefault("backend.proc_root", "/proc")
	v.SetDefault("backend.simulate_drift", true)

	v.SetDefault("kubernetes.enabled", false)
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.node_name", "")
	v.SetDefault("kubernetes.publish_interval", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// processEnvVars 处理环境变量
func processEnvVars(v *viper.Viper) {
	// Downward API 注入的节点名
	if v.GetString("kubernetes.node_name") == "" {
		if nodeName := os.Getenv("NODE_NAME"); nodeName != "" {
			v.Set("kubernetes.node_name", nodeName)
		}
	}
}

// Validate 检查取值范围
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d", models.ErrInvalidArgument, c.Server.Port)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if c.Policy.TickInterval <= 0 {
		return fmt.Errorf("%w: policy.tick_interval must be positive", models.ErrInvalidArgument)
	}
	if c.Policy.HardwareTimeout < 0 {
		return fmt.Errorf("%w: policy.hardware_timeout must not be negative", models.ErrInvalidArgument)
	}
	if _, err := c.Policy.Mode(); err != nil {
		return err
	}
	if _, err := c.Policy.Devices(); err != nil {
		return err
	}
	switch c.Backend.Type {
	case "simulated", "sysfs":
	default:
		return fmt.Errorf("%w: backend.type %q (want simulated or sysfs)", models.ErrInvalidArgument, c.Backend.Type)
	}
	if c.Kubernetes.Enabled {
		if c.Kubernetes.NodeName == "" {
			return fmt.Errorf("%w: kubernetes.node_name is required when publishing is enabled", models.ErrInvalidArgument)
		}
		if c.Kubernetes.PublishInterval <= 0 {
			return fmt.Errorf("%w: kubernetes.publish_interval must be positive", models.ErrInvalidArgument)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: logging.format %q", models.ErrInvalidArgument, c.Logging.Format)
	}
	return nil
}
