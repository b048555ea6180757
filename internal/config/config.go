package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	NATSURL            string `mapstructure:"nats_url"`            // 消息总线地址
	HTTPAddr           string `mapstructure:"http_addr"`           // 地址空间读取服务监听地址
	SubjectPrefix      string `mapstructure:"subject_prefix"`      // 命令/事件主题前缀
	SimulationInterval int    `mapstructure:"simulation_interval"` // 模拟时钟间隔（秒）
	DefaultMaxSheets   int    `mapstructure:"default_max_sheets"`  // 订单未指定时的每箱最大张数
	TickRule           string `mapstructure:"tick_rule"`           // 每次 tick 前评估的守卫规则 (expr 语法)
	JournalPath        string `mapstructure:"journal_path"`        // 计数器日志文件路径
}

// LoadConfig 从 config.yaml 文件加载配置
// 使用 Viper 库来读取和解析配置文件，环境变量 (SORT3_*) 可覆盖同名项
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config") // 配置文件名称 (不带扩展名)
	viper.SetConfigType("yaml")   // 配置文件类型
	viper.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)

	// 设置默认值
	viper.SetDefault("nats_url", "nats://127.0.0.1:4222")
	viper.SetDefault("http_addr", ":8080")
	viper.SetDefault("subject_prefix", "sort3")
	viper.SetDefault("simulation_interval", 5)
	viper.SetDefault("default_max_sheets", 10)
	viper.SetDefault("tick_rule", "order.active && active_stations > 0")
	viper.SetDefault("journal_path", "counter.journal")

	viper.SetEnvPrefix("sort3")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// 读取配置文件，文件缺失时使用默认值
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if cfg.SimulationInterval <= 0 {
		return nil, fmt.Errorf("simulation_interval 必须为正数, 得到 %d", cfg.SimulationInterval)
	}
	return &cfg, nil
}
