package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppPort string

	PostgresDSN string
	RedisAddr   string

	// 采集任务与清理任务的 cron 表达式
	CronSpec        string
	CleanupCronSpec string

	// NodeCount 是逻辑工作节点数量，决定采集并发度与 source->node 的哈希取模
	NodeCount int

	// 单次抓取的超时时间，也是整个管线里唯一的硬性截止
	FetchTimeout time.Duration

	// 按 created_at 清理的保留天数
	RetentionDays int

	// Sources 指定启用的来源（逗号分隔），为空则启用全部内置来源
	Sources []string

	BasicAuthUser string
	BasicAuthPass string
}

func Load() *Config {
	cfg := &Config{
		AppPort:         getEnv("APP_PORT", "9000"),
		PostgresDSN:     getEnv("POSTGRES_DSN", "host=localhost user=newshub password=newshub dbname=newshub port=5432 sslmode=disable TimeZone=UTC"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6380"),
		CronSpec:        getEnv("CRON_SPEC", "*/10 * * * *"),
		CleanupCronSpec: getEnv("CLEANUP_CRON_SPEC", "0 3 * * *"),
		NodeCount:       getEnvInt("NODE_COUNT", 2),
		FetchTimeout:    time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 15)) * time.Second,
		RetentionDays:   getEnvInt("RETENTION_DAYS", 30),
		Sources:         splitList(os.Getenv("SOURCES")),
		BasicAuthUser:   os.Getenv("APP_BASIC_USER"),
		BasicAuthPass:   os.Getenv("APP_BASIC_PASS"),
	}

	if cfg.NodeCount <= 0 {
		cfg.NodeCount = 1
	}

	log.Printf("config loaded: port=%s cron=%s cleanup=%s nodes=%d timeout=%s retention=%dd",
		cfg.AppPort, cfg.CronSpec, cfg.CleanupCronSpec, cfg.NodeCount, cfg.FetchTimeout, cfg.RetentionDays)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("warn: invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// splitList 解析逗号分隔的列表，忽略空白项
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
