// Package config loads service configuration from defaults, a YAML file and
// ATTENDANCE_* environment variables, in increasing order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/warp/attendance-engine/attendance"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	// Timezone is the IANA zone schedules are written in.
	Timezone string `mapstructure:"timezone"`
	// Seed loads a named scenario on startup when set.
	Seed string `mapstructure:"seed"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite | postgres | memory
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	QueryLog    bool   `mapstructure:"query_log"`
}

// RedisConfig enables the distributed lock and the publish sink when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

// RulesConfig mirrors attendance.Rules.
type RulesConfig struct {
	MinSessionGap           time.Duration `mapstructure:"min_session_gap"`
	ReturnAfterScheduleEnd  time.Duration `mapstructure:"return_after_schedule_end"`
	RejectEarlyTimeIn       bool          `mapstructure:"reject_early_time_in"`
	DefaultGraceMinutes     int           `mapstructure:"default_grace_minutes"`
	MaxGraceMinutes         int           `mapstructure:"max_grace_minutes"`
	BreakThresholdMinutes   int           `mapstructure:"break_threshold_minutes"`
	BreakMinutes            int           `mapstructure:"break_minutes"`
	RoundUpRemainderMinutes int           `mapstructure:"round_up_remainder_minutes"`
	StandardDayHours        int           `mapstructure:"standard_day_hours"`
	NightShiftCutoffHour    int           `mapstructure:"night_shift_cutoff_hour"`
	AutoCloseAfter          time.Duration `mapstructure:"auto_close_after"`
	LongSessionAfter        time.Duration `mapstructure:"long_session_after"`
	MissingTimeOutAfter     time.Duration `mapstructure:"missing_time_out_after"`
}

type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	CompletionInterval time.Duration `mapstructure:"completion_interval"`
}

// Load reads configuration. An empty path searches ./config and . for
// config.yaml; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ATTENDANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := attendance.DefaultRules()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./attendance.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.query_log", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "attendance:notifications")
	v.SetDefault("redis.lock_ttl", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("rules.min_session_gap", d.MinSessionGap)
	v.SetDefault("rules.return_after_schedule_end", d.ReturnAfterScheduleEnd)
	v.SetDefault("rules.reject_early_time_in", d.RejectEarlyTimeIn)
	v.SetDefault("rules.default_grace_minutes", d.DefaultGraceMinutes)
	v.SetDefault("rules.max_grace_minutes", d.MaxGraceMinutes)
	v.SetDefault("rules.break_threshold_minutes", d.BreakThresholdMinutes)
	v.SetDefault("rules.break_minutes", d.BreakMinutes)
	v.SetDefault("rules.round_up_remainder_minutes", d.RoundUpRemainderMinutes)
	v.SetDefault("rules.standard_day_hours", d.StandardDayHours)
	v.SetDefault("rules.night_shift_cutoff_hour", d.NightShiftCutoffHour)
	v.SetDefault("rules.auto_close_after", d.AutoCloseAfter)
	v.SetDefault("rules.long_session_after", d.LongSessionAfter)
	v.SetDefault("rules.missing_time_out_after", d.MissingTimeOutAfter)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_interval", "1h")
	v.SetDefault("scheduler.completion_interval", "24h")

	v.SetDefault("timezone", "UTC")
	v.SetDefault("seed", "")
}

// Validate checks the settings the service cannot start without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("config: server.port must be between 1 and 65535")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return errors.New("config: store.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return errors.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Rules.MaxGraceMinutes < 0 || c.Rules.MaxGraceMinutes > 30 {
		return errors.New("config: rules.max_grace_minutes must be between 0 and 30")
	}
	if c.Rules.DefaultGraceMinutes < 0 || c.Rules.DefaultGraceMinutes > c.Rules.MaxGraceMinutes {
		return errors.New("config: rules.default_grace_minutes must be between 0 and rules.max_grace_minutes")
	}
	if c.Rules.RoundUpRemainderMinutes < 0 || c.Rules.RoundUpRemainderMinutes >= 60 {
		return errors.New("config: rules.round_up_remainder_minutes must be between 0 and 59")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "config: invalid timezone %q", c.Timezone)
	}
	return loc, nil
}

// AttendanceRules converts the rules section.
func (c *Config) AttendanceRules() attendance.Rules {
	r := c.Rules
	return attendance.Rules{
		MinSessionGap:           r.MinSessionGap,
		ReturnAfterScheduleEnd:  r.ReturnAfterScheduleEnd,
		RejectEarlyTimeIn:       r.RejectEarlyTimeIn,
		DefaultGraceMinutes:     r.DefaultGraceMinutes,
		MaxGraceMinutes:         r.MaxGraceMinutes,
		BreakThresholdMinutes:   r.BreakThresholdMinutes,
		BreakMinutes:            r.BreakMinutes,
		RoundUpRemainderMinutes: r.RoundUpRemainderMinutes,
		StandardDayHours:        r.StandardDayHours,
		NightShiftCutoffHour:    r.NightShiftCutoffHour,
		AutoCloseAfter:          r.AutoCloseAfter,
		LongSessionAfter:        r.LongSessionAfter,
		MissingTimeOutAfter:     r.MissingTimeOutAfter,
	}
}
