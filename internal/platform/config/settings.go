// Package config resolves probe settings from the process environment.
//
// Nested keys are separated by a double underscore, so PG__POOL__MAX_SIZE
// binds to pg.pool.max_size. Only PG__* and DB_CA_CERT are recognized; every
// other variable is ignored.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pgprobe/internal/platform/apperr"
)

const (
	pgPrefix    = "PG__"
	caCertEnv   = "DB_CA_CERT"
	envNestSep  = "__"
	redactedPwd = "[REDACTED]"
)

// Settings is the resolved configuration. It is not mutated after Load.
type Settings struct {
	PG PoolConfig `koanf:"pg"`

	// DBCACert is a path to a PEM bundle of trusted roots. Unset means the
	// pool uses plain transport.
	DBCACert string `koanf:"db_ca_cert"`

	// caCertSet records that DB_CA_CERT was present, even if blank.
	caCertSet bool
}

// PoolConfig holds connection and pool parameters.
type PoolConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password"`
	DBName          string        `koanf:"dbname" validate:"required"`
	ApplicationName string        `koanf:"application_name"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	Pool            PoolBounds    `koanf:"pool"`
}

// PoolBounds sizes the pool. Zero durations keep the pgx defaults.
type PoolBounds struct {
	MaxSize           int           `koanf:"max_size"`
	MinSize           int           `koanf:"min_size"`
	MaxConnLifetime   time.Duration `koanf:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `koanf:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `koanf:"health_check_period"`
}

// CACertPath reports the CA bundle path and whether DB_CA_CERT was set. A
// set but blank variable yields ("", true).
func (s Settings) CACertPath() (string, bool) {
	return s.DBCACert, s.caCertSet || s.DBCACert != ""
}

// Default returns the settings used for keys absent from the environment.
func Default() Settings {
	return Settings{
		PG: PoolConfig{
			Port:            5432,
			ApplicationName: "pgprobe",
			ConnectTimeout:  5 * time.Second,
			Pool: PoolBounds{
				MaxSize: 4,
			},
		},
	}
}

// Load reads settings from environ (os.Environ when nil). The resolved
// settings are logged at debug level with the password redacted.
func Load(log *zap.Logger, environ func() []string) (Settings, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if environ == nil {
		environ = os.Environ
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Settings{}, apperr.New(apperr.ErrConfig, "defaults", err)
	}
	fromEnv := koanf.New(".")
	if err := fromEnv.Load(env.Provider(".", env.Opt{
		EnvironFunc:   environ,
		TransformFunc: transformEnv,
	}), nil); err != nil {
		return Settings{}, apperr.New(apperr.ErrConfig, "environment", err)
	}
	if err := k.Merge(fromEnv); err != nil {
		return Settings{}, apperr.New(apperr.ErrConfig, "environment", err)
	}

	if err := checkScalars(k, reflect.TypeOf(Settings{}), ""); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, apperr.New(apperr.ErrConfig, "decode", err)
	}
	s.caCertSet = fromEnv.Exists("db_ca_cert")
	if err := validate(s); err != nil {
		return Settings{}, err
	}

	log.Debug("settings resolved", zap.Object("settings", s))
	return s, nil
}

// transformEnv maps PG__POOL__MAX_SIZE to pg.pool.max_size and DB_CA_CERT to
// db_ca_cert. Other variables map to "" and are dropped by the provider.
func transformEnv(key, value string) (string, any) {
	switch {
	case key == caCertEnv:
		return "db_ca_cert", strings.TrimSpace(value)
	case strings.HasPrefix(key, pgPrefix) && len(key) > len(pgPrefix):
		path := strings.ToLower(key)
		path = strings.ReplaceAll(path, envNestSep, ".")
		return path, value
	default:
		return "", nil
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

// checkScalars reports the first string value under prefix that does not
// convert to the type of its field, naming the variable it came from.
func checkScalars(k *koanf.Koanf, t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "" {
			continue
		}
		path := prefix + name
		if f.Type.Kind() == reflect.Struct {
			if err := checkScalars(k, f.Type, path+"."); err != nil {
				return err
			}
			continue
		}
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var err error
		switch {
		case f.Type == durationType:
			_, err = time.ParseDuration(strings.TrimSpace(raw))
		case f.Type.Kind() == reflect.Int:
			_, err = strconv.Atoi(strings.TrimSpace(raw))
		}
		if err != nil {
			return apperr.Errorf(apperr.ErrConfig, EnvName(path), "cannot convert %q to %s", raw, f.Type)
		}
	}
	return nil
}

// EnvName returns the variable that binds to a dotted koanf path.
func EnvName(path string) string {
	return strings.ToUpper(strings.ReplaceAll(path, ".", envNestSep))
}

var validate = newValidator()

// newValidator reports the first failing field by its variable name.
func newValidator() func(Settings) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		return name
	})
	return func(s Settings) error {
		err := v.Struct(s)
		if err == nil {
			return nil
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return apperr.New(apperr.ErrConfig, "validate", err)
		}
		fe := verrs[0]
		// Namespace is "Settings.pg.host"; drop the struct name.
		_, path, _ := strings.Cut(fe.Namespace(), ".")
		var cause error
		switch fe.Tag() {
		case "required":
			cause = errors.New("required value is missing")
		default:
			cause = fmt.Errorf("value %v fails %q=%s", fe.Value(), fe.Tag(), fe.Param())
		}
		return apperr.New(apperr.ErrConfig, EnvName(path), cause)
	}
}

// MarshalLogObject renders settings for zap without the password.
func (s Settings) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if err := enc.AddObject("pg", s.PG); err != nil {
		return err
	}
	enc.AddString("db_ca_cert", s.DBCACert)
	return nil
}

func (c PoolConfig) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("host", c.Host)
	enc.AddInt("port", c.Port)
	enc.AddString("user", c.User)
	if c.Password != "" {
		enc.AddString("password", redactedPwd)
	}
	enc.AddString("dbname", c.DBName)
	enc.AddString("application_name", c.ApplicationName)
	enc.AddDuration("connect_timeout", c.ConnectTimeout)
	enc.AddInt("pool_max_size", c.Pool.MaxSize)
	enc.AddInt("pool_min_size", c.Pool.MinSize)
	enc.AddDuration("pool_max_conn_lifetime", c.Pool.MaxConnLifetime)
	enc.AddDuration("pool_max_conn_idle_time", c.Pool.MaxConnIdleTime)
	enc.AddDuration("pool_health_check_period", c.Pool.HealthCheckPeriod)
	return nil
}
