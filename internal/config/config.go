package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CONSOLE"

type Config interface {
	EnvConfig
	BackendConfig
	SessionConfig
	CookieConfig
	ElevatedConfig
}

type mainConfig struct {
	EnvVars
	Backend
	Session
	Cookies
	Elevated
}

// New loads the configuration from defaults, an optional .env file and the environment.
func New() Config {
	env := os.Getenv("ENV")
	if env == "" {
		env = "DEV"
	}
	for _, name := range []string{".env." + strings.ToLower(env), ".env"} {
		if _, err := os.Stat(name); err == nil {
			if err := godotenv.Load(name); err != nil {
				log.Fatalf("config.godotenv(%s): %v", name, err)
			}
		}
	}

	v := newViper()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.Set("env", strings.ToUpper(env))
	return FromViper(v)
}

// FromMap builds a configuration from defaults overridden by values. Keys use the dotted
// form, e.g. "backend.baseURL".
func FromMap(values map[string]any) Config {
	v := newViper()
	for k, val := range values {
		v.Set(k, val)
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) Config {
	return mainConfig{
		EnvVars:  EnvVars{v: v},
		Backend:  Backend{v: v},
		Session:  Session{v: v},
		Cookies:  Cookies{v: v},
		Elevated: Elevated{v: v},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	v.SetDefault("env", "DEV")
	v.SetDefault("appName", "School Console")
	v.SetDefault("port", "8090")
	v.SetDefault("dataDir", defaultDataDir())

	v.SetDefault("backend.baseURL", "http://localhost:8000/api")
	v.SetDefault("backend.loginPath", "/auth/login")
	v.SetDefault("backend.refreshPath", "/auth/token/refresh")
	v.SetDefault("backend.logoutPath", "/auth/logout")
	v.SetDefault("backend.mePath", "/auth/me")
	v.SetDefault("backend.pingPath", "/auth/me")
	v.SetDefault("backend.timeout", 8*time.Second)
	v.SetDefault("backend.maxRetries", 2)

	v.SetDefault("session.refreshTimeout", 8*time.Second)
	v.SetDefault("session.clockSkew", 30*time.Second)

	v.SetDefault("cookie.path", "/")
	v.SetDefault("cookie.maxAge", 24*time.Hour)
	v.SetDefault("cookie.secure", false)

	v.SetDefault("elevated.email", "")
	v.SetDefault("elevated.passwordHash", "")
	return v
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./data"
	}
	return dir + string(os.PathSeparator) + "school-console"
}
