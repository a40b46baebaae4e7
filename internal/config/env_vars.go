package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetDataDir() string
	GetEnv() string
}

type EnvVars struct {
	v *viper.Viper
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetPort() string {
	port := e.v.GetString("port")
	if !strings.HasPrefix(port, ":") {
		port = fmt.Sprintf(":%s", port)
	}
	return port
}

func (e EnvVars) GetAppName() string {
	return e.v.GetString("appName")
}

func (e EnvVars) GetDataDir() string {
	return e.v.GetString("dataDir")
}

func (e EnvVars) GetEnv() string {
	env := e.v.GetString("env")
	if env == "" {
		return "DEV"
	}
	return strings.ToUpper(env)
}
