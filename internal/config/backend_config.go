package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig locates the school REST backend and its auth endpoints.
type BackendConfig interface {
	GetBackendBaseURL() string
	GetLoginPath() string
	GetRefreshPath() string
	GetLogoutPath() string
	GetCurrentUserPath() string
	GetPingPath() string
	GetBackendTimeout() time.Duration
	GetBackendMaxRetries() int
}

type Backend struct {
	v *viper.Viper
}

var _ BackendConfig = Backend{}

func (b Backend) GetBackendBaseURL() string {
	return strings.TrimRight(b.v.GetString("backend.baseURL"), "/")
}

func (b Backend) GetLoginPath() string {
	return b.v.GetString("backend.loginPath")
}

func (b Backend) GetRefreshPath() string {
	return b.v.GetString("backend.refreshPath")
}

func (b Backend) GetLogoutPath() string {
	return b.v.GetString("backend.logoutPath")
}

func (b Backend) GetCurrentUserPath() string {
	return b.v.GetString("backend.mePath")
}

// GetPingPath is the authenticated GET used to verify elevated sessions.
func (b Backend) GetPingPath() string {
	return b.v.GetString("backend.pingPath")
}

func (b Backend) GetBackendTimeout() time.Duration {
	return b.v.GetDuration("backend.timeout")
}

func (b Backend) GetBackendMaxRetries() int {
	return b.v.GetInt("backend.maxRetries")
}
