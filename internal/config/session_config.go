package config

import (
	"time"

	"github.com/spf13/viper"
)

type SessionConfig interface {
	GetRefreshTimeout() time.Duration
	GetClockSkew() time.Duration
}

type Session struct {
	v *viper.Viper
}

var _ SessionConfig = Session{}

// GetRefreshTimeout bounds a refresh cycle independently of the caller that started it.
func (s Session) GetRefreshTimeout() time.Duration {
	return s.v.GetDuration("session.refreshTimeout")
}

func (s Session) GetClockSkew() time.Duration {
	return s.v.GetDuration("session.clockSkew")
}

type CookieConfig interface {
	GetCookiePath() string
	GetCookieMaxAge() time.Duration
	GetCookieSecure() bool
}

type Cookies struct {
	v *viper.Viper
}

var _ CookieConfig = Cookies{}

func (c Cookies) GetCookiePath() string {
	return c.v.GetString("cookie.path")
}

func (c Cookies) GetCookieMaxAge() time.Duration {
	return c.v.GetDuration("cookie.maxAge")
}

func (c Cookies) GetCookieSecure() bool {
	return c.v.GetBool("cookie.secure")
}
