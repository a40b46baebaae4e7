package config

import "github.com/spf13/viper"

// ElevatedConfig holds the operator identity accepted on the superuser login surface.
// The password is stored as a bcrypt hash, never in clear.
type ElevatedConfig interface {
	GetOperatorEmail() string
	GetOperatorPasswordHash() string
}

type Elevated struct {
	v *viper.Viper
}

var _ ElevatedConfig = Elevated{}

func (e Elevated) GetOperatorEmail() string {
	return e.v.GetString("elevated.email")
}

func (e Elevated) GetOperatorPasswordHash() string {
	return e.v.GetString("elevated.passwordHash")
}
