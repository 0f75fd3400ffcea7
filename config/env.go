package config

import (
	"errors"
	"io/fs"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Env holds the settings read from the process environment.
type Env struct {
	ConfigPath string `env:"KERNFS_CONFIG" env-description:"config override file (.yaml, .yml, .json)"`
	Verbose    int    `env:"KERNFS_VERBOSE" env-default:"0" env-description:"log verbosity 1..5, 0 leaves it unset"`
	StorePath  string `env:"KERNFS_STORE_PATH" env-description:"bbolt store file"`
}

// LoadEnv reads Env, first loading any of the given dotenv files that
// exist. Variables already set in the environment win over dotenv values.
func LoadEnv(dotenv ...string) (*Env, error) {
	for _, name := range dotenv {
		if err := godotenv.Load(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	var env Env
	if err := cleanenv.ReadEnv(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Override turns the set fields of e into a ConfigOverride.
func (e *Env) Override() *ConfigOverride {
	var o ConfigOverride
	if e.Verbose != 0 {
		v := e.Verbose
		o.LogLvl = &v
	}
	if e.StorePath != "" {
		p := e.StorePath
		store := StoreBolt
		o.StorePath = &p
		o.Store = &store
	}
	return &o
}
