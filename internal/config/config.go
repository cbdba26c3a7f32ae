// Package config binds this node's tunables through viper: compiled
// defaults overridden by environment variables, with no config file of
// its own — the only on-disk configuration a node reads is the roster
// file, which internal/roster.DefaultPath resolves.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sharded4/s4/internal/pool"
)

const envPrefix = "S4"

// Option describes one tunable with its viper key, default, and
// description; its environment variable name is derived from the key.
type Option struct {
	Key         string
	Default     any
	Description string
}

const (
	keyTimeout     = "timeout"
	keyPoolIORecv  = "pool.io_recv"
	keyPoolIOSend  = "pool.io_send"
	keyPoolCompute = "pool.compute"
	keyPoolMisc    = "pool.misc"
	keyPoolWriter  = "pool.writer"
	keyListenAddr  = "listen_address"
	keyRosterPath  = "roster_path"
)

// poolDefaults are the CPU-derived pool sizes baked into Options below;
// computed once from runtime.NumCPU() rather than fixed constants so a
// node sizes its pools to the machine it actually runs on.
var poolDefaults = pool.DefaultCapacities()

// Options enumerates every tunable this node recognises, each bound
// as S4_<KEY-with-underscores-for-dots>.
var Options = []Option{
	{keyTimeout, 30 * time.Second, "maximum duration a transfer job may remain unconfirmed"},
	{keyPoolIORecv, poolDefaults.IORecv, "admission capacity of the receive-pipeline pool"},
	{keyPoolIOSend, poolDefaults.IOSend, "admission capacity of the send-pipeline pool"},
	{keyPoolCompute, poolDefaults.Compute, "admission capacity of the eval/map/map_to_n/map_from_n pool"},
	{keyPoolMisc, poolDefaults.Misc, "admission capacity of the gc/health pool"},
	{keyPoolWriter, poolDefaults.Writer, "admission capacity of the single-writer pool"},
	{keyListenAddr, "0.0.0.0:7272", "HTTP listen address for this node's API"},
	{keyRosterPath, "", "path to the roster file; empty uses the roster package default"},
}

// Config wraps a viper instance with typed accessors.
type Config struct {
	v *viper.Viper
}

// New builds a Config from compiled defaults overridden by S4_*
// environment variables.
func New() *Config {
	v := viper.New()
	for _, o := range Options {
		v.SetDefault(o.Key, o.Default)
	}
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return &Config{v: v}
}

// Timeout is the maximum duration a transfer job may remain
// unconfirmed before garbage collection reclaims it.
func (c *Config) Timeout() time.Duration {
	return c.v.GetDuration(keyTimeout)
}

// PoolCapacities returns the five admission-pool sizes.
func (c *Config) PoolCapacities() pool.Capacities {
	return pool.Capacities{
		IORecv:  c.v.GetInt(keyPoolIORecv),
		IOSend:  c.v.GetInt(keyPoolIOSend),
		Compute: c.v.GetInt(keyPoolCompute),
		Misc:    c.v.GetInt(keyPoolMisc),
		Writer:  c.v.GetInt(keyPoolWriter),
	}
}

// ListenAddress is the HTTP address this node's API binds to.
func (c *Config) ListenAddress() string {
	return c.v.GetString(keyListenAddr)
}

// RosterPath is the configured roster file path, or "" to defer to
// roster.DefaultPath.
func (c *Config) RosterPath() string {
	return c.v.GetString(keyRosterPath)
}
