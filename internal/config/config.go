// Package config loads the daemon's runtime configuration with Viper:
// a YAML file searched across a handful of standard locations, with
// environment variables overriding whatever the file (or the
// defaults) set.
package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the daemon's runtime configuration values.
type Config struct {
	// UserName, HostName, Name and Cookie identify this daemon
	// instance the way a client's GetClientInfo reply would.
	UserName string
	HostName string
	Name     string
	Cookie   int32

	// SocketDir is where the short-lived client-node fd handoff
	// sockets are created. The control-plane listener uses
	// ControlListenAddr instead.
	SocketDir string

	// RingSize is the byte capacity of the data loop's invoke ring.
	RingSize int

	// AutoLinkEnabled toggles the daemon's target.node auto-link
	// policy on node creation.
	AutoLinkEnabled bool

	// ControlListenAddr is the host:port the control-plane websocket
	// surface listens on.
	ControlListenAddr string

	// HousekeepingInterval is how often the daemon logs its
	// housekeeping line (registry object count, client count,
	// activity log entry count, start time).
	HousekeepingInterval time.Duration

	// ActivityLogSize and ActivityLogTTL bound the in-memory registry
	// activity log.
	ActivityLogSize int
	ActivityLogTTL  time.Duration

	Env       string
	BuildTime string
	StartTime time.Time
}

// Load reads configuration from an optional config file and from
// environment variables, using Viper. Values from the environment
// override the config file, which overrides the defaults below.
func Load(configPath ...string) Config {
	viper.SetDefault("user_name", currentUser())
	viper.SetDefault("host_name", hostName())
	viper.SetDefault("name", "mediad-0")
	viper.SetDefault("cookie", 0)
	viper.SetDefault("socket_dir", "/run/mediad")
	viper.SetDefault("ring_size", 16*1024)
	viper.SetDefault("auto_link_enabled", true)
	viper.SetDefault("control_listen_addr", "127.0.0.1:9643")
	viper.SetDefault("housekeeping_interval", "30s")
	viper.SetDefault("activity_log_size", 200)
	viper.SetDefault("activity_log_ttl", "10m")
	viper.SetDefault("app_env", "development")

	if len(configPath) > 0 && configPath[0] != "" {
		viper.SetConfigFile(configPath[0])
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mediad")
		viper.AddConfigPath("$HOME/.mediad")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("no config file found, using defaults and environment variables")
		} else {
			log.Printf("error reading config file: %v", err)
		}
	} else {
		log.Printf("using config file: %s", viper.ConfigFileUsed())
	}

	viper.SetEnvPrefix("MEDIAD")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Config{
		UserName:             viper.GetString("user_name"),
		HostName:             viper.GetString("host_name"),
		Name:                 viper.GetString("name"),
		Cookie:               int32(viper.GetInt("cookie")),
		SocketDir:            viper.GetString("socket_dir"),
		RingSize:             viper.GetInt("ring_size"),
		AutoLinkEnabled:      viper.GetBool("auto_link_enabled"),
		ControlListenAddr:    viper.GetString("control_listen_addr"),
		HousekeepingInterval: viper.GetDuration("housekeeping_interval"),
		ActivityLogSize:      viper.GetInt("activity_log_size"),
		ActivityLogTTL:       viper.GetDuration("activity_log_ttl"),
		Env:                  viper.GetString("app_env"),
		BuildTime:            viper.GetString("build_time"),
		StartTime:            time.Now(),
	}

	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		log.Printf("warning: unable to create socket dir %s: %v", cfg.SocketDir, err)
	}

	return cfg
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "mediad"
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
