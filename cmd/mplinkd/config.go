// Command mplinkd runs a demo client or server over the multi-path KCP
// transport implemented by github.com/pg9182/mplink.
package main

import (
	"fmt"
	"net/netip"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains mplinkd's configuration. The env struct tag contains the
// environment variable name and the default value if missing, or empty (if
// not ?=). All string arrays are comma-separated, following the convention
// established by github.com/r2northstar/atlas's Config.
type Config struct {
	// Mode selects client or server operation.
	Mode string `env:"MPLINK_MODE=server"`

	// Addr is the comma-separated list of local addresses to bind in
	// server mode, or remote addresses to connect to in client mode.
	Addr []string `env:"MPLINK_ADDR=127.0.0.1:9001"`

	// MetricsAddr is the address to serve Prometheus metrics and the debug
	// monitor on. Empty disables the debug HTTP server.
	MetricsAddr string `env:"MPLINK_METRICS_ADDR"`

	// ReuseAddr requests SO_REUSEADDR/SO_REUSEPORT on server binds.
	ReuseAddr bool `env:"MPLINK_REUSEADDR"`

	// LogLevel is the minimum zerolog level to emit.
	LogLevel zerolog.Level `env:"MPLINK_LOG_LEVEL=info"`

	// DialTimeout bounds how long client mode waits for each reply; a read
	// that times out is logged and the next ping is sent.
	DialTimeout time.Duration `env:"MPLINK_DIAL_TIMEOUT=5s"`
}

// UnmarshalEnv unmarshals an array of environment variables into c, setting
// default values as appropriate, following the reflect-over-struct-tags
// approach of github.com/r2northstar/atlas's pkg/atlas.Config.UnmarshalEnv,
// trimmed to the field types mplinkd actually uses.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "MPLINK_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		key, val, _ := strings.Cut(env, "=")
		settableEmpty := strings.HasSuffix(key, "?")
		key = strings.TrimSuffix(key, "?")

		if v, exists := em[key]; exists {
			if v != "" || settableEmpty {
				val = v
			}
			delete(em, key)
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// addrPorts parses Addr into netip.AddrPort values.
func (c *Config) addrPorts() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(c.Addr))
	for _, a := range c.Addr {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		ap, err := netip.ParseAddrPort(a)
		if err != nil {
			return nil, fmt.Errorf("parse address %q: %w", a, err)
		}
		out = append(out, ap)
	}
	return out, nil
}
