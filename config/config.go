// Package config loads the settings of the FTP server from an optional YAML
// file and from the environment. The environment wins.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the path of the YAML file.
const FileEnv = "FTP_CONFIG_FILE"

// Environment is the environment of the server
type Environment struct {
	FtpAddr        string        `yaml:"ftp_addr"`
	FtpServerIPv4  string        `yaml:"ftp_server_ipv4"` // announced in PASV replies
	FtpServerRoot  string        `yaml:"ftp_server_root"`
	PasvMinPort    int           `yaml:"pasv_min_port"`
	PasvMaxPort    int           `yaml:"pasv_max_port"`
	ActiveDataPort int           `yaml:"active_data_port"`
	DataTimeout    time.Duration `yaml:"data_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	LogLevel       string        `yaml:"log_level"`
	DefaultUser    string        `yaml:"default_user"`
	DefaultPass    string        `yaml:"default_pass"`
	DefaultIPs     []string      `yaml:"default_ips"`
}

// Default returns the settings used when nothing is configured.
func Default() *Environment {
	return &Environment{
		FtpAddr:        ":21",
		FtpServerRoot:  "/static",
		DataTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		LogLevel:       "INFO",
	}
}

// Load builds the Environment from the defaults, the YAML file named by
// FTP_CONFIG_FILE and the process environment, then validates it.
func Load(logger *slog.Logger) (*Environment, error) {
	env := Default()
	if name := os.Getenv(FileEnv); name != "" {
		logger.Debug("loading config file", "file", name)
		if err := env.LoadFile(name); err != nil {
			return nil, err
		}
	}
	if err := env.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("config loaded",
		"FTP_SERVER_ADDR", env.FtpAddr,
		"FTP_SERVER_ROOT", env.FtpServerRoot,
		"FTP_SERVER_IPV4", env.FtpServerIPv4,
		"PASV_MIN_PORT", env.PasvMinPort,
		"PASV_MAX_PORT", env.PasvMaxPort,
		"DATA_TIMEOUT", env.DataTimeout,
	)
	return env, nil
}

// LoadFile overlays the values of a YAML file.
func (e *Environment) LoadFile(name string) error {
	b, err := os.ReadFile(name)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, e); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", name, err)
	}
	return nil
}

// ApplyEnv overrides the settings with the non empty variables returned by
// getenv.
func (e *Environment) ApplyEnv(getenv func(string) string) error {
	var result *multierror.Error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v := getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}

	str("FTP_SERVER_ADDR", &e.FtpAddr)
	str("FTP_SERVER_IPV4", &e.FtpServerIPv4)
	str("FTP_SERVER_ROOT", &e.FtpServerRoot)
	num("PASV_MIN_PORT", &e.PasvMinPort)
	num("PASV_MAX_PORT", &e.PasvMaxPort)
	num("ACTIVE_DATA_PORT", &e.ActiveDataPort)
	dur("DATA_TIMEOUT", &e.DataTimeout)
	dur("CONNECT_TIMEOUT", &e.ConnectTimeout)
	str("LOG_LEVEL", &e.LogLevel)
	str("DEFAULT_USER", &e.DefaultUser)
	str("DEFAULT_PASS", &e.DefaultPass)
	if v := getenv("DEFAULT_IP"); v != "" {
		e.DefaultIPs = e.DefaultIPs[:0]
		for _, ip := range strings.Split(v, ",") {
			if ip = strings.Trim(ip, " \n\r\t"); ip != "" {
				e.DefaultIPs = append(e.DefaultIPs, ip)
			}
		}
	}
	return result.ErrorOrNil()
}

// Validate reports every invalid setting.
func (e *Environment) Validate() error {
	var result *multierror.Error
	if e.FtpAddr == "" {
		result = multierror.Append(result, errors.New("ftp address is empty"))
	}
	if e.FtpServerRoot == "" {
		result = multierror.Append(result, errors.New("ftp server root is empty"))
	}
	if e.PasvMinPort != 0 || e.PasvMaxPort != 0 {
		if e.PasvMinPort <= 0 || e.PasvMaxPort > 65535 || e.PasvMinPort > e.PasvMaxPort {
			result = multierror.Append(result, fmt.Errorf("invalid passive port range %d-%d", e.PasvMinPort, e.PasvMaxPort))
		}
	}
	if e.ActiveDataPort < 0 || e.ActiveDataPort > 65535 {
		result = multierror.Append(result, fmt.Errorf("invalid active data port %d", e.ActiveDataPort))
	}
	if e.DataTimeout < 0 || e.ConnectTimeout < 0 {
		result = multierror.Append(result, errors.New("timeouts must not be negative"))
	}
	if e.FtpServerIPv4 != "" {
		if ip, err := netip.ParseAddr(e.FtpServerIPv4); err != nil || !ip.Unmap().Is4() {
			result = multierror.Append(result, fmt.Errorf("FTP_SERVER_IPV4 %q is not an IPv4 address", e.FtpServerIPv4))
		}
	}
	if (e.DefaultUser == "") != (e.DefaultPass == "") {
		result = multierror.Append(result, errors.New("DEFAULT_USER and DEFAULT_PASS must be set together"))
	}
	return result.ErrorOrNil()
}

// ResolvePublicIP fills FtpServerIPv4 with lookup when it is empty.
func (e *Environment) ResolvePublicIP(lookup func() (string, error)) error {
	if e.FtpServerIPv4 != "" {
		return nil
	}
	ip, err := lookup()
	if err != nil {
		return fmt.Errorf("error getting public ip: %w", err)
	}
	e.FtpServerIPv4 = ip
	return nil
}

// Level maps LogLevel to a slog level and reports whether sources are logged.
func (e *Environment) Level() (slog.Level, bool) {
	switch strings.ToUpper(e.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug, true
	case "WARN":
		return slog.LevelWarn, false
	case "ERROR":
		return slog.LevelError, false
	default:
		return slog.LevelInfo, false
	}
}
