package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/telebroad/ftpserver/config"
	"github.com/telebroad/ftpserver/filesystem"
	"github.com/telebroad/ftpserver/ftp"
	"github.com/telebroad/ftpserver/users"
)

func main() {
	logger := setupLogger(os.Getenv("LOG_LEVEL"))
	slog.SetDefault(logger)

	env, err := config.Load(logger)
	if err != nil {
		logger.Error("Error loading config", "error", err)
		os.Exit(1)
	}
	if env.FtpServerIPv4 == "" {
		logger.Info("FTP_SERVER_IPV4 was empty so getting the public ip", "url", ftp.PublicIpUrl)
	}
	if err := env.ResolvePublicIP(ftp.GetServerPublicIP); err != nil {
		logger.Warn("PASV replies will announce the local address", "error", err)
	}

	u := getUsers(env, logger.With("module", "users"))

	localFS := filesystem.NewLocalFS(env.FtpServerRoot)
	localFS.SetLogger(logger.With("module", "filesystem"))

	ftpServer, err := ftp.NewServer(env.FtpAddr, localFS, u,
		ftp.WithLogger(logger.With("module", "ftp-server")),
		ftp.WithPublicIPv4(env.FtpServerIPv4),
		ftp.WithPassivePortRange(env.PasvMinPort, env.PasvMaxPort),
		ftp.WithActiveDataPort(env.ActiveDataPort),
		ftp.WithDataTimeout(env.DataTimeout),
		ftp.WithConnectTimeout(env.ConnectTimeout),
	)
	if err != nil {
		logger.Error("Error creating ftp server", "error", err)
		os.Exit(1)
	}

	// try is the same of listen and serve but returns nil if no error came within a second
	if err := ftpServer.TryListenAndServe(time.Second); err != nil {
		logger.Error("Error starting ftp server", "error", err)
		os.Exit(1)
	}
	logger.Info("FTP server started", "addr", env.FtpAddr, "root", env.FtpServerRoot)

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-stopChan
	logger.Info("shutting down", "signal", sig.String())
	if err := ftpServer.Close(); err != nil {
		logger.Error("Error closing ftp server", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) *slog.Logger {
	env := config.Environment{LogLevel: level}
	logLevel, addSource := env.Level()

	handler := tint.NewHandler(os.Stdout, &tint.Options{
		AddSource:  addSource,
		Level:      logLevel,
		TimeFormat: time.DateTime,
	})

	logger := slog.New(handler).With("app", "ftp-server")
	logger.Info("Logger initialized", "level", logLevel)
	return logger
}

// getUsers returns the users with the default user of the environment, if any.
func getUsers(env *config.Environment, logger *slog.Logger) *users.LocalUsers {
	u := users.NewLocalUsers(logger)
	if env.DefaultUser == "" || env.DefaultPass == "" {
		logger.Info("DEFAULT_USER or DEFAULT_PASS is empty, not creating default user")
		return u
	}
	user, err := u.Add(env.DefaultUser, env.DefaultPass, 0)
	if err != nil {
		logger.Error("Error adding default user", "username", env.DefaultUser, "error", err)
		return u
	}
	logger.Debug("default user added", "username", env.DefaultUser, "ips", env.DefaultIPs)
	for _, ip := range env.DefaultIPs {
		if err := user.AddIP(ip); err != nil {
			logger.Warn("Error adding allowed ip", "ip", ip, "error", err)
		}
	}
	return u
}
