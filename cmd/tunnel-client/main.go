// Package main provides the CLI entry point for the tunnel client.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/ytgui/shadowsocks-naive/internal/cipher"
	"github.com/ytgui/shadowsocks-naive/internal/clientside"
	"github.com/ytgui/shadowsocks-naive/internal/config"
	"github.com/ytgui/shadowsocks-naive/internal/logging"
	"github.com/ytgui/shadowsocks-naive/internal/metrics"
	"github.com/ytgui/shadowsocks-naive/internal/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "tunnel-client",
		Short: "Client half of the multiplexing tunnel proxy",
	}

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string
	var localHost string
	var localPort int
	var serverAddr string
	var transportKind string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the tunnel client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("local-host") {
				cfg.Client.LocalHost = localHost
			}
			if cmd.Flags().Changed("local-port") {
				cfg.Client.LocalPort = localPort
			}
			if cmd.Flags().Changed("server") {
				cfg.Client.ServerAddr = serverAddr
			}
			if cmd.Flags().Changed("transport") {
				cfg.Client.Transport = transportKind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runClient(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&localHost, "local-host", "", "Override client.local_host")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "Override client.local_port")
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Override client.server_addr")
	cmd.Flags().StringVarP(&transportKind, "transport", "T", "", "Override client.transport (tcp, websocket)")

	return cmd
}

func runClient(cfg *config.Config) error {
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting tunnel client", "local_addr", cfg.Client.LocalAddr(), "server_addr", cfg.Client.ServerAddr)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(cfg.Metrics.Listen, reg); err != nil {
				logger.Error("metrics server stopped", logging.KeyError, err)
			}
		}()
	}

	tr, err := transport.New(cfg.Client.Transport, cfg.Client.WSPath)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := tr.Dial(ctx, cfg.Client.ServerAddr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial server: %w", err)
	}

	var tunnel net.Conn = conn
	if cfg.Tunnel.Encryption.Enabled {
		tunnel = cipher.NewConn(conn, cfg.Tunnel.Encryption.Passphrase)
	}

	ln, err := net.Listen("tcp", cfg.Client.LocalAddr())
	if err != nil {
		return fmt.Errorf("listen locally: %w", err)
	}

	cli := clientside.New(
		tunnel,
		ln,
		cfg.Tunnel.MaxFramePayload,
		cfg.Tunnel.IdleTimeout(),
		cfg.Tunnel.IdleSweepInterval(),
		m,
		logger,
	)

	done := make(chan struct{})
	go statusLoop(done, m, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		close(done)
		cli.Close()
	}()

	cli.Run()
	logger.Info("client stopped")
	return nil
}

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			reader := bufio.NewReader(os.Stdin)

			cfg.Client.LocalHost = promptString(reader, "Local SOCKS5 host", cfg.Client.LocalHost)
			cfg.Client.LocalPort = promptInt(reader, "Local SOCKS5 port", cfg.Client.LocalPort)
			cfg.Client.ServerAddr = promptString(reader, "Server address (host:port)", cfg.Client.ServerAddr)
			cfg.Client.Transport = promptString(reader, "Transport (tcp, websocket)", cfg.Client.Transport)
			if cfg.Client.Transport == "websocket" {
				cfg.Client.WSPath = promptString(reader, "WebSocket path", cfg.Client.WSPath)
			}

			cfg.Tunnel.Encryption.Enabled = promptBool(reader, "Enable transparent encryption", cfg.Tunnel.Encryption.Enabled)
			if cfg.Tunnel.Encryption.Enabled {
				passphrase, err := promptPassphrase()
				if err != nil {
					return fmt.Errorf("read passphrase: %w", err)
				}
				cfg.Tunnel.Encryption.Passphrase = passphrase
			}

			cfg.Logging.Level = promptString(reader, "Log level (debug, info, warn, error)", cfg.Logging.Level)
			cfg.Metrics.Enabled = promptBool(reader, "Enable Prometheus /metrics endpoint", cfg.Metrics.Enabled)
			if cfg.Metrics.Enabled {
				cfg.Metrics.Listen = promptString(reader, "Metrics listen address", cfg.Metrics.Listen)
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("generated config is invalid: %w", err)
			}

			return writeConfig(configPath, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to write the configuration file")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path)
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Printf("Wrote configuration to %s\n", path)
	return nil
}

func promptString(r *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func promptInt(r *bufio.Reader, label string, def int) int {
	raw := promptString(r, label, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func promptBool(r *bufio.Reader, label string, def bool) bool {
	defStr := "y/N"
	if def {
		defStr = "Y/n"
	}
	fmt.Printf("%s [%s]: ", label, defStr)
	line, _ := r.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	switch line {
	case "":
		return def
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def
	}
}

func promptPassphrase() (string, error) {
	fmt.Print("Passphrase: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func statusLoop(done <-chan struct{}, m *metrics.Metrics, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			printStatus(m, logger)
			return
		case <-ticker.C:
			printStatus(m, logger)
		}
	}
}

func printStatus(m *metrics.Metrics, logger *slog.Logger) {
	active := testutil.ToFloat64(m.StreamsActive)
	sent := testutil.ToFloat64(m.BytesSent)
	received := testutil.ToFloat64(m.BytesReceived)
	idle := testutil.ToFloat64(m.StreamCloseReason.WithLabelValues(metrics.ReasonIdle))

	logger.Info("status",
		"active_streams", int64(active),
		"bytes_sent", humanize.Bytes(uint64(sent)),
		"bytes_received", humanize.Bytes(uint64(received)),
		"idle_closes", int64(idle),
	)
}
