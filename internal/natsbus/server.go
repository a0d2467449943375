package natsbus

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/gridflow/internal/config"
)

// Bus is the embedded broker carrying item events, tick events, intake
// submissions and remote executor requests.
type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &natsserver.Options{
		Host:   host,
		Port:   cfg.Port,
		NoLog:  true,
		NoSigs: true,
	}
	if cfg.Port == 0 {
		opts.Port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	b := &Bus{server: ns, cfg: cfg}
	slog.Info("nats bus started", "url", b.ClientURL())
	return b, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port is the port actually bound, which differs from the configured one
// when a random port was requested.
func (b *Bus) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
