// Package fleet runs gridworker containers that answer executor and rater
// requests for the grid over NATS.
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/mtzanidakis/gridflow/internal/config"
)

const (
	labelManaged = "gridflow.managed"
	labelPool    = "gridflow.pool"
)

type Manager struct {
	docker  *client.Client
	cfg     config.WorkersConfig
	mu      sync.RWMutex
	active  map[string]*Worker // pool name → container
	network string             // resolved network name
}

type Worker struct {
	ID        string    `json:"id"`
	Pool      string    `json:"pool"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Options are the connection settings handed to every worker.
type Options struct {
	NATSURL string
	Subject string
	Timeout time.Duration
}

func NewManager(cfg config.WorkersConfig) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Manager{
		docker: docker,
		cfg:    cfg,
		active: make(map[string]*Worker),
	}, nil
}

// Ping checks that the docker daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.docker.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.network != "" || m.cfg.Network == "" {
		return nil
	}

	if _, err := m.docker.NetworkInspect(ctx, m.cfg.Network, network.InspectOptions{}); err == nil {
		m.network = m.cfg.Network
		return nil
	}

	if _, err := m.docker.NetworkCreate(ctx, m.cfg.Network, network.CreateOptions{
		Driver: "bridge",
	}); err != nil {
		return fmt.Errorf("create network %s: %w", m.cfg.Network, err)
	}
	m.network = m.cfg.Network
	slog.Info("created docker network", "network", m.network)
	return nil
}

// Start runs the worker container for a pool. A pool that is already running
// is returned as is.
func (m *Manager) Start(ctx context.Context, pool config.WorkerPool, opts Options) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[pool.Name]; ok {
		return existing, nil
	}
	if m.cfg.MaxRunning > 0 && len(m.active) >= m.cfg.MaxRunning {
		return nil, fmt.Errorf("max workers (%d) reached", m.cfg.MaxRunning)
	}
	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	name := containerName(pool.Name)

	// Remove any stale container with the same name
	timeout := 5
	_ = m.docker.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	containerCfg, hostCfg := containerSpec(m.cfg, pool, opts)
	if m.network != "" {
		hostCfg.NetworkMode = dockercontainer.NetworkMode(m.network)
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = m.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	w := &Worker{
		ID:        resp.ID,
		Pool:      pool.Name,
		Name:      name,
		Image:     containerCfg.Image,
		Status:    "running",
		StartedAt: time.Now(),
	}
	m.active[pool.Name] = w

	slog.Info("worker container started", "pool", pool.Name, "container", shortID(resp.ID))
	return w, nil
}

// StartAll starts every configured pool, stopping the ones already started
// when one fails.
func (m *Manager) StartAll(ctx context.Context, opts Options) error {
	for _, p := range m.cfg.Pools {
		if _, err := m.Start(ctx, p, opts); err != nil {
			m.StopAll(ctx)
			return fmt.Errorf("start pool %s: %w", p.Name, err)
		}
	}
	return nil
}

func (m *Manager) Stop(ctx context.Context, pool string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.active[pool]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, w.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(w.ID), "error", err)
	}
	if err := m.docker.ContainerRemove(ctx, w.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(w.ID), "error", err)
	}

	delete(m.active, pool)
	slog.Info("worker container stopped", "pool", pool)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	pools := make([]string, 0, len(m.active))
	for name := range m.active {
		pools = append(pools, name)
	}
	m.mu.RUnlock()

	for _, name := range pools {
		_ = m.Stop(ctx, name)
	}
}

// List returns the running workers ordered by pool name.
func (m *Manager) List() []Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Worker, 0, len(m.active))
	for _, w := range m.active {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out
}

// CleanupStale removes managed containers left behind by an earlier process.
func (m *Manager) CleanupStale(ctx context.Context) error {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	running := make(map[string]bool, len(m.active))
	for _, w := range m.active {
		running[w.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !running[c.ID] {
			slog.Info("cleaning up stale worker", "container", shortID(c.ID), "pool", c.Labels[labelPool])
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
