package fleet

import (
	"fmt"
	"os"
	"sort"
	"strings"

	dockercontainer "github.com/docker/docker/api/types/container"

	"github.com/mtzanidakis/gridflow/internal/config"
)

func containerName(pool string) string {
	return "gridflow-worker-" + pool
}

// NATSURL is the bus address handed to workers. An explicit workers.nats_url
// wins, then an external bus, then the embedded one through the docker host
// gateway.
func NATSURL(w config.WorkersConfig, n config.NATSConfig) string {
	if w.NATSURL != "" {
		return w.NATSURL
	}
	if n.URL != "" {
		return n.URL
	}
	return fmt.Sprintf("nats://host.docker.internal:%d", n.Port)
}

// workerArgs is the gridworker command line for a pool.
func workerArgs(pool config.WorkerPool, opts Options) []string {
	args := []string{"--url", opts.NATSURL}
	if opts.Subject != "" {
		args = append(args, "--subject", opts.Subject)
	}
	if len(pool.Archetypes) > 0 {
		args = append(args, "--archetypes", strings.Join(pool.Archetypes, ","))
	}
	if len(pool.Raters) > 0 {
		args = append(args, "--raters", strings.Join(pool.Raters, ","))
	}
	if pool.Exec != "" {
		args = append(args, "--exec", pool.Exec)
	}
	if opts.Timeout > 0 {
		args = append(args, "--timeout", opts.Timeout.String())
	}
	return args
}

func workerEnv(cfg config.WorkersConfig, pool config.WorkerPool, opts Options) []string {
	env := []string{
		fmt.Sprintf("GRIDFLOW_NATS_URL=%s", opts.NATSURL),
		fmt.Sprintf("GRIDFLOW_WORKER_POOL=%s", pool.Name),
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, fmt.Sprintf("TZ=%s", tz))
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	// Forward host secrets
	for _, name := range cfg.Secrets {
		if v := os.Getenv(name); v != "" {
			env = append(env, fmt.Sprintf("%s=%s", name, v))
		}
	}
	return env
}

func containerSpec(cfg config.WorkersConfig, pool config.WorkerPool, opts Options) (*dockercontainer.Config, *dockercontainer.HostConfig) {
	image := pool.Image
	if image == "" {
		image = cfg.Image
	}
	c := &dockercontainer.Config{
		Image: image,
		Cmd:   workerArgs(pool, opts),
		Env:   workerEnv(cfg, pool, opts),
		Labels: map[string]string{
			labelManaged: "true",
			labelPool:    pool.Name,
		},
	}
	h := &dockercontainer.HostConfig{
		Binds:         append([]string(nil), pool.Mounts...),
		ExtraHosts:    []string{"host.docker.internal:host-gateway"},
		RestartPolicy: dockercontainer.RestartPolicy{Name: dockercontainer.RestartPolicyUnlessStopped},
	}
	return c, h
}
