package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	goarchive "github.com/moby/go-archive"
)

// BuildImage builds the worker image from the Dockerfile in dir.
func (m *Manager) BuildImage(ctx context.Context, dir string) error {
	tar, err := goarchive.TarWithOptions(dir, &goarchive.TarOptions{
		ExcludePatterns: []string{"data", ".git"},
	})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer tar.Close()

	resp, err := m.docker.ImageBuild(ctx, tar, build.ImageBuildOptions{
		Tags:       []string{m.cfg.Image},
		Dockerfile: m.cfg.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain the build output
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Warn("error reading build output", "error", err)
	}

	slog.Info("worker image built", "image", m.cfg.Image)
	return nil
}
