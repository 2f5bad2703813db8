// Package spawner launches worker containers on demand through the docker
// CLI. The manager only needs fire-and-forget starts; the worker registers
// itself over the bus once it boots, so no container orchestration state is
// kept here.
package spawner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/flotilla/observability"
)

// Spec describes one container to launch.
type Spec struct {
	Image string
	Name  string
	Env   map[string]string
	// Network joins the container to a docker network so it can reach the
	// bus and stores by service name.
	Network  string
	MemoryMB int
}

// Spawner starts worker containers.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (string, error)
}

// Docker shells out to the docker CLI.
type Docker struct {
	// Binary overrides the docker executable path; empty means $PATH lookup.
	Binary  string
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewDocker builds a Docker spawner with a 30s start deadline.
func NewDocker(log zerolog.Logger) *Docker {
	return &Docker{
		Timeout: 30 * time.Second,
		Log:     log.With().Str("component", "spawner").Logger(),
	}
}

var _ Spawner = (*Docker)(nil)

// Spawn runs `docker run -d` and returns the container id.
func (d *Docker) Spawn(ctx context.Context, spec Spec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("spawn: image required")
	}

	args := []string{"run", "-d", "--rm"}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, spec.Image)

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := d.Binary
	if bin == "" {
		bin = "docker"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		observability.ContainersSpawned.WithLabelValues("failed").Inc()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("spawn %s: %s", spec.Image, msg)
	}

	containerID := strings.TrimSpace(stdout.String())
	observability.ContainersSpawned.WithLabelValues("started").Inc()
	d.Log.Info().Str("image", spec.Image).Str("container", shortID(containerID)).Msg("worker container started")
	return containerID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
