package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/devmux/devmux/internal/common/logger"
)

// validContainerRef matches safe docker container names and IDs. Disallows
// spaces, shell metacharacters, and leading dashes (which docker would parse
// as flags).
var validContainerRef = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// DockerRunner executes docker CLI operations for the workspace's sibling
// containers. Workspaces without a docker CLI get a clear error instead of
// an exec failure.
type DockerRunner struct {
	logger *logger.Logger
}

func NewDockerRunner(log *logger.Logger) *DockerRunner {
	return &DockerRunner{logger: log.WithFields(zap.String("component", "docker"))}
}

// DockerContainer is one entry in a docker:status response.
type DockerContainer struct {
	ID     string `json:"id"`
	Image  string `json:"image"`
	Names  string `json:"names"`
	State  string `json:"state"`
	Status string `json:"status"`
}

// DockerLogsData is the docker:logs response body.
type DockerLogsData struct {
	Logs string `json:"logs"`
}

func (d *DockerRunner) run(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker CLI not available")
	}

	cmd := exec.CommandContext(ctx, "docker", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	d.logger.Debug("executing docker command", zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func validateContainerRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("container name is required")
	}
	if len(ref) > 255 || !validContainerRef.MatchString(ref) {
		return fmt.Errorf("invalid container name: %s", ref)
	}
	return nil
}

// Status lists all containers visible to the workspace's docker daemon.
func (d *DockerRunner) Status(ctx context.Context) ([]DockerContainer, error) {
	out, err := d.run(ctx, "ps", "-a", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return d.parseContainers(out), nil
}

// parseContainers reads `docker ps --format '{{json .}}'` output, one JSON
// object per line. Unparseable rows are skipped.
func (d *DockerRunner) parseContainers(out string) []DockerContainer {
	containers := []DockerContainer{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// docker ps --format '{{json .}}' emits capitalized keys.
		var row struct {
			ID     string `json:"ID"`
			Image  string `json:"Image"`
			Names  string `json:"Names"`
			State  string `json:"State"`
			Status string `json:"Status"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			d.logger.Warn("skipping unparseable docker ps row", zap.Error(err))
			continue
		}
		containers = append(containers, DockerContainer{
			ID:     row.ID,
			Image:  row.Image,
			Names:  row.Names,
			State:  row.State,
			Status: row.Status,
		})
	}
	return containers
}

// Logs returns the last tail lines of a container's combined output. Tail
// defaults to 100.
func (d *DockerRunner) Logs(ctx context.Context, container string, tail int) (*DockerLogsData, error) {
	if err := validateContainerRef(container); err != nil {
		return nil, err
	}
	if tail <= 0 {
		tail = 100
	}

	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker CLI not available")
	}

	// docker logs writes to both streams, so capture them together.
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), container)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return &DockerLogsData{Logs: string(out)}, nil
}

func (d *DockerRunner) Start(ctx context.Context, container string) error {
	if err := validateContainerRef(container); err != nil {
		return err
	}
	_, err := d.run(ctx, "start", container)
	return err
}

func (d *DockerRunner) Stop(ctx context.Context, container string) error {
	if err := validateContainerRef(container); err != nil {
		return err
	}
	_, err := d.run(ctx, "stop", container)
	return err
}

func (d *DockerRunner) Restart(ctx context.Context, container string) error {
	if err := validateContainerRef(container); err != nil {
		return err
	}
	_, err := d.run(ctx, "restart", container)
	return err
}
