package runtimeadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/g-verdex/ctf-easy-per-deploy/internal/config"
	"github.com/g-verdex/ctf-easy-per-deploy/internal/log"
)

// DockerAdapter is the production Runtime Adapter, backed by the Docker
// Engine API (§4.C). It is grounded on the original Python deployer's
// docker_utils.create_and_start_container / remove_container semantics:
// create, then start, removing the half-created container on start failure.
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter connects to the Docker daemon using the standard
// DOCKER_HOST/DOCKER_* environment variables.
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("runtimeadapter: docker client init failed: %w", err)
	}
	if _, err := cli.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("runtimeadapter: docker daemon unreachable: %w", err)
	}
	return &DockerAdapter{cli: cli}, nil
}

func (a *DockerAdapter) Close() error {
	return a.cli.Close()
}

func (a *DockerAdapter) CreateAndStart(ctx context.Context, spec Spec) (Handle, error) {
	logger := log.WithComponent("runtimeadapter")

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", spec.ContainerPort))
	portBindings := nat.PortMap{
		containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	capAdd := append([]string{}, spec.Security.CapAdd...)
	var capDrop []string
	if spec.Security.DropAll {
		capDrop = []string{"ALL"}
	}

	var securityOpt []string
	if spec.Security.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}

	var tmpfs map[string]string
	if spec.Security.TmpfsEnabled {
		tmpfs = map[string]string{"/tmp": "size=" + spec.Security.TmpfsSize}
	}

	hostConfig := &container.HostConfig{
		PortBindings:   portBindings,
		NetworkMode:    container.NetworkMode(spec.NetworkName),
		ReadonlyRootfs: spec.Security.ReadOnlyRootFS,
		CapAdd:         capAdd,
		CapDrop:        capDrop,
		SecurityOpt:    securityOpt,
		Tmpfs:          tmpfs,
		Resources: container.Resources{
			Memory:     spec.memoryBytes(),
			MemorySwap: spec.memorySwapBytes(),
			CPUPeriod:  spec.CPUPeriod,
			CPUQuota:   spec.CPUQuota,
			PidsLimit:  &spec.PidsLimit,
		},
	}

	config := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Hostname:     spec.Hostname,
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
	}

	netConfig := &network.NetworkingConfig{}

	created, err := a.cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, spec.Name)
	if err != nil {
		return Handle{}, classifyAPIError(err)
	}

	logger.Info().Str("id", created.ID).Str("name", spec.Name).Msg("created container skeleton")

	if err := a.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		logger.Warn().Err(err).Str("id", created.ID).Msg("start failed, removing partial container")
		_ = a.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return Handle{}, classifyAPIError(err)
	}

	return Handle{ID: created.ID, Name: spec.Name}, nil
}

func (s Spec) memoryBytes() int64     { return parseMemoryOrZero(s.MemoryLimitStr) }
func (s Spec) memorySwapBytes() int64 { return parseMemoryOrZero(s.MemorySwapStr) }

func parseMemoryOrZero(s string) int64 {
	n, err := config.ParseMemoryString(s)
	if err != nil {
		return 0
	}
	return n
}

func (a *DockerAdapter) Remove(ctx context.Context, handleID string) error {
	err := a.cli.ContainerRemove(ctx, handleID, types.ContainerRemoveOptions{Force: true})
	if err != nil && client.IsErrNotFound(err) {
		return nil // NOT_FOUND is not an error (§4.C)
	}
	return err
}

func (a *DockerAdapter) Status(ctx context.Context, handleID string) (Status, error) {
	info, err := a.cli.ContainerInspect(ctx, handleID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Status{State: StateNotFound, Running: false}, nil
		}
		return Status{}, err
	}
	st := Status{Running: info.State.Running}
	switch {
	case info.State.Running:
		st.State = StateRunning
	case info.State.Status == "created":
		st.State = StateCreated
	default:
		st.State = StateExited
	}
	return st, nil
}

func (a *DockerAdapter) Restart(ctx context.Context, handleID string) error {
	return a.cli.ContainerRestart(ctx, handleID, container.StopOptions{})
}

// Stats computes CPU% and memory(GB) from one cumulative stats read against
// the Docker API's precpu/cpu pair, matching the original Python
// resource_monitor.update_resource_usage computation.
func (a *DockerAdapter) Stats(ctx context.Context, handleID string) (Stats, error) {
	resp, err := a.cli.ContainerStatsOneShot(ctx, handleID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Stats{}, nil
		}
		return Stats{}, err
	}
	defer resp.Body.Close()

	var raw types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, fmt.Errorf("runtimeadapter: decode stats: %w", err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	var cpuPct float64
	if sysDelta > 0 && cpuDelta > 0 {
		online := float64(raw.CPUStats.OnlineCPUs)
		if online == 0 {
			online = 1
		}
		cpuPct = (cpuDelta / sysDelta) * 100.0 * online
	}

	memGB := float64(raw.MemoryStats.Usage) / (1024 * 1024 * 1024)

	return Stats{CPUPercent: cpuPct, MemoryGB: memGB}, nil
}

// Logs fetches combined stdout/stderr for a handle, matching the original
// deployer's container.logs(tail=, since=, timestamps=True) call
// (original_source/flask_app/routes.py handle_user_container_logs).
// NOT_FOUND surfaces as an error; the caller maps it to a 404.
func (a *DockerAdapter) Logs(ctx context.Context, handleID string, tail int, since time.Time) (string, error) {
	opts := types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	if !since.IsZero() {
		opts.Since = strconv.FormatInt(since.Unix(), 10)
	}

	rc, err := a.cli.ContainerLogs(ctx, handleID, opts)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("runtimeadapter: demux logs: %w", err)
	}
	return stdout.String() + stderr.String(), nil
}

func (a *DockerAdapter) ListByNamePrefix(ctx context.Context, prefix string) ([]Handle, error) {
	f := filters.NewArgs(filters.Arg("name", prefix))
	containers, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}
	out := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, Handle{ID: c.ID, Name: name})
	}
	return out, nil
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// classifyAPIError wraps a Docker API error, flagging "port is already
// allocated" (Docker's phrasing for EADDRINUSE on bind) so the Lease
// Manager can retry with a different port (§4.E.1, §7).
func classifyAPIError(err error) *APIError {
	msg := strings.ToLower(err.Error())
	portInUse := strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
	return &APIError{Cause: err, PortInUse: portInUse}
}
