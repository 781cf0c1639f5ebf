package spawner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultContainerPort is the port single-user server images listen on
	DefaultContainerPort = 8888

	imagePullTimeout = 5 * time.Minute
)

// DockerConfig configures the DockerSpawner
type DockerConfig struct {
	// Image is the single-user server image reference
	Image string

	// ContainerPort the image listens on; DefaultContainerPort if zero
	ContainerPort int

	// MemoryLimit in bytes; 0 means unlimited
	MemoryLimit int64

	// CPULimit in cores; 0 means unlimited
	CPULimit float64

	// NetworkMode for the container
	NetworkMode string
}

// DockerSpawner runs the single-user server in a Docker container. The
// backend address is the container's IP on the docker network, so the proxy
// must share that network. State blob: {"container_id": <string>}.
type DockerSpawner struct {
	opts   Options
	config DockerConfig
	client *client.Client
	log    *logrus.Entry

	containerID string
	ip          string
	port        int
}

// NewDockerSpawner creates a docker-backed spawner for one user
func NewDockerSpawner(opts Options, config DockerConfig) (*DockerSpawner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDockerNotAvailable, err)
	}

	if config.ContainerPort == 0 {
		config.ContainerPort = DefaultContainerPort
	}

	return &DockerSpawner{
		opts:   opts,
		config: config,
		client: cli,
		log: logrus.WithFields(logrus.Fields{
			"spawner": "docker",
			"user":    opts.Username,
		}),
	}, nil
}

// NewDockerFactory returns a Factory producing DockerSpawners with the given
// container configuration
func NewDockerFactory(config DockerConfig) Factory {
	return func(opts Options) (Spawner, error) {
		return NewDockerSpawner(opts, config)
	}
}

// Start pulls the image if needed, creates and starts the container, and
// reports its network address
func (s *DockerSpawner) Start(ctx context.Context) (string, int, error) {
	if err := s.pullImage(ctx); err != nil {
		return "", 0, err
	}

	containerConfig := &container.Config{
		Image: s.config.Image,
		Env:   s.opts.Environ(),
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:   s.config.MemoryLimit,
			NanoCPUs: int64(s.config.CPULimit * 1e9),
		},
	}
	if s.config.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(s.config.NetworkMode)
	}

	name := "hub-singleuser-" + s.opts.Username
	resp, err := s.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", 0, fmt.Errorf("%w: create failed: %v", ErrSpawnFailed, err)
	}
	s.containerID = resp.ID

	if err := s.client.ContainerStart(ctx, s.containerID, container.StartOptions{}); err != nil {
		return "", 0, fmt.Errorf("%w: start failed: %v", ErrSpawnFailed, err)
	}

	inspect, err := s.client.ContainerInspect(ctx, s.containerID)
	if err != nil {
		return "", 0, fmt.Errorf("%w: inspect failed: %v", ErrSpawnFailed, err)
	}

	ip := inspect.NetworkSettings.IPAddress
	if ip == "" {
		for _, netInfo := range inspect.NetworkSettings.Networks {
			if netInfo.IPAddress != "" {
				ip = netInfo.IPAddress
				break
			}
		}
	}
	if ip == "" {
		return "", 0, fmt.Errorf("%w: container has no IP address", ErrSpawnFailed)
	}

	s.ip = ip
	s.port = s.config.ContainerPort
	s.log.WithFields(logrus.Fields{
		"container_id": s.containerID[:12],
		"ip":           ip,
		"port":         s.port,
	}).Info("started single-user server container")

	return s.ip, s.port, nil
}

// GetState returns the blob persisted across hub restarts
func (s *DockerSpawner) GetState() map[string]any {
	return map[string]any{
		"container_id": s.containerID,
		"ip":           s.ip,
		"port":         s.port,
	}
}

// LoadState restores a persisted blob
func (s *DockerSpawner) LoadState(state map[string]any) {
	if id, ok := state["container_id"].(string); ok {
		s.containerID = id
	}
	if ip, ok := state["ip"].(string); ok {
		s.ip = ip
	}
	if port, ok := state["port"].(float64); ok {
		s.port = int(port)
	}
}

// Stop removes the container
func (s *DockerSpawner) Stop(ctx context.Context) error {
	if s.containerID == "" {
		return ErrNotRunning
	}
	err := s.client.ContainerRemove(ctx, s.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", s.containerID[:12], err)
	}
	s.containerID = ""
	return nil
}

func (s *DockerSpawner) pullImage(ctx context.Context) error {
	// Skip the pull when the image exists locally
	if _, err := s.client.ImageInspect(ctx, s.config.Image); err == nil {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, imagePullTimeout)
	defer cancel()

	reader, err := s.client.ImagePull(pullCtx, s.config.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("%w: failed to pull image %s: %v", ErrSpawnFailed, s.config.Image, err)
	}
	defer reader.Close()

	// Drain pull progress to completion
	io.Copy(io.Discard, reader)
	return nil
}
