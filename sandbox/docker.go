package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/pkg/errors"
)

const actorLabel = "dev.miren.workspace/actor"

type DockerOptions struct {
	Image   string
	Port    int
	Network string
	Prefix  string
}

// Docker runs one container per actor, named <prefix><actor id>. The
// sandbox port is published on loopback only.
type Docker struct {
	log  *slog.Logger
	cl   *client.Client
	opts DockerOptions
	hc   *http.Client
}

var _ Provider = (*Docker)(nil)

func NewDocker(log *slog.Logger, cl *client.Client, opts DockerOptions) *Docker {
	if opts.Prefix == "" {
		opts.Prefix = "workspace-"
	}

	if opts.Port == 0 {
		opts.Port = 8080
	}

	return &Docker{
		log:  log.With("module", "sandbox-docker"),
		cl:   cl,
		opts: opts,
		hc: &http.Client{
			// Proxied responses are handed back as is.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (d *Docker) Handle(actorID string) Handle {
	return &dockerHandle{
		d:     d,
		actor: actorID,
		name:  d.opts.Prefix + actorID,
		log:   d.log.With("actor", actorID),
	}
}

type dockerHandle struct {
	d     *Docker
	actor string
	name  string
	log   *slog.Logger
}

func (h *dockerHandle) port() nat.Port {
	return nat.Port(strconv.Itoa(h.d.opts.Port) + "/tcp")
}

func (h *dockerHandle) inspect(ctx context.Context) (types.ContainerJSON, bool, error) {
	info, err := h.d.cl.ContainerInspect(ctx, h.name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return info, false, nil
		}
		return info, false, errors.Wrapf(err, "inspecting container %s", h.name)
	}

	return info, true, nil
}

func (h *dockerHandle) Status(ctx context.Context) (Status, error) {
	info, ok, err := h.inspect(ctx)
	if err != nil {
		return StatusUnknown, err
	}

	if !ok || info.State == nil {
		return StatusStopped, nil
	}

	switch info.State.Status {
	case "running":
		if info.State.Health != nil {
			switch info.State.Health.Status {
			case "healthy":
				return StatusHealthy, nil
			case "starting":
				return StatusStarting, nil
			}
		}
		return StatusRunning, nil
	case "created", "restarting":
		return StatusStarting, nil
	case "removing", "paused":
		return StatusStopping, nil
	case "exited", "dead":
		return StatusStopped, nil
	default:
		return StatusUnknown, nil
	}
}

func (h *dockerHandle) Start(ctx context.Context, opts StartOptions) error {
	info, ok, err := h.inspect(ctx)
	if err != nil {
		return err
	}

	if ok && info.State != nil && info.State.Running {
		return nil
	}

	if !ok {
		if err := h.create(ctx, opts.Env); err != nil {
			return err
		}
	}

	h.log.Info("starting sandbox container", "container", h.name)

	if err := h.d.cl.ContainerStart(ctx, h.name, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "starting container %s", h.name)
	}

	return nil
}

func (h *dockerHandle) create(ctx context.Context, env map[string]string) error {
	var envList []string
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}
	slices.Sort(envList)

	port := h.port()

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
	}

	if h.d.opts.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(h.d.opts.Network)
	}

	_, err := h.d.cl.ContainerCreate(ctx,
		&container.Config{
			Image:        h.d.opts.Image,
			Env:          envList,
			ExposedPorts: nat.PortSet{port: struct{}{}},
			Labels:       map[string]string{actorLabel: h.actor},
		},
		hostConfig,
		nil,
		nil,
		h.name,
	)
	if err != nil {
		return errors.Wrapf(err, "creating container %s", h.name)
	}

	h.log.Info("created sandbox container", "container", h.name, "image", h.d.opts.Image)
	return nil
}

func (h *dockerHandle) address(ctx context.Context) (string, error) {
	info, ok, err := h.inspect(ctx)
	if err != nil {
		return "", err
	}

	if !ok {
		return "", errors.Errorf("container %s does not exist", h.name)
	}

	// A stopped container is started again to serve the request.
	if info.State == nil || !info.State.Running {
		h.log.Info("starting stopped container to serve request", "container", h.name)

		if err := h.d.cl.ContainerStart(ctx, h.name, container.StartOptions{}); err != nil {
			return "", errors.Wrapf(err, "starting container %s", h.name)
		}

		info, _, err = h.inspect(ctx)
		if err != nil {
			return "", err
		}
	}

	if info.NetworkSettings == nil {
		return "", errors.Errorf("container %s has no network settings", h.name)
	}

	bindings := info.NetworkSettings.Ports[h.port()]
	if len(bindings) == 0 {
		return "", errors.Errorf("container %s has no binding for %s", h.name, h.port())
	}

	return net.JoinHostPort("127.0.0.1", bindings[0].HostPort), nil
}

func (h *dockerHandle) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	addr, err := h.address(ctx)
	if err != nil {
		return nil, err
	}

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = "http"
	out.URL.Host = addr
	out.Host = addr

	resp, err := h.d.hc.Do(out)
	if err != nil {
		return nil, errors.Wrapf(err, "forwarding to %s", h.name)
	}

	return resp, nil
}

func (h *dockerHandle) Destroy(ctx context.Context) error {
	timeout := 10

	err := h.d.cl.ContainerStop(ctx, h.name, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		h.log.Warn("failed to stop container, removing anyway", "container", h.name, "error", err)
	}

	err = h.d.cl.ContainerRemove(ctx, h.name, container.RemoveOptions{
		RemoveVolumes: true,
		Force:         true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return errors.Wrapf(err, "removing container %s", h.name)
	}

	h.log.Info("removed sandbox container", "container", h.name)
	return nil
}

// Ping checks that the docker daemon is reachable.
func (d *Docker) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := d.cl.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	return nil
}
