// Package docker adapts the Docker Engine client to the narrow interfaces
// the watcher and triggers depend on.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/juju/errors"
)

// Reader is what container discovery needs.
type Reader interface {
	ListContainers(ctx context.Context, all bool) ([]container.Summary, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	InspectImage(ctx context.Context, id string) (image.InspectResponse, error)
	// ParentImage returns the legacy Config.Image of an image, empty when
	// the engine does not report one.
	ParentImage(ctx context.Context, id string) (string, error)
	// Events streams container events until ctx is done.
	Events(ctx context.Context) (<-chan events.Message, <-chan error)
}

// Updater is what recreating a container on a new image needs.
type Updater interface {
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
	PullImage(ctx context.Context, ref, registryAuth string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig) (string, error)
	ConnectNetwork(ctx context.Context, networkID, containerID string, settings *network.EndpointSettings) error
	StartContainer(ctx context.Context, id string) error
	RemoveImage(ctx context.Context, id string) error
}

// API is the full engine surface.
type API interface {
	Reader
	Updater
}

// Options select the engine endpoint. Host wins over Socket.
type Options struct {
	Socket   string
	Host     string
	Port     int
	CAFile   string
	CertFile string
	KeyFile  string
}

// Client implements API on the Docker Engine client.
type Client struct {
	cli *client.Client
}

func NewClient(o Options) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	switch {
	case o.Host != "":
		opts = append(opts, client.WithHost(fmt.Sprintf("tcp://%s:%d", o.Host, o.Port)))
		if o.CAFile != "" || o.CertFile != "" {
			opts = append(opts, client.WithTLSClientConfig(o.CAFile, o.CertFile, o.KeyFile))
		}
	case o.Socket != "":
		opts = append(opts, client.WithHost("unix://"+o.Socket))
	default:
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Annotate(err, "creating docker client")
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error { return c.cli.Close() }

func (c *Client) ListContainers(ctx context.Context, all bool) ([]container.Summary, error) {
	return c.cli.ContainerList(ctx, container.ListOptions{All: all})
}

func (c *Client) InspectContainer(ctx context.Context, id string) (container.InspectResponse, error) {
	return c.cli.ContainerInspect(ctx, id)
}

func (c *Client) InspectImage(ctx context.Context, id string) (image.InspectResponse, error) {
	return c.cli.ImageInspect(ctx, id)
}

// ParentImage decodes Config.Image from the raw inspect response; the typed
// response no longer carries it.
func (c *Client) ParentImage(ctx context.Context, id string) (string, error) {
	var raw bytes.Buffer
	if _, err := c.cli.ImageInspect(ctx, id, client.ImageInspectWithRawResponse(&raw)); err != nil {
		return "", errors.Trace(err)
	}
	var legacy struct {
		Config struct {
			Image string
		}
	}
	if err := json.Unmarshal(raw.Bytes(), &legacy); err != nil {
		return "", errors.Annotatef(err, "decoding inspect of image %s", id)
	}
	return legacy.Config.Image, nil
}

func (c *Client) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	return c.cli.Events(ctx, events.ListOptions{Filters: f})
}

func (c *Client) PullImage(ctx context.Context, ref, registryAuth string) error {
	rc, err := c.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: registryAuth})
	if err != nil {
		return errors.Annotatef(err, "pulling %s", ref)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return errors.Annotatef(err, "pulling %s", ref)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	return c.cli.ContainerRemove(ctx, id, container.RemoveOptions{})
}

func (c *Client) CreateContainer(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig) (string, error) {
	resp, err := c.cli.ContainerCreate(ctx, cfg, host, net, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) ConnectNetwork(ctx context.Context, networkID, containerID string, settings *network.EndpointSettings) error {
	return c.cli.NetworkConnect(ctx, networkID, containerID, settings)
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.cli.ContainerStart(ctx, id, container.StartOptions{})
}

func (c *Client) RemoveImage(ctx context.Context, id string) error {
	_, err := c.cli.ImageRemove(ctx, id, image.RemoveOptions{})
	return err
}

// RegistryAuth encodes registry credentials for the X-Registry-Auth header.
// Anonymous credentials encode to an empty string.
func RegistryAuth(a authn.Authenticator, serverAddress string) (string, error) {
	if a == nil || a == authn.Anonymous {
		return "", nil
	}
	cfg, err := a.Authorization()
	if err != nil {
		return "", errors.Annotate(err, "resolving registry credentials")
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
		ServerAddress: serverAddress,
	})
}
