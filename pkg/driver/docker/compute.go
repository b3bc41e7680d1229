// Package docker provides a compute driver that runs nodes as Docker
// containers.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rzbill/corral/pkg/driver"
	"github.com/rzbill/corral/pkg/log"
	"github.com/rzbill/corral/pkg/types"
)

// Container labels set on every node container.
const (
	LabelManaged   = "corral.managed"
	LabelNodeID    = "corral.node.id"
	LabelNodeName  = "corral.node.name"
	LabelClusterID = "corral.cluster.id"
)

// Config holds Docker driver configuration options
type Config struct {
	// APIVersion is the Docker API version to use
	// If empty, auto-negotiation will be used
	APIVersion string `mapstructure:"api_version"`

	// FallbackAPIVersion is used when auto-negotiation fails
	FallbackAPIVersion string `mapstructure:"fallback_api_version"`

	// Timeout for API version negotiation in seconds
	NegotiationTimeoutSeconds int `mapstructure:"negotiation_timeout_seconds"`

	// Network the containers join. Empty uses the daemon default.
	Network string `mapstructure:"network"`
}

// DefaultConfig returns the default Docker configuration
func DefaultConfig() Config {
	return Config{
		FallbackAPIVersion:        "1.43",
		NegotiationTimeoutSeconds: 3,
	}
}

// Compute implements driver.Compute on a Docker daemon.
type Compute struct {
	client *client.Client
	logger log.Logger
	config Config
}

var _ driver.Compute = (*Compute)(nil)

// NewCompute connects to the daemon described by the environment.
func NewCompute(logger log.Logger, config Config) (*Compute, error) {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	logger = logger.WithComponent("docker-driver")
	if config.FallbackAPIVersion == "" {
		config.FallbackAPIVersion = DefaultConfig().FallbackAPIVersion
	}
	if config.NegotiationTimeoutSeconds <= 0 {
		config.NegotiationTimeoutSeconds = DefaultConfig().NegotiationTimeoutSeconds
	}

	cli, err := createClientWithVersionHandling(logger, config)
	if err != nil {
		return nil, err
	}
	return &Compute{client: cli, logger: logger, config: config}, nil
}

// Close releases the client connection.
func (c *Compute) Close() error {
	return c.client.Close()
}

// createClientWithVersionHandling creates a Docker client with appropriate API version handling
func createClientWithVersionHandling(logger log.Logger, config Config) (*client.Client, error) {
	if config.APIVersion != "" {
		logger.Info("Using specified Docker API version", log.Str("api_version", config.APIVersion))
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(config.APIVersion))
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker client with version %s: %w", config.APIVersion, err)
		}
		return cli, nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(config.NegotiationTimeoutSeconds)*time.Second)
	defer cancel()
	cli.NegotiateAPIVersion(ctx)
	clientVersion := cli.ClientVersion()
	logger.Info("Using negotiated Docker API version", log.Str("api_version", clientVersion))

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	_, err = cli.Ping(pingCtx)
	switch {
	case err != nil && strings.Contains(err.Error(), "client version") && strings.Contains(err.Error(), "too new"):
		logger.Warn("Docker API version mismatch, falling back to compatibility version",
			log.Str("current_version", clientVersion),
			log.Str("fallback_version", config.FallbackAPIVersion),
			log.Err(err))
		_ = cli.Close()
		cli, err = client.NewClientWithOpts(client.FromEnv, client.WithVersion(config.FallbackAPIVersion))
		if err != nil {
			return nil, fmt.Errorf("failed to create Docker client with fallback version %s: %w", config.FallbackAPIVersion, err)
		}
	case err != nil:
		logger.Warn("Docker ping error (continuing anyway)", log.Err(err))
	}
	return cli, nil
}

// CreateNode pulls the profile image, then creates and starts the container.
func (c *Compute) CreateNode(ctx context.Context, node *types.Node) (*driver.NodeResource, error) {
	containerConfig, hostConfig, netConfig, err := nodeToContainerConfig(node, c.config.Network)
	if err != nil {
		return nil, driver.NewPermanent("create_node", err)
	}

	if err := c.pullImage(ctx, containerConfig.Image); err != nil {
		return nil, classify("create_node", fmt.Errorf("failed to pull image %s: %w", containerConfig.Image, err))
	}

	resp, err := c.client.ContainerCreate(ctx, containerConfig, hostConfig, netConfig, nil, containerName(node))
	if err != nil {
		return nil, classify("create_node", fmt.Errorf("failed to create container: %w", err))
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, classify("create_node", fmt.Errorf("failed to start container: %w", err))
	}

	address, err := c.containerAddress(ctx, resp.ID)
	if err != nil {
		c.logger.Warn("Could not read container address", log.Str("container_id", resp.ID), log.Err(err))
	}

	c.logger.Info("Created container for node",
		log.Str("container_id", resp.ID),
		log.Str("node_id", node.ID),
		log.Str("address", address))

	return &driver.NodeResource{PhysicalID: resp.ID, Address: address}, nil
}

// DeleteNode force-removes the node's container. A missing container is
// treated as already deleted.
func (c *Compute) DeleteNode(ctx context.Context, node *types.Node) error {
	id, err := c.containerID(ctx, node)
	if err != nil {
		return classify("delete_node", err)
	}
	if id == "" {
		return nil
	}

	err = c.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return classify("delete_node", fmt.Errorf("failed to remove container: %w", err))
	}

	c.logger.Info("Removed container for node", log.Str("container_id", id), log.Str("node_id", node.ID))
	return nil
}

// UpdateNode starts the container again if it has stopped.
func (c *Compute) UpdateNode(ctx context.Context, node *types.Node) error {
	id, err := c.containerID(ctx, node)
	if err != nil {
		return classify("update_node", err)
	}
	if id == "" {
		return driver.Permanentf("update_node", "no container found for node %s", node.ID)
	}

	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		return classify("update_node", fmt.Errorf("failed to inspect container: %w", err))
	}
	if info.State != nil && info.State.Running {
		return nil
	}
	if err := c.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return classify("update_node", fmt.Errorf("failed to start container: %w", err))
	}
	return nil
}

// CheckNode reports the container healthy when it is running and its health
// check, if any, is not failing.
func (c *Compute) CheckNode(ctx context.Context, node *types.Node) (bool, error) {
	id, err := c.containerID(ctx, node)
	if err != nil {
		return false, classify("check_node", err)
	}
	if id == "" {
		return false, nil
	}

	info, err := c.client.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, classify("check_node", fmt.Errorf("failed to inspect container: %w", err))
	}
	if info.State == nil || !info.State.Running {
		return false, nil
	}
	if info.State.Health != nil && info.State.Health.Status == "unhealthy" {
		return false, nil
	}
	return true, nil
}

// containerID resolves the node's container, preferring the recorded
// physical id and falling back to the node label.
func (c *Compute) containerID(ctx context.Context, node *types.Node) (string, error) {
	if node.PhysicalID != "" {
		return node.PhysicalID, nil
	}

	args := filters.NewArgs(
		filters.Arg("label", LabelManaged+"=true"),
		filters.Arg("label", LabelNodeID+"="+node.ID),
	)
	containers, err := c.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	if len(containers) > 1 {
		c.logger.Warn("Multiple containers found for node",
			log.Str("node_id", node.ID),
			log.Int("container_count", len(containers)))
	}
	return containers[0].ID, nil
}

func (c *Compute) containerAddress(ctx context.Context, id string) (string, error) {
	info, err := c.client.ContainerInspect(ctx, id)
	if err != nil {
		return "", err
	}
	if info.NetworkSettings == nil {
		return "", nil
	}
	if c.config.Network != "" {
		if ep, ok := info.NetworkSettings.Networks[c.config.Network]; ok && ep != nil {
			return ep.IPAddress, nil
		}
	}
	names := make([]string, 0, len(info.NetworkSettings.Networks))
	for name := range info.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if ep := info.NetworkSettings.Networks[name]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", nil
}

// pullImage pulls an image from the registry if it doesn't exist locally
func (c *Compute) pullImage(ctx context.Context, image string) error {
	if _, _, err := c.client.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	c.logger.Info("Pulling Docker image", log.Str("image", image))
	reader, err := c.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// nodeToContainerConfig converts a node to Docker container config.
func nodeToContainerConfig(node *types.Node, networkName string) (*container.Config, *container.HostConfig, *network.NetworkingConfig, error) {
	if node == nil {
		return nil, nil, nil, fmt.Errorf("invalid node: nil pointer")
	}
	if node.Profile.Image == "" {
		return nil, nil, nil, fmt.Errorf("no image specified for node %s", node.ID)
	}

	exposed, bindings, err := nat.ParsePortSpecs(node.Profile.Ports)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("invalid port spec for node %s: %w", node.ID, err)
	}

	labels := make(map[string]string, len(node.Profile.Labels)+4)
	for k, v := range node.Profile.Labels {
		labels[k] = v
	}
	labels[LabelManaged] = "true"
	labels[LabelNodeID] = node.ID
	labels[LabelNodeName] = node.Name
	if node.ClusterID != "" {
		labels[LabelClusterID] = node.ClusterID
	}

	containerConfig := &container.Config{
		Image:        node.Profile.Image,
		Cmd:          node.Profile.Command,
		Env:          formatEnvVars(node.Profile.Env),
		Labels:       labels,
		ExposedPorts: exposed,
	}
	hostConfig := &container.HostConfig{
		PortBindings:  bindings,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyOnFailure, MaximumRetryCount: 3},
	}

	var netConfig *network.NetworkingConfig
	if networkName != "" {
		hostConfig.NetworkMode = container.NetworkMode(networkName)
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
		}
	}
	return containerConfig, hostConfig, netConfig, nil
}

func containerName(node *types.Node) string {
	if node.Name == "" {
		return "corral-" + node.ID
	}
	return "corral-" + node.Name + "-" + shortID(node.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatEnvVars formats a map of environment variables into a sorted slice
// of "key=value" strings.
func formatEnvVars(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// classify marks daemon connectivity problems as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return driver.NewTransient(op, err)
	}
	return driver.NewPermanent(op, err)
}
