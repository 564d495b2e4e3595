package consul

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dante-gpu/dante-mesh/internal/config"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// HealthCheckPath is the control API route Consul polls.
const HealthCheckPath = "/healthz"

// Connect establishes a connection to the Consul agent.
func Connect(consulAddress string, logger *zap.Logger) (*consulapi.Client, error) {
	logger.Info("Attempting to connect to Consul agent", zap.String("address", consulAddress))
	cfg := consulapi.DefaultConfig()
	cfg.Address = consulAddress
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	if _, err := client.Agent().Self(); err != nil {
		return nil, fmt.Errorf("failed to connect/ping consul agent at %s: %w", consulAddress, err)
	}
	logger.Info("Successfully connected to Consul agent", zap.String("address", consulAddress))
	return client, nil
}

// Registration is this node's entry in the Consul catalog.
type Registration struct {
	client    *consulapi.Client
	serviceID string
	logger    *zap.Logger
}

// ServiceID returns the id the node is registered under.
func (r *Registration) ServiceID() string {
	return r.serviceID
}

// Register announces the control API listening on listenAddr as an instance
// of cfg.ServiceName, keyed by node id, with an HTTP health check.
func Register(client *consulapi.Client, cfg config.ConsulConfig, nodeID, listenAddr string, logger *zap.Logger) (*Registration, error) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port number '%s': %w", portStr, err)
	}

	serviceID := fmt.Sprintf("%s-%s", cfg.ServiceName, nodeID)
	registration := &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    cfg.ServiceName,
		Port:    port,
		Address: host,
		Tags:    cfg.Tags,
		Meta:    map[string]string{"node_id": nodeID},
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s%s", net.JoinHostPort(getCheckAddress(host), portStr), HealthCheckPath),
			Interval:                       cfg.HealthCheckInterval.String(),
			Timeout:                        cfg.HealthCheckTimeout.String(),
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := client.Agent().ServiceRegister(registration); err != nil {
		return nil, fmt.Errorf("failed to register service '%s' with Consul: %w", cfg.ServiceName, err)
	}
	logger.Info("Successfully registered service with Consul",
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_id", serviceID))

	return &Registration{client: client, serviceID: serviceID, logger: logger}, nil
}

// Deregister removes the node from the catalog.
func (r *Registration) Deregister() error {
	r.logger.Info("Deregistering service from Consul", zap.String("service_id", r.serviceID))
	if err := r.client.Agent().ServiceDeregister(r.serviceID); err != nil {
		return fmt.Errorf("failed to deregister service '%s': %w", r.serviceID, err)
	}
	r.logger.Info("Successfully deregistered service from Consul", zap.String("service_id", r.serviceID))
	return nil
}

// getCheckAddress determines the address to use for the Consul health check URL.
func getCheckAddress(serviceAddress string) string {
	if serviceAddress == "" || serviceAddress == "0.0.0.0" || serviceAddress == "::" {
		return "127.0.0.1"
	}
	return serviceAddress
}
