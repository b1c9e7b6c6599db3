package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/example/storefront/pkg/config"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type ServiceDiscovery struct {
	client *clientv3.Client
	kv     clientv3.KV
	config *config.EtcdConfig
	logger *zap.Logger
}

type ServiceInstance struct {
	Name string
	Host string
	Port int
}

func (i *ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

func NewServiceDiscovery(cfg *config.EtcdConfig, logger *zap.Logger) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &ServiceDiscovery{
		client: cli,
		kv:     cli,
		config: cfg,
		logger: logger.Named("discovery"),
	}, nil
}

func (sd *ServiceDiscovery) key(instance *ServiceInstance) string {
	return instanceKey(sd.config.Prefix, instance)
}

func instanceKey(prefix string, instance *ServiceInstance) string {
	return fmt.Sprintf("%s%s/%s", prefix, instance.Name, instance.Addr())
}

// Register publishes the instance under a lease of etcd.lease_ttl seconds and
// keeps the lease alive until ctx is done.
func (sd *ServiceDiscovery) Register(ctx context.Context, instance *ServiceInstance) error {
	lease, err := sd.client.Grant(ctx, sd.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	key := sd.key(instance)
	if _, err = sd.kv.Put(ctx, key, instance.Addr(), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	ch, err := sd.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep alive: %w", err)
	}

	go func() {
		for range ch {
		}
		if ctx.Err() == nil {
			sd.logger.Warn("Service lease lost", zap.String("key", key))
		}
	}()

	sd.logger.Info("Service registered", zap.String("key", key), zap.Int64("lease_ttl", sd.config.LeaseTTL))
	return nil
}

// Discover lists the registered instances of serviceName. Entries whose value
// is not a host:port are skipped.
func (sd *ServiceDiscovery) Discover(ctx context.Context, serviceName string) ([]*ServiceInstance, error) {
	prefix := fmt.Sprintf("%s%s/", sd.config.Prefix, serviceName)

	resp, err := sd.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to discover service: %w", err)
	}

	instances := make([]*ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		instance, err := parseInstance(serviceName, string(kv.Value))
		if err != nil {
			sd.logger.Warn("Skipping malformed instance", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

func parseInstance(name, addr string) (*ServiceInstance, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return &ServiceInstance{Name: name, Host: host, Port: port}, nil
}

func (sd *ServiceDiscovery) Deregister(ctx context.Context, instance *ServiceInstance) error {
	if _, err := sd.kv.Delete(ctx, sd.key(instance)); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

func (sd *ServiceDiscovery) Close() error {
	return sd.client.Close()
}
