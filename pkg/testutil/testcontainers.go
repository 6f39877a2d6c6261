package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MongoImage = "mongo:6.0"
	RedisImage = "redis:7.0"
)

// Endpoint is a started container and its mapped address.
type Endpoint struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

func (e *Endpoint) Close(ctx context.Context) error {
	if e == nil || e.Container == nil {
		return nil
	}
	return e.Container.Terminate(ctx)
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (*Endpoint, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", req.Image, err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("%s host: %w", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("%s port %s: %w", req.Image, port, err)
	}

	return &Endpoint{Container: container, Host: host, Port: mapped.Int()}, nil
}

// MongoDBContainer is a throwaway Mongo with a unique database name per start.
type MongoDBContainer struct {
	*Endpoint
	URI          string
	DatabaseName string
}

func StartMongoContainer(ctx context.Context) (*MongoDBContainer, error) {
	ep, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        MongoImage,
		ExposedPorts: []string{"27017/tcp"},
		Env: map[string]string{
			"MONGO_INITDB_ROOT_USERNAME": "test",
			"MONGO_INITDB_ROOT_PASSWORD": "test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("Waiting for connections"),
			wait.ForListeningPort("27017/tcp"),
		).WithDeadline(60 * time.Second),
	}, "27017")
	if err != nil {
		return nil, err
	}

	return &MongoDBContainer{
		Endpoint:     ep,
		URI:          fmt.Sprintf("mongodb://test:test@%s:%d/?authSource=admin", ep.Host, ep.Port),
		DatabaseName: fmt.Sprintf("vkads_test_%d", time.Now().UnixNano()),
	}, nil
}

func StartRedisContainer(ctx context.Context) (*Endpoint, error) {
	return startContainer(ctx, testcontainers.ContainerRequest{
		Image:        RedisImage,
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}, "6379")
}

// Addr is host:port for clients that take a single address.
func (e *Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}
