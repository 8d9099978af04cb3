// Package etcdtest runs disposable etcd containers for tests.
package etcdtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/sirupsen/logrus"
	v3 "go.etcd.io/etcd/client/v3"
)

const (
	imageName = "quay.io/coreos/etcd"
	imageTag  = "v3.5.13"

	// imageTagEnv overrides imageTag, e.g. to test against a newer etcd.
	imageTagEnv = "ETCD_TEST_IMAGE_TAG"

	containerAutoKill = 120 * time.Second
)

// StartEtcd starts a single-node etcd container and returns a client connected
// to it. teardown is always non-nil.
func StartEtcd(pool *dockertest.Pool) (client *v3.Client, teardown func(), err error) {
	teardown = func() {}

	tag := imageTag
	if override := os.Getenv(imageTagEnv); override != "" {
		tag = override
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: imageName,
		Tag:        tag,
		Env: []string{
			"ALLOW_NONE_AUTHENTICATION=true",
			"ETCD_LISTEN_CLIENT_URLS=http://0.0.0.0:2379",
			"ETCD_ADVERTISE_CLIENT_URLS=http://0.0.0.0:2379",
		},
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		return nil, teardown, fmt.Errorf("failed to start etcd: %w", err)
	}

	// Expire() never returns an error.
	_ = resource.Expire(uint(containerAutoKill.Seconds()))

	log := logrus.StandardLogger().WithField("method", "StartEtcd")

	teardown = func() {
		if err := pool.Purge(resource); err != nil {
			log.WithError(err).Errorf("failed to cleanup etcd resource")
		}
	}

	client, err = v3.New(v3.Config{
		Endpoints:   []string{fmt.Sprintf("localhost:%s", resource.GetPort("2379/tcp"))},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		teardown()
		return nil, func() {}, fmt.Errorf("failed to create v3 client: %w", err)
	}

	closeAndPurge := teardown
	teardown = func() {
		_ = client.Close()
		closeAndPurge()
	}

	err = pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := client.Get(ctx, "__startup_test")
		return err
	})
	if err != nil {
		return nil, teardown, fmt.Errorf("failed waiting for stable connection: %w", err)
	}

	return client, teardown, nil
}

// NewClient starts an etcd container for the duration of t. The test is
// skipped if docker is unavailable.
func NewClient(t testing.TB) *v3.Client {
	t.Helper()

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}

	client, teardown, err := StartEtcd(pool)
	t.Cleanup(teardown)
	if err != nil {
		t.Fatalf("failed to start etcd: %v", err)
	}

	return client
}
