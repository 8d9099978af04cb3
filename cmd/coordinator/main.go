// Command coordinator runs a cluster node that tracks membership, elects a
// leader, spreads partitions across members and propagates correlation
// contexts on every gRPC call it serves or makes.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"

	"github.com/code-payments/code-coordinator/pkg/grpc/app"
)

func main() {
	hs := health.NewServer()

	if err := app.Run(newCoordinatorApp(hs), app.WithHealthServer(hs)); err != nil {
		logrus.StandardLogger().WithError(err).Error("error running coordinator")
		os.Exit(1)
	}
}
