package app

import (
	"crypto/tls"
	"expvar"
	"flag"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/code-payments/code-coordinator/pkg/correlation/tracking"
	grpc_util "github.com/code-payments/code-coordinator/pkg/grpc"
	grpc_correlation "github.com/code-payments/code-coordinator/pkg/grpc/correlation"
	"github.com/code-payments/code-coordinator/pkg/grpc/metrics"
	metrics_util "github.com/code-payments/code-coordinator/pkg/metrics"
	"github.com/code-payments/code-coordinator/pkg/osutil"
)

// App is a long lived application that services network requests.
// It is expected that App's have gRPC services, but is not a hard requirement.
//
// The lifecycle of the App is tied to the process. The app gets initialized
// before the gRPC server runs, and gets stopped after the gRPC server has stopped
// serving.
type App interface {
	// Init initializes the application in a blocking fashion. When Init returns, it
	// is expected that the application is ready to start receiving requests (provided
	// there are gRPC handlers installed).
	Init(config Config, env Env) error

	// RegisterWithGRPC provides a mechanism for the application to register gRPC services
	// with the gRPC server.
	RegisterWithGRPC(server *grpc.Server)

	// ShutdownChan returns a channel that is closed when the application is shutdown.
	//
	// If the channel is closed, the gRPC server will initiate a shutdown if it has
	// not already done so.
	ShutdownChan() <-chan struct{}

	// Stop stops the service, allowing for it to clean up any resources. When Stop()
	// returns, the process exits.
	//
	// Stop should be idempotent.
	Stop()
}

// Env carries the process-wide facilities set up by Run.
type Env struct {
	// Metrics is nil when no New Relic license key is configured.
	Metrics *newrelic.Application

	// Tracker tracks correlation contexts across the gRPC servers. Outbound
	// clients should be dialed with ClientDialOptions(Tracker).
	Tracker *tracking.Interceptor

	InstanceID string
}

var (
	configPath = flag.String("config", "config.yaml", "configuration file path")

	osSigCh = make(chan os.Signal, 1)
)

func init() {
	signal.Notify(osSigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
}

// Run loads the process configuration, initializes app and serves it over
// gRPC until a shutdown condition is met. Setup failures exit the process.
func Run(app App, options ...Option) error {
	flag.Parse()

	logger := logrus.StandardLogger().WithField("type", "grpc/app")
	exit := func(err error, msg string) {
		logger.WithError(err).Error(msg)
		os.Exit(1)
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		exit(err, "invalid configuration")
	}

	metricsProvider, err := newMetricsProvider(config)
	if err != nil {
		exit(err, "error connecting to new relic")
	}

	configureLogger(config, metricsProvider)

	// pprof and expvar install themselves on the default mux; only the debug
	// listener may expose them.
	http.DefaultServeMux = http.NewServeMux()
	startDebugServer(config.ServerConfig, logger)

	ballast := newBallast(config.RuntimeConfig)

	restartCh, err := startRestartCron(config.RuntimeConfig)
	if err != nil {
		exit(err, "failed to initialize restart cron")
	}

	secureLis, insecureLis, transportCreds, err := listen(config.ServerConfig)
	if err != nil {
		exit(err, "failed to set up listeners")
	}

	tracker := tracking.NewInterceptor(
		tracking.NewLoggingStrategy(),
		tracking.WithLocalHop(config.AppName, config.InstanceID),
	)

	unary, stream := defaultServerInterceptors(config.ServerConfig, tracker, metricsProvider)
	if config.EnableMaintenanceMode {
		logger.Warn("maintenance mode enabled, only health checks will be served")
	}

	opts := opts{
		unaryServerInterceptors:  unary,
		streamServerInterceptors: stream,
	}
	for _, o := range options {
		o(&opts)
	}

	env := Env{
		Metrics:    metricsProvider,
		Tracker:    tracker,
		InstanceID: config.InstanceID,
	}
	if err := app.Init(config.AppConfig, env); err != nil {
		exit(err, "failed to initialize application")
	}

	healthServer := opts.healthServer
	if healthServer == nil {
		healthServer = health.NewServer()
	}

	newServer := func(serverOpts ...grpc.ServerOption) *grpc.Server {
		serverOpts = append(serverOpts,
			grpc_middleware.WithUnaryServerChain(opts.unaryServerInterceptors...),
			grpc_middleware.WithStreamServerChain(opts.streamServerInterceptors...),
		)
		s := grpc.NewServer(serverOpts...)
		app.RegisterWithGRPC(s)
		healthgrpc.RegisterHealthServer(s, healthServer)
		return s
	}

	insecureServ := newServer()
	insecureStopped := serve(logger.WithField("listener", "insecure"), insecureServ, insecureLis)
	servers := []*grpc.Server{insecureServ}

	var secureStopped <-chan struct{}
	if secureLis != nil {
		secureServ := newServer(grpc.Creds(transportCreds))
		secureStopped = serve(logger.WithField("listener", "secure"), secureServ, secureLis)
		servers = append(servers, secureServ)
	}

	select {
	case <-osSigCh:
		logger.Info("interrupt received, shutting down")
	case <-insecureStopped:
		logger.Info("insecure grpc server shutdown")
	case <-secureStopped:
		logger.Info("secure grpc server shutdown")
	case <-restartCh:
		logger.Info("scheduled restart")
	case <-app.ShutdownChan():
		logger.Info("app shutdown")
	}

	shutdownCh := make(chan struct{})
	go func() {
		// Every stop below is idempotent, whichever condition fired.
		healthServer.Shutdown()
		for _, s := range servers {
			s.GracefulStop()
		}
		app.Stop()

		close(shutdownCh)
	}()

	select {
	case <-shutdownCh:
		runtime.KeepAlive(ballast)
		return nil
	case <-time.After(config.ShutdownGracePeriod):
		return errors.Errorf("failed to stop the application within %v", config.ShutdownGracePeriod)
	}
}

func newMetricsProvider(config BaseConfig) (*newrelic.Application, error) {
	if config.NewRelicLicenseKey == "" {
		return nil, nil
	}

	return newrelic.NewApplication(
		newrelic.ConfigFromEnvironment(),
		newrelic.ConfigAppName(config.AppName),
		newrelic.ConfigLicense(config.NewRelicLicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
}

func startDebugServer(config ServerConfig, logger *logrus.Entry) {
	if !config.EnableExpvar && !config.EnablePprof {
		return
	}

	mux := http.NewServeMux()
	if config.EnableExpvar {
		mux.Handle("/debug/vars", expvar.Handler())
	}
	if config.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	go func() {
		for {
			if err := http.ListenAndServe(config.DebugListenAddress, mux); err != nil {
				logger.WithError(err).Warn("Debug HTTP server failed. Retrying in 5s...")
			}
			time.Sleep(5 * time.Second)
		}
	}()
}

// newBallast sizes the GC ballast from the container-aware memory total.
func newBallast(config RuntimeConfig) []byte {
	if !config.EnableBallast || config.BallastCapacity <= 0 {
		return nil
	}
	return make([]byte, uint64(config.BallastCapacity*float32(osutil.GetTotalMemory())))
}

// startRestartCron returns a channel closed at the first scheduled restart.
// The channel is nil when the cron is disabled.
func startRestartCron(config RuntimeConfig) (<-chan struct{}, error) {
	if !config.EnableRestartCron {
		return nil, nil
	}

	ch := make(chan struct{})
	var once sync.Once

	c := cron.New(cron.WithLocation(time.Local))
	if _, err := c.AddFunc(config.RestartCronSchedule, func() {
		once.Do(func() { close(ch) })
	}); err != nil {
		return nil, errors.Wrapf(err, "invalid schedule %q", config.RestartCronSchedule)
	}
	c.Start()

	return ch, nil
}

// listen opens the insecure listener and, when TLS is configured, the secure
// one with its credentials.
func listen(config ServerConfig) (secure, insecure net.Listener, creds credentials.TransportCredentials, err error) {
	insecure, err = net.Listen("tcp", config.InsecureListenAddress)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "failed to listen on %s", config.InsecureListenAddress)
	}
	if config.TLSCertificate == "" {
		return nil, insecure, nil, nil
	}

	cert, err := loadKeyPair(config.TLSCertificate, config.TLSKey)
	if err != nil {
		insecure.Close()
		return nil, nil, nil, err
	}

	secure, err = net.Listen("tcp", config.ListenAddress)
	if err != nil {
		insecure.Close()
		return nil, nil, nil, errors.Wrapf(err, "failed to listen on %s", config.ListenAddress)
	}

	return secure, insecure, credentials.NewServerTLSFromCert(&cert), nil
}

func loadKeyPair(certURL, keyURL string) (tls.Certificate, error) {
	certBytes, err := LoadFile(certURL)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to load tls certificate")
	}

	keyBytes, err := LoadFile(keyURL)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "failed to load tls key")
	}

	cert, err := tls.X509KeyPair(certBytes, keyBytes)
	if err != nil {
		return tls.Certificate{}, errors.Wrap(err, "invalid certificate/private key")
	}
	return cert, nil
}

// defaultServerInterceptors puts correlation first so the metrics transaction
// and every later interceptor see the call's correlation context.
func defaultServerInterceptors(
	config ServerConfig,
	tracker *tracking.Interceptor,
	metricsProvider *newrelic.Application,
) ([]grpc.UnaryServerInterceptor, []grpc.StreamServerInterceptor) {
	unary := []grpc.UnaryServerInterceptor{
		grpc_correlation.UnaryServerInterceptor(tracker),
		metrics.CustomNewRelicUnaryServerInterceptor(metricsProvider),
	}
	stream := []grpc.StreamServerInterceptor{
		grpc_correlation.StreamServerInterceptor(tracker),
		metrics.CustomNewRelicStreamServerInterceptor(metricsProvider),
	}

	if config.EnableMaintenanceMode {
		unary = append(unary, grpc_util.MaintenanceUnaryServerInterceptor())
		stream = append(stream, grpc_util.MaintenanceStreamServerInterceptor())
	}

	return unary, stream
}

// serve runs s on lis and returns a channel closed once it stops.
func serve(logger *logrus.Entry, s *grpc.Server, lis net.Listener) <-chan struct{} {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		if err := s.Serve(lis); err != nil {
			logger.WithError(err).Error("grpc serve stopped")
		} else {
			logger.Info("grpc server stopped")
		}
	}()
	return stopped
}

// ClientDialOptions returns the dial options that propagate correlation
// contexts on outbound calls made through tracker.
func ClientDialOptions(tracker *tracking.Interceptor) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
			grpc_correlation.UnaryClientInterceptor(tracker),
		)),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_correlation.StreamClientInterceptor(tracker),
		)),
	}
}

func configureLogger(config BaseConfig, metricsProvider *newrelic.Application) {
	if metricsProvider != nil {
		logrus.SetFormatter(metrics_util.NewCustomNewRelicLogFormatter(metricsProvider, &logrus.JSONFormatter{}))
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(strings.ToLower(config.LogLevel))
	if err != nil {
		logrus.StandardLogger().WithField("log_level", config.LogLevel).Warn("unknown log level, ignoring")
	} else {
		logrus.SetLevel(level)
	}

	logrus.SetOutput(os.Stdout)
}
