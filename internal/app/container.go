package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/redis/go-redis/v9"

	"github.com/stratushq/stratus/pkg/config"
	"github.com/stratushq/stratus/pkg/controller"
	"github.com/stratushq/stratus/pkg/creds"
	"github.com/stratushq/stratus/pkg/executor"
	"github.com/stratushq/stratus/pkg/jobstore"
	"github.com/stratushq/stratus/pkg/lock"
	"github.com/stratushq/stratus/pkg/policy"
	"github.com/stratushq/stratus/pkg/quota"
	"github.com/stratushq/stratus/pkg/registry"
	"github.com/stratushq/stratus/pkg/sched"
	"github.com/stratushq/stratus/pkg/secrets"
	"github.com/stratushq/stratus/pkg/storage"
)

// Container wires every dependency of one controller run. Everything is
// built here, once, and handed down; no package-level singletons.
type Container struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Redis      redis.UniversalClient
	Blobs      storage.BlobStore
	Controller *controller.Controller

	workDir string
}

// NewContainer builds the dependency graph for one run.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
	})

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	workDir, err := os.MkdirTemp("", "stratus-scan-")
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to create scan workspace: %w", err)
	}

	jobs := jobstore.NewRedisStore(rdb)
	catalog := registry.NewRedisRegistry(rdb)

	resolver := creds.NewResolver(secrets.NewRedisStore(rdb), catalog, creds.NewSDKClient, logger)
	resolver.CredentialsKey = cfg.CredentialsKey
	resolver.AllowManagement = cfg.AllowManagementCreds
	resolver.DefaultRegion = cfg.DefaultRegion

	var launcher executor.ProcessLauncher
	if cfg.ExecutorIsolation == config.IsolationInproc {
		launcher = &executor.InprocLauncher{Run: InprocWorker(logger)}
	} else {
		launcher = &executor.ExecLauncher{}
	}
	exec := executor.New(launcher, workDir, logger)
	exec.Mode = executor.Mode(cfg.ExecutorMode)
	exec.Parallelism = cfg.Parallelism

	var broker quota.Broker = quota.NopBroker{}
	if cfg.LicenseBrokerURL != "" {
		broker = quota.NewHTTPBroker(cfg.LicenseBrokerURL)
	}

	ctrl := controller.New(cfg, logger)
	ctrl.Jobs = jobs
	ctrl.Batches = jobstore.BatchResultsView{Store: jobs}
	ctrl.Locks = lock.NewRedisStore(rdb)
	ctrl.Catalog = catalog
	ctrl.Entries = sched.NewRedisStore(rdb)
	ctrl.Blobs = blobs
	ctrl.Broker = broker
	ctrl.Loader = policy.NewLoader(policy.NewFetcher(blobs), logger)
	ctrl.Creds = resolver
	ctrl.Exec = exec

	return &Container{
		Cfg:        cfg,
		Logger:     logger,
		Redis:      rdb,
		Blobs:      blobs,
		Controller: ctrl,
		workDir:    workDir,
	}, nil
}

// Close releases the container's resources. The scan workspace holds only
// handshake files; worker output already lives in the blob store.
func (c *Container) Close() error {
	if c.workDir != "" {
		_ = os.RemoveAll(c.workDir)
	}
	return c.Redis.Close()
}

// newBlobStore selects S3 when a results bucket is configured, the local
// filesystem otherwise.
func newBlobStore(ctx context.Context, cfg *config.Config) (storage.BlobStore, error) {
	if cfg.ResultsBucket == "" {
		return storage.NewLocalStore(cfg.StoragePath), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DefaultRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return storage.NewS3Store(awsCfg, cfg.ResultsBucket), nil
}
