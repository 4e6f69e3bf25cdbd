package main

import (
	"context"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/libsql-go/walreplicator/internal/catalog"
	"github.com/libsql-go/walreplicator/internal/config"
	"github.com/libsql-go/walreplicator/internal/objstore"
	"github.com/libsql-go/walreplicator/internal/store"
)

// globalFlags holds the persistent flags shared by every subcommand. This
// is the only place the environment is read (spec §6's "environment
// variables recognized by the core"); everything below this layer takes a
// config.Config built from these flags.
type globalFlags struct {
	endpoint  string
	region    string
	bucket    string
	accessKey string
	secretKey string
	session   string
	namespace string
	database  string
	local     bool
	localDir  string
	dbPath    string
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBoolDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func newRootCmd() *cobra.Command {
	gf := &globalFlags{}

	root := &cobra.Command{
		Use:           "walctl",
		Short:         "Operator CLI for the WAL segment store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&gf.endpoint, "endpoint", envDefault("WALCTL_ENDPOINT", ""), "S3-compatible endpoint URL")
	flags.StringVar(&gf.region, "region", envDefault("WALCTL_REGION", "us-east-1"), "object store region")
	flags.StringVar(&gf.bucket, "bucket", envDefault("WALCTL_BUCKET", ""), "bucket holding segment objects")
	flags.StringVar(&gf.accessKey, "access-key-id", envDefault("WALCTL_ACCESS_KEY_ID", ""), "credential: access key ID")
	flags.StringVar(&gf.secretKey, "secret-access-key", envDefault("WALCTL_SECRET_ACCESS_KEY", ""), "credential: secret access key")
	flags.StringVar(&gf.session, "session-token", envDefault("WALCTL_SESSION_TOKEN", ""), "credential: session token (optional)")
	flags.StringVarP(&gf.namespace, "namespace", "n", envDefault("WALCTL_NAMESPACE", ""), "logical namespace, must begin with "+config.NamespacePrefix)
	flags.StringVarP(&gf.database, "database", "d", envDefault("WALCTL_DATABASE", ""), "database ID to operate on")
	flags.BoolVar(&gf.local, "local", envBoolDefault("WALCTL_LOCAL", false), "disable network activity, operate entirely on --local-dir")
	flags.StringVar(&gf.localDir, "local-dir", envDefault("WALCTL_LOCAL_DIR", "./walctl-data"), "local working directory for segments, catalog, and (in --local mode) remote objects")
	flags.StringVar(&gf.dbPath, "db-path", envDefault("WALCTL_DB_PATH", ""), "path to the live SQLite database file, used by restore and snapshot")

	root.AddCommand(
		newCopyCmd(gf),
		newCreateCmd(gf),
		newLsCmd(gf),
		newRestoreCmd(gf),
		newVerifyCmd(gf),
		newRmCmd(gf),
		newSnapshotCmd(gf),
	)
	return root
}

// openStore builds a Store (and its catalog) from gf, wiring a LocalBackend
// under --local or an S3Backend otherwise. Callers must Close the
// returned Store and Catalog when done.
func openStore(gf *globalFlags) (*store.Store, *catalog.Catalog, config.Config, error) {
	cfg := config.Config{
		Endpoint:        gf.endpoint,
		Region:          gf.region,
		Bucket:          gf.bucket,
		AccessKeyID:     gf.accessKey,
		SecretAccessKey: gf.secretKey,
		SessionToken:    gf.session,
		Namespace:       gf.namespace,
		LocalMode:       gf.local,
		LocalDir:        gf.localDir,
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, cfg, err
	}

	cat, err := catalog.Open(gf.localDir + "/catalog.db")
	if err != nil {
		return nil, nil, cfg, err
	}

	var backend objstore.Backend
	if gf.local {
		backend, err = objstore.NewLocalBackend(gf.localDir + "/remote")
	} else {
		var client *s3.Client
		client, err = config.NewS3Client(context.Background(), cfg)
		if err == nil {
			backend = objstore.NewS3Backend(client, cfg.Bucket)
		}
	}
	if err != nil {
		cat.Close()
		return nil, nil, cfg, err
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	st, err := store.New(backend, gf.localDir+"/segments", cat, logger, prometheus.NewRegistry())
	if err != nil {
		cat.Close()
		return nil, nil, cfg, err
	}
	return st, cat, cfg, nil
}
