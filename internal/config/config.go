// Package config is the one place the rest of this module accepts runtime
// settings: a typed Config struct built once at construction time. Library
// code never calls os.Getenv itself (per the teacher's own wal.go, which
// takes every tunable as a constructor argument); only cmd/walctl reads the
// environment and turns it into a Config before wiring the core.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NamespacePrefix is the fixed token every logical namespace must begin
// with, recovered from libsql-server's schema namespace validation
// (src/schema/db.rs) and carried here as spec §6's "must begin with a fixed
// prefix token" rule.
const NamespacePrefix = "ns-"

// Config is the full set of externally supplied settings the core needs:
// where to replicate to, which credentials to use, and which namespace to
// operate under. Zero value is not valid; callers (the CLI, tests) fill in
// the fields directly and then call Validate.
type Config struct {
	// Endpoint is the S3-compatible service URL. Empty selects the AWS
	// default resolver (real S3).
	Endpoint string
	// Region is passed to the AWS SDK's config loader; most S3-compatible
	// stores accept any non-empty value.
	Region string
	// Bucket is the destination bucket for all segment and snapshot
	// objects.
	Bucket string

	// AccessKeyID, SecretAccessKey, SessionToken are the credential triple
	// from spec §6. SessionToken is optional.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Namespace is this database's logical namespace, validated by
	// ValidateNamespace before use.
	Namespace string

	// LocalMode disables all network activity: the core runs entirely
	// against the local segment store and catalog, skipping remote
	// uploads and downloads. Used for tests and for single-node
	// deployments that don't need off-box durability.
	LocalMode bool
	// LocalDir is where segments, the catalog, and sidecar meta files
	// live. Required when LocalMode is true; also doubles as the local
	// staging directory for uploads/downloads when it is false.
	LocalDir string
}

// ErrMissingPrefix and ErrEmptyNamespace are returned by ValidateNamespace.
var (
	ErrMissingPrefix  = errors.New("config: namespace must begin with " + NamespacePrefix)
	ErrEmptyNamespace = errors.New("config: namespace must not be empty")
)

// ValidateNamespace enforces spec §6's namespace-prefix rule: every
// namespace this core operates on must begin with NamespacePrefix, so a
// bucket shared across unrelated deployments can't collide on object keys.
func ValidateNamespace(ns string) error {
	if ns == "" {
		return ErrEmptyNamespace
	}
	if !strings.HasPrefix(ns, NamespacePrefix) {
		return fmt.Errorf("%w: got %q", ErrMissingPrefix, ns)
	}
	if strings.TrimPrefix(ns, NamespacePrefix) == "" {
		return fmt.Errorf("config: namespace %q has empty suffix after prefix", ns)
	}
	return nil
}

// Validate checks the namespace and the fields whose requirements depend
// on LocalMode.
func (c Config) Validate() error {
	if err := ValidateNamespace(c.Namespace); err != nil {
		return err
	}
	if c.LocalDir == "" {
		return errors.New("config: LocalDir must be set")
	}
	if c.LocalMode {
		return nil
	}
	if c.Bucket == "" {
		return errors.New("config: Bucket must be set unless LocalMode is true")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return errors.New("config: AccessKeyID and SecretAccessKey must be set unless LocalMode is true")
	}
	return nil
}

// NewS3Client builds an *s3.Client from c's endpoint, region, and
// credential triple. Callers in LocalMode have no use for this; it exists
// for cmd/walctl and any other entry point wiring internal/objstore's
// S3Backend (see objstore.NewS3Backend's doc comment).
func NewS3Client(ctx context.Context, c Config) (*s3.Client, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.LocalMode {
		return nil, errors.New("config: NewS3Client called with LocalMode set")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.AccessKeyID, c.SecretAccessKey, c.SessionToken,
		)),
	}
	if c.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, args ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: c.Endpoint, SigningRegion: c.Region}, nil
			},
		)
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// S3-compatible stores (minio, R2, etc.) generally require
		// path-style addressing rather than virtual-hosted-style.
		o.UsePathStyle = c.Endpoint != ""
	}), nil
}
