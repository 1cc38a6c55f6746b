// Package creds resolves the object storage credentials handed to sandboxes.
package creds

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

type Credentials struct {
	AccessKey  string `json:"accessKey,omitempty" cbor:"access_key,omitempty"`
	SecretKey  string `json:"secretKey,omitempty" cbor:"secret_key,omitempty"`
	AccountRef string `json:"accountRef,omitempty" cbor:"account_ref,omitempty"`
	Endpoint   string `json:"endpoint,omitempty" cbor:"endpoint,omitempty"`
}

// IsZero reports whether no field is set.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// Merge fills the unset fields of c from other.
func (c Credentials) Merge(other Credentials) Credentials {
	if c.AccessKey == "" {
		c.AccessKey = other.AccessKey
	}
	if c.SecretKey == "" {
		c.SecretKey = other.SecretKey
	}
	if c.AccountRef == "" {
		c.AccountRef = other.AccountRef
	}
	if c.Endpoint == "" {
		c.Endpoint = other.Endpoint
	}
	return c
}

type Resolver interface {
	Resolve(ctx context.Context) (Credentials, error)
}

// Static always resolves to the same credentials.
type Static Credentials

func (s Static) Resolve(ctx context.Context) (Credentials, error) {
	return Credentials(s), nil
}

type AWSOptions struct {
	Profile  string
	Region   string
	Endpoint string
}

// AWS resolves credentials through the default AWS credential chain. The
// first successful result is kept for the life of the resolver.
type AWS struct {
	log  *slog.Logger
	opts AWSOptions

	mu       sync.Mutex
	resolved *Credentials

	load func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)
}

var _ Resolver = (*AWS)(nil)

func NewAWS(log *slog.Logger, opts AWSOptions) *AWS {
	return &AWS{
		log:  log.With("module", "creds-aws"),
		opts: opts,
		load: config.LoadDefaultConfig,
	}
}

func (a *AWS) Resolve(ctx context.Context) (Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.resolved != nil {
		return *a.resolved, nil
	}

	var optFns []func(*config.LoadOptions) error
	if a.opts.Profile != "" {
		optFns = append(optFns, config.WithSharedConfigProfile(a.opts.Profile))
	}
	if a.opts.Region != "" {
		optFns = append(optFns, config.WithRegion(a.opts.Region))
	}

	cfg, err := a.load(ctx, optFns...)
	if err != nil {
		return Credentials{}, fmt.Errorf("load aws config: %w", err)
	}

	ac, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("retrieve aws credentials: %w", err)
	}

	c := Credentials{
		AccessKey:  ac.AccessKeyID,
		SecretKey:  ac.SecretAccessKey,
		AccountRef: ac.AccountID,
		Endpoint:   a.opts.Endpoint,
	}

	if c.Endpoint == "" && cfg.BaseEndpoint != nil {
		c.Endpoint = *cfg.BaseEndpoint
	}

	a.log.Info("resolved storage credentials", "source", ac.Source, "account", c.AccountRef)

	a.resolved = &c
	return c, nil
}
