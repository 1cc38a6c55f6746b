package supervisor

import (
	"context"
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"miren.dev/workspace/creds"
	"miren.dev/workspace/pkg/cond"
	"miren.dev/workspace/pkg/idgen"
)

// CredentialsInput distinguishes fields that were not sent from fields sent
// as empty strings; only the latter are rejected.
type CredentialsInput struct {
	AccessKey  *string `json:"accessKey,omitempty"`
	SecretKey  *string `json:"secretKey,omitempty"`
	AccountRef *string `json:"accountRef,omitempty"`
	Endpoint   *string `json:"endpoint,omitempty"`
}

func (c CredentialsInput) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AccessKey, validation.By(optionalNotBlank)),
		validation.Field(&c.SecretKey, validation.By(optionalNotBlank)),
		validation.Field(&c.AccountRef, validation.By(optionalNotBlank)),
		validation.Field(&c.Endpoint, validation.By(optionalNotBlank), validation.By(absoluteURL)),
	)
}

func (c CredentialsInput) credentials() creds.Credentials {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}

	return creds.Credentials{
		AccessKey:  deref(c.AccessKey),
		SecretKey:  deref(c.SecretKey),
		AccountRef: deref(c.AccountRef),
		Endpoint:   deref(c.Endpoint),
	}
}

func (t TabSpec) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Title, validation.By(notBlank)),
	)
}

type ConfigureRequest struct {
	BucketRef         string            `json:"bucketRef"`
	Credentials       *CredentialsInput `json:"credentials,omitempty"`
	SyncEnabled       *bool             `json:"syncEnabled,omitempty"`
	TabLayout         []TabSpec         `json:"tabLayout,omitempty"`
	ExternalSessionID string            `json:"externalSessionId,omitempty"`
}

func (r ConfigureRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.BucketRef, validation.By(notBlank)),
		validation.Field(&r.Credentials),
		validation.Field(&r.TabLayout),
	)
}

var (
	errBlank       = errors.New("must be a non-blank string")
	errNotAbsolute = errors.New("must be an absolute URL")
)

func notBlank(value any) error {
	v, _ := validation.Indirect(value)
	s, _ := v.(string)
	if strings.TrimSpace(s) == "" {
		return errBlank
	}
	return nil
}

func optionalNotBlank(value any) error {
	if v, _ := validation.Indirect(value); v == nil {
		return nil
	}
	return notBlank(value)
}

func absoluteURL(value any) error {
	v, _ := validation.Indirect(value)
	s, ok := v.(string)
	if !ok {
		return nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errNotAbsolute
	}

	return nil
}

// Configure binds the supervisor to a bucket. It is the only operation that
// clears a tombstone. A supervisor that already has a bucket rejects the
// call with a conflict and keeps its state.
func (s *Supervisor) Configure(ctx context.Context, req ConfigureRequest) error {
	if err := req.Validate(); err != nil {
		s.deps.Metrics.configure("invalid")
		return cond.ValidationFailure("configure", err.Error())
	}

	existing, ok, err := s.bucket(ctx)
	if err != nil {
		return err
	}

	if ok {
		s.log.Info("rejecting reconfiguration", "bucket", existing, "requested", req.BucketRef)
		s.deps.Metrics.configure("conflict")
		return cond.Conflict("bucketRef", s.id)
	}

	destroyed, err := s.isDestroyed(ctx)
	if err != nil {
		return err
	}

	// The tombstone goes first and the bucket last: a crash in between
	// leaves an orphan, which the next activation tombstones again, rather
	// than a tombstoned supervisor holding a bucket.
	if destroyed {
		if err := s.store.Delete(ctx, fieldDestroyed); err != nil {
			return err
		}
		s.log.Info("clearing tombstone for new configuration")
	}

	if req.Credentials != nil {
		if err := s.store.Put(ctx, fieldCredentials, req.Credentials.credentials()); err != nil {
			return err
		}
	}

	if req.SyncEnabled != nil {
		if err := s.store.Put(ctx, fieldSyncEnabled, *req.SyncEnabled); err != nil {
			return err
		}
	}

	if len(req.TabLayout) > 0 {
		if err := s.store.Put(ctx, fieldTabLayout, req.TabLayout); err != nil {
			return err
		}
	}

	if req.ExternalSessionID != "" {
		if err := s.store.Put(ctx, fieldExternalID, req.ExternalSessionID); err != nil {
			return err
		}
	}

	var token string
	hasToken, err := s.store.Get(ctx, fieldAuthToken, &token)
	if err != nil {
		return err
	}

	if !hasToken || token == "" {
		if err := s.store.Put(ctx, fieldAuthToken, idgen.Token()); err != nil {
			return err
		}
	}

	if err := s.store.Put(ctx, fieldBucketRef, req.BucketRef); err != nil {
		return err
	}

	s.consumeShutdownInfo(ctx)

	s.probeFailures = 0
	if err := s.activate(ctx, req.BucketRef); err != nil {
		return err
	}

	s.log.Info("supervisor configured",
		"bucket", req.BucketRef,
		"session", req.ExternalSessionID,
		"sync", req.SyncEnabled != nil && *req.SyncEnabled,
		"tabs", len(req.TabLayout),
	)

	s.deps.Metrics.configure("ok")
	return nil
}

// consumeShutdownInfo logs and clears the record left by the previous
// lifecycle.
func (s *Supervisor) consumeShutdownInfo(ctx context.Context) {
	info, ok, err := s.shutdownInfo(ctx)
	if err != nil {
		s.log.Warn("failed to read shutdown info", "error", err)
		return
	}

	if !ok {
		return
	}

	s.log.Info("previous lifecycle ended",
		"reason", info.Reason,
		"at", info.At,
		"details", info.Details,
		"bucket", info.BucketRef,
	)

	if err := s.store.Delete(ctx, fieldShutdownInfo); err != nil {
		s.log.Warn("failed to clear shutdown info", "error", err)
	}
}
