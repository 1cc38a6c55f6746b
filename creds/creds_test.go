package creds

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/require"
	"miren.dev/workspace/pkg/testutils"
)

func TestMerge(t *testing.T) {
	r := require.New(t)

	c := Credentials{AccessKey: "own"}.Merge(Credentials{AccessKey: "default", SecretKey: "s"})
	r.Equal(Credentials{AccessKey: "own", SecretKey: "s"}, c)
	r.True(Credentials{}.IsZero())
	r.False(c.IsZero())
}

func TestAWSMemoizes(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	var loads int

	a := NewAWS(testutils.TestLogger(t), AWSOptions{Endpoint: "https://s3.example.com"})
	a.load = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		loads++
		if loads == 1 {
			return aws.Config{}, errors.New("no credentials yet")
		}

		return aws.Config{
			Credentials: aws.NewCredentialsCache(aws.CredentialsProviderFunc(
				func(context.Context) (aws.Credentials, error) {
					return aws.Credentials{AccessKeyID: "AK", SecretAccessKey: "SK", AccountID: "123"}, nil
				},
			)),
		}, nil
	}

	_, err := a.Resolve(ctx)
	r.Error(err)

	c, err := a.Resolve(ctx)
	r.NoError(err)
	r.Equal(Credentials{AccessKey: "AK", SecretKey: "SK", AccountRef: "123", Endpoint: "https://s3.example.com"}, c)

	_, err = a.Resolve(ctx)
	r.NoError(err)
	r.Equal(2, loads)
}
