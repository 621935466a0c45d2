package secretstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
)

// secretsManagerAPI is the subset of the Secrets Manager client used here.
type secretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		in *secretsmanager.GetSecretValueInput,
		opts ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// plainKey holds a secret string that is not a JSON object.
const plainKey = "users"

// AWS reads secrets from AWS Secrets Manager by ARN. The secret string is
// decoded as a JSON object of strings; any other content is returned under
// the "users" key.
type AWS struct {
	client   secretsManagerAPI
	initOnce sync.Once
	initErr  error
}

// NewAWS creates an AWS backend. The AWS configuration is loaded from the
// default chain on first use.
func NewAWS() *AWS {
	return &AWS{}
}

// initClient loads the AWS configuration on first use. A client set up
// front is kept.
func (a *AWS) initClient(ctx context.Context) error {
	a.initOnce.Do(func() {
		if a.client != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRetryMaxAttempts(1),
			awsconfig.WithEC2IMDSRegion(),
		)
		if err != nil {
			a.initErr = fmt.Errorf("loading AWS configuration: %w", err)
			return
		}
		a.client = secretsmanager.NewFromConfig(cfg)
	})
	return a.initErr
}

// Get reads the current version of the secret with the given ARN.
func (a *AWS) Get(ctx context.Context, _ string, ref string) (map[string]string, error) {
	if err := a.initClient(ctx); err != nil {
		return nil, err
	}

	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
			return nil, fmt.Errorf("%w: %s: %v", ErrForbidden, ref, err)
		}
		return nil, fmt.Errorf("getting secret value %s: %w", ref, err)
	}

	value := aws.ToString(out.SecretString)
	var content map[string]string
	if err := json.Unmarshal([]byte(value), &content); err != nil {
		return map[string]string{plainKey: value}, nil
	}
	return content, nil
}
