package secretstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	value string
	err   error
	ids   []string
}

func (f *fakeSecretsManager) GetSecretValue(
	_ context.Context,
	in *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	f.ids = append(f.ids, aws.ToString(in.SecretId))
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(f.value)}, nil
}

const testARN = "arn:aws:secretsmanager:eu-west-1:123456789012:secret:trino-AbCdEf"

func TestAWS_JSONSecret(t *testing.T) {
	sm := &fakeSecretsManager{value: `{"users":"app-superset-k8s: s3cr3t"}`}
	a := &AWS{client: sm}

	content, err := a.Get(context.Background(), "bi", testARN)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"users": "app-superset-k8s: s3cr3t"}, content)
	assert.Equal(t, []string{testARN}, sm.ids)
}

func TestAWS_PlainSecret(t *testing.T) {
	a := &AWS{client: &fakeSecretsManager{value: "app-superset-k8s: s3cr3t"}}

	content, err := a.Get(context.Background(), "bi", testARN)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"users": "app-superset-k8s: s3cr3t"}, content)
}

func TestAWS_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "not found", err: &types.ResourceNotFoundException{Message: aws.String("gone")}, want: ErrNotFound},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}, want: ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &AWS{client: &fakeSecretsManager{err: tt.err}}
			_, err := a.Get(context.Background(), "bi", testARN)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
