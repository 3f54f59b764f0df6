package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSM struct {
	out *secretsmanager.GetSecretValueOutput
	err error
	ids []string
}

func (m *mockSM) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.ids = append(m.ids, aws.ToString(in.SecretId))
	return m.out, m.err
}

// --- AWS provider ---

func TestAWSProvider_GetSecret(t *testing.T) {
	sm := &mockSM{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(`{"admin_identity":"0xadmin"}`)}}
	p := &AWSSecretsManagerProvider{client: sm}

	got, err := p.GetSecret(context.Background(), "prod/vault-ledger/admin")
	require.NoError(t, err)
	assert.Equal(t, "0xadmin", got["admin_identity"])
	assert.Equal(t, []string{"prod/vault-ledger/admin"}, sm.ids)
}

func TestAWSProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		sm      *mockSM
		wantNF  bool
		wantMsg string
	}{
		{"not found", &mockSM{err: &types.ResourceNotFoundException{Message: aws.String("gone")}}, true, ""},
		{"api error", &mockSM{err: errors.New("throttled")}, false, "failed to fetch secret"},
		{"binary secret", &mockSM{out: &secretsmanager.GetSecretValueOutput{}}, false, "no string value"},
		{"not json", &mockSM{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String("plain")}}, false, "invalid secret format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &AWSSecretsManagerProvider{client: tt.sm}
			_, err := p.GetSecret(context.Background(), "x")
			require.Error(t, err)
			assert.Equal(t, tt.wantNF, errors.Is(err, ErrNotFound))
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

// --- Static provider ---

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{"local/admin": {"admin_identity": "root"}}

	got, err := p.GetSecret(context.Background(), "local/admin")
	require.NoError(t, err)
	assert.Equal(t, "root", got["admin_identity"])

	got["admin_identity"] = "mutated"
	again, _ := p.GetSecret(context.Background(), "local/admin")
	assert.Equal(t, "root", again["admin_identity"])

	_, err = p.GetSecret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
