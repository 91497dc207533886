package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type fakeSecretsManager struct {
	out   *secretsmanager.GetSecretValueOutput
	err   error
	gotID string
}

func (c *fakeSecretsManager) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	c.gotID = *in.SecretId
	if c.err != nil {
		return nil, c.err
	}
	return c.out, nil
}

func TestEnvProvider(t *testing.T) {
	t.Parallel()

	env := map[string]string{"SETTLEMENT_POSTGRES_DSN": "  postgres://db  "}
	p := EnvProvider{Getenv: func(k string) string { return env[k] }}

	got, err := p.Get(context.Background(), "SETTLEMENT_POSTGRES_DSN")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://db" {
		t.Fatalf("value mismatch: got %q", got)
	}
	if _, err := p.Get(context.Background(), "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), " "); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	p, err := New(context.Background(), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := p.(EnvProvider); !ok {
		t.Fatalf("default provider %T", p)
	}
	if _, err := New(context.Background(), "vault"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestAWSProvider_PlainSecret(t *testing.T) {
	t.Parallel()

	fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{SecretString: strPtr(" secret ")}}
	p, err := NewAWSWithClient(fake)
	if err != nil {
		t.Fatalf("NewAWSWithClient: %v", err)
	}
	got, err := p.Get(context.Background(), "arn:aws:secretsmanager:us-east-1:123:secret:settlement")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "secret" {
		t.Fatalf("secret mismatch: got %q", got)
	}
}

func TestAWSProvider_JSONField(t *testing.T) {
	t.Parallel()

	fake := &fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{
		SecretString: strPtr(`{"dsn":"postgres://settlement","attesterKey":""}`),
	}}
	p, _ := NewAWSWithClient(fake)

	got, err := p.Get(context.Background(), "settlement/prod#dsn")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "postgres://settlement" || fake.gotID != "settlement/prod" {
		t.Fatalf("got %q from %q", got, fake.gotID)
	}
	if _, err := p.Get(context.Background(), "settlement/prod#attesterKey"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAWSProvider_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewAWSWithClient(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	p, _ := NewAWSWithClient(&fakeSecretsManager{out: &secretsmanager.GetSecretValueOutput{}})
	if _, err := p.Get(context.Background(), "empty"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := p.Get(context.Background(), "#field"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	boom := errors.New("throttled")
	p, _ = NewAWSWithClient(&fakeSecretsManager{err: boom})
	if _, err := p.Get(context.Background(), "id"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped client error, got %v", err)
	}
}

func strPtr(v string) *string { return &v }
