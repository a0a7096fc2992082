package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
)

// AWSBackend reads one Secrets Manager secret whose SecretString is a JSON
// object, and returns the field named like the requested secret.
type AWSBackend struct {
	SecretName string
	Region     string

	// Client is created from the default credential chain when nil.
	Client secretsmanageriface.SecretsManagerAPI

	mu sync.Mutex
}

func (b *AWSBackend) Source() Source { return SourceCloudSecretManager }

func (b *AWSBackend) Ready() bool { return b.SecretName != "" }

func (b *AWSBackend) Lookup(ctx context.Context, name string) (string, error) {
	client, err := b.getClient()
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValueWithContext(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.SecretName),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == secretsmanager.ErrCodeResourceNotFoundException {
			return "", nil
		}
		return "", fmt.Errorf("get secret value %s: %w", b.SecretName, err)
	}
	if out.SecretString == nil {
		return "", nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", b.SecretName, err)
	}

	switch v := fields[name].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (b *AWSBackend) getClient() (secretsmanageriface.SecretsManagerAPI, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Client != nil {
		return b.Client, nil
	}

	awsCfg := aws.NewConfig()
	if b.Region != "" {
		awsCfg = awsCfg.WithRegion(b.Region)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	b.Client = secretsmanager.New(sess)
	return b.Client, nil
}
