package keysource

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"google.golang.org/api/option"
)

// SecretsManagerAPI is the subset of the AWS Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SSMAPI is the subset of the AWS SSM client in use.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// AzureSecretsAPI is the subset of the Key Vault secrets client in use.
type AzureSecretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

type awsSecretsManagerFetcher struct {
	once   sync.Once
	client SecretsManagerAPI
	err    error
}

// newAWSSecretsManagerFetcher uses client when given, otherwise the default
// AWS credential chain on first use.
func newAWSSecretsManagerFetcher(client SecretsManagerAPI) *awsSecretsManagerFetcher {
	return &awsSecretsManagerFetcher{client: client}
}

func (f *awsSecretsManagerFetcher) Fetch(ctx context.Context, secretID string) (string, error) {
	f.once.Do(func() {
		if f.client != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		f.client = secretsmanager.NewFromConfig(cfg)
	})
	if f.err != nil {
		return "", f.err
	}

	out, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}
	return *out.SecretString, nil
}

type awsSSMFetcher struct {
	once   sync.Once
	client SSMAPI
	err    error
}

func newAWSSSMFetcher(client SSMAPI) *awsSSMFetcher {
	return &awsSSMFetcher{client: client}
}

func (f *awsSSMFetcher) Fetch(ctx context.Context, name string) (string, error) {
	f.once.Do(func() {
		if f.client != nil {
			return
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			f.err = fmt.Errorf("failed to load AWS config: %w", err)
			return
		}
		f.client = ssm.NewFromConfig(cfg)
	})
	if f.err != nil {
		return "", f.err
	}

	out, err := f.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// gcpAccessFunc reads the payload of a fully qualified secret version.
type gcpAccessFunc func(ctx context.Context, name string) ([]byte, error)

type gcpSecretManagerFetcher struct {
	credentialsFile string

	once   sync.Once
	access gcpAccessFunc
	err    error
}

func newGCPSecretManagerFetcher(credentialsFile string) *gcpSecretManagerFetcher {
	return &gcpSecretManagerFetcher{credentialsFile: credentialsFile}
}

func (f *gcpSecretManagerFetcher) Fetch(ctx context.Context, location string) (string, error) {
	f.once.Do(func() {
		if f.access != nil {
			return
		}
		var opts []option.ClientOption
		if f.credentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(f.credentialsFile))
		}
		client, err := secretmanager.NewClient(ctx, opts...)
		if err != nil {
			f.err = fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
			return
		}
		f.access = func(ctx context.Context, name string) ([]byte, error) {
			resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
			if err != nil {
				return nil, err
			}
			return resp.GetPayload().GetData(), nil
		}
	})
	if f.err != nil {
		return "", f.err
	}

	name, err := gcpVersionName(location)
	if err != nil {
		return "", err
	}
	data, err := f.access(ctx, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// gcpVersionName normalises "projects/p/secrets/s[/versions/v]".
func gcpVersionName(location string) (string, error) {
	parts := strings.Split(strings.Trim(location, "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "secrets":
		return strings.Join(parts, "/") + "/versions/latest", nil
	case len(parts) == 6 && parts[0] == "projects" && parts[2] == "secrets" && parts[4] == "versions":
		return strings.Join(parts, "/"), nil
	default:
		return "", fmt.Errorf("invalid GCP secret name %q: expected projects/<p>/secrets/<s>[/versions/<v>]", location)
	}
}

type azureKeyVaultFetcher struct {
	mu      sync.Mutex
	clients map[string]AzureSecretsAPI
	factory func(vaultURL string) (AzureSecretsAPI, error)
}

// newAzureKeyVaultFetcher uses factory when given, otherwise
// DefaultAzureCredential against the vault named in the reference.
func newAzureKeyVaultFetcher(factory func(vaultURL string) (AzureSecretsAPI, error)) *azureKeyVaultFetcher {
	if factory == nil {
		factory = func(vaultURL string) (AzureSecretsAPI, error) {
			cred, err := azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", err)
			}
			return azsecrets.NewClient(vaultURL, cred, nil)
		}
	}
	return &azureKeyVaultFetcher{
		clients: make(map[string]AzureSecretsAPI),
		factory: factory,
	}
}

func (f *azureKeyVaultFetcher) Fetch(ctx context.Context, location string) (string, error) {
	vaultURL, name, version, err := parseAzureSecretURL(location)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	client, ok := f.clients[vaultURL]
	if !ok {
		client, err = f.factory(vaultURL)
		if err != nil {
			f.mu.Unlock()
			return "", err
		}
		f.clients[vaultURL] = client
	}
	f.mu.Unlock()

	resp, err := client.GetSecret(ctx, name, version, nil)
	if err != nil {
		return "", err
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secret %s has no value", name)
	}
	return *resp.Value, nil
}

// parseAzureSecretURL accepts https://<vault>/<name>[/<version>] and the
// canonical https://<vault>/secrets/<name>[/<version>].
func parseAzureSecretURL(location string) (vaultURL, name, version string, err error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return "", "", "", fmt.Errorf("invalid Key Vault secret URL %q", location)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[0] == "secrets" {
		parts = parts[1:]
	}
	switch len(parts) {
	case 1:
		name = parts[0]
	case 2:
		name, version = parts[0], parts[1]
	default:
		return "", "", "", fmt.Errorf("invalid Key Vault secret URL %q", location)
	}
	if name == "" {
		return "", "", "", fmt.Errorf("invalid Key Vault secret URL %q", location)
	}
	return "https://" + u.Host, name, version, nil
}
