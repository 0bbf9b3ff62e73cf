package adapter

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
)

// smClient is the narrow consumer-defined interface for Secrets Manager
// operations.
type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ssmClient is the narrow consumer-defined interface for SSM Parameter Store
// operations.
type ssmClient interface {
	GetParameter(ctx context.Context, params *awsssm.GetParameterInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *awsssm.GetParametersByPathInput, optFns ...func(*awsssm.Options)) (*awsssm.GetParametersByPathOutput, error)
}

// Compile-time check: AWSKeyStore implements auth.KeyStore.
var _ auth.KeyStore = (*AWSKeyStore)(nil)

const (
	// publicKeyCacheTTL bounds how stale the public key cache may get.
	publicKeyCacheTTL = 5 * time.Minute

	// unknownKidCooldown throttles SSM refreshes triggered by tokens
	// carrying an unknown kid, so a flood of forged tokens cannot hammer
	// Parameter Store.
	unknownKidCooldown = 30 * time.Second
)

// AWSKeyStoreConfig locates the signing material in AWS.
type AWSKeyStoreConfig struct {
	// SigningKeySecretID is the Secrets Manager secret holding the
	// PEM-encoded RSA private key.
	SigningKeySecretID string

	// KeyIDParameter is the SSM parameter holding the active key ID.
	KeyIDParameter string

	// PublicKeysPath is the SSM path prefix under which each public key is
	// stored at <path><KEY_ID>.
	PublicKeysPath string
}

// AWSKeyStore implements auth.KeyStore by loading the private signing key
// from Secrets Manager and public verification keys from SSM Parameter
// Store.
//
// The signing key is eagerly loaded at construction: the service must not
// start without it. Public keys are cached and refreshed lazily on read, so
// a rotated verification key becomes visible within the cache TTL without a
// restart.
type AWSKeyStore struct {
	ssm   ssmClient
	cfg   AWSKeyStoreConfig
	clock domain.Clock

	privateKey *rsa.PrivateKey
	keyID      string

	mu             sync.RWMutex
	publicKeys     map[string]*rsa.PublicKey
	refreshedAt    time.Time
	lastKidRefresh time.Time
}

// NewAWSKeyStore creates an AWSKeyStore and eagerly loads all keys from AWS.
// The constructor is synchronous; it spawns no goroutines.
func NewAWSKeyStore(ctx context.Context, sm smClient, ssm ssmClient, cfg AWSKeyStoreConfig, clock domain.Clock) (*AWSKeyStore, error) {
	keyIDOut, err := ssm.GetParameter(ctx, &awsssm.GetParameterInput{
		Name: aws.String(cfg.KeyIDParameter),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch active key ID from SSM: %w", err)
	}
	if keyIDOut.Parameter == nil || keyIDOut.Parameter.Value == nil {
		return nil, fmt.Errorf("SSM parameter %s has no value", cfg.KeyIDParameter)
	}
	keyID := *keyIDOut.Parameter.Value

	secretOut, err := sm.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(cfg.SigningKeySecretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch signing key %q from Secrets Manager: %w", cfg.SigningKeySecretID, err)
	}
	if secretOut.SecretString == nil {
		return nil, fmt.Errorf("signing key %q has no secret string", cfg.SigningKeySecretID)
	}

	privateKey, err := parseRSAPrivateKey(*secretOut.SecretString)
	if err != nil {
		return nil, fmt.Errorf("parse private key for key ID %q: %w", keyID, err)
	}

	publicKeys, err := loadPublicKeys(ctx, ssm, cfg.PublicKeysPath)
	if err != nil {
		return nil, fmt.Errorf("load public keys from SSM: %w", err)
	}

	return &AWSKeyStore{
		ssm:         ssm,
		cfg:         cfg,
		clock:       clock,
		privateKey:  privateKey,
		keyID:       keyID,
		publicKeys:  publicKeys,
		refreshedAt: clock.Now(),
	}, nil
}

// SigningKey returns the private signing key and its key ID. The signing key
// is immutable after construction; rotation requires a deploy.
func (ks *AWSKeyStore) SigningKey() (*rsa.PrivateKey, string, error) {
	return ks.privateKey, ks.keyID, nil
}

// PublicKey returns the public key for the given key ID, refreshing the
// cache from SSM when it is stale or when an unknown kid arrives outside the
// refresh cooldown.
//
// The refresh uses context.Background() because auth.KeyStore does not
// accept context on the verification path.
func (ks *AWSKeyStore) PublicKey(kid string) (*rsa.PublicKey, error) {
	ks.mu.RLock()
	pk, ok := ks.publicKeys[kid]
	stale := ks.clock.Now().Sub(ks.refreshedAt) > publicKeyCacheTTL
	cooldown := ks.clock.Now().Sub(ks.lastKidRefresh) <= unknownKidCooldown
	ks.mu.RUnlock()

	if ok && !stale {
		return pk, nil
	}

	if !ok && !stale && cooldown {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}

	if err := ks.refresh(context.Background(), !ok); err != nil {
		return nil, fmt.Errorf("refresh public keys for kid %q: %w", kid, err)
	}

	ks.mu.RLock()
	pk, ok = ks.publicKeys[kid]
	ks.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown key ID %q", kid)
	}
	return pk, nil
}

// refresh reloads the public key cache from SSM. unknownKid marks refreshes
// triggered by an unrecognized key ID for cooldown bookkeeping.
func (ks *AWSKeyStore) refresh(ctx context.Context, unknownKid bool) error {
	publicKeys, err := loadPublicKeys(ctx, ks.ssm, ks.cfg.PublicKeysPath)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.publicKeys = publicKeys
	ks.refreshedAt = ks.clock.Now()
	if unknownKid {
		ks.lastKidRefresh = ks.clock.Now()
	}
	return nil
}

// loadPublicKeys fetches all public key parameters under the SSM path prefix
// and parses each into an *rsa.PublicKey. The key ID is the parameter name
// with the prefix trimmed.
func loadPublicKeys(ctx context.Context, client ssmClient, pathPrefix string) (map[string]*rsa.PublicKey, error) {
	out, err := client.GetParametersByPath(ctx, &awsssm.GetParametersByPathInput{
		Path:      aws.String(pathPrefix),
		Recursive: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetParametersByPath %q: %w", pathPrefix, err)
	}

	publicKeys := make(map[string]*rsa.PublicKey, len(out.Parameters))
	for _, param := range out.Parameters {
		if param.Name == nil || param.Value == nil {
			continue
		}
		kid := strings.TrimPrefix(*param.Name, pathPrefix)
		pk, err := parseRSAPublicKey(*param.Value)
		if err != nil {
			return nil, fmt.Errorf("parse public key for kid %q: %w", kid, err)
		}
		publicKeys[kid] = pk
	}

	return publicKeys, nil
}

// parseRSAPrivateKey parses a PEM-encoded RSA private key in PKCS#1 or
// PKCS#8 format.
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}

	if block.Type == "RSA PRIVATE KEY" {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#1 private key: %w", err)
		}
		return key, nil
	}

	keyIface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
	}

	rsaKey, ok := keyIface.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS#8 key is not RSA (got %T)", keyIface)
	}
	return rsaKey, nil
}

// parseRSAPublicKey parses a PEM-encoded RSA public key in PKIX format.
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in public key data")
	}

	keyIface, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}

	rsaKey, ok := keyIface.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("PKIX key is not RSA (got %T)", keyIface)
	}
	return rsaKey, nil
}
