package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/authsvc/adapter"
	"github.com/glowdesk/salon-platform/internal/authsvc/app"
	"github.com/glowdesk/salon-platform/internal/authsvc/port"
	"github.com/glowdesk/salon-platform/internal/config"
	"github.com/glowdesk/salon-platform/internal/domain"
	"github.com/glowdesk/salon-platform/internal/dynamo"
	"github.com/glowdesk/salon-platform/internal/redis"
	"github.com/glowdesk/salon-platform/internal/server"
)

// devPepper is the OTP HMAC pepper used in local development.
// Production requires otp.pepper from the environment.
var devPepper = []byte("local-dev-pepper-32-bytes-ok!!")

// setup is the authsvc composition root. It creates infrastructure clients,
// adapters, the auth core, and the HTTP handler.
func setup(ctx context.Context, deps server.SetupDeps) (http.Handler, server.CleanupFunc, error) {
	cfg := deps.Config
	logger := deps.Logger

	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("authsvc setup: create dynamo client: %w", err)
	}

	redisClient := redis.NewClient(redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		ReadTimeout:  cfg.Redis.Timeout,
		WriteTimeout: cfg.Redis.Timeout,
	})

	// 2. Adapters.
	clock := domain.RealClock{}
	challengeStore := adapter.NewChallengeStore(dynamoClient.DB, cfg.DynamoDB.ChallengesTable)
	sessionStore := adapter.NewSessionStore(dynamoClient.DB, cfg.DynamoDB.SessionsTable)
	tokenStore := adapter.NewRefreshTokenStore(dynamoClient.DB, cfg.DynamoDB.RefreshTokensTable)
	userStore := adapter.NewUserStore(dynamoClient.DB, cfg.DynamoDB.UsersTable)
	tenantStore := adapter.NewTenantStore(dynamoClient.DB, cfg.DynamoDB.TenantsTable)
	transactor := adapter.NewTransactor(dynamoClient.DB, adapter.TransactorTables{
		Users:         cfg.DynamoDB.UsersTable,
		Tenants:       cfg.DynamoDB.TenantsTable,
		Sessions:      cfg.DynamoDB.SessionsTable,
		RefreshTokens: cfg.DynamoDB.RefreshTokensTable,
	})
	rateLimiter := adapter.NewRateLimiter(redisClient.RDB)

	// 3. Key store + SMS provider (environment-dependent).
	keyStore, err := createKeyStore(ctx, cfg, clock, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("authsvc setup: create key store: %w", err)
	}

	smsProvider, err := createSMSProvider(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("authsvc setup: create sms provider: %w", err)
	}

	// 4. Auth core.
	minter := auth.NewMinter(auth.MinterConfig{
		KeyStore:   keyStore,
		AccessTTLs: cfg.AccessTTLs(),
		Issuer:     cfg.AuthSvc.Issuer,
		Audience:   cfg.AuthSvc.Audience,
		Clock:      clock,
	})

	resolvers := app.NewSurfaceResolvers(app.ResolverDeps{
		Users:         userStore,
		Tenants:       tenantStore,
		Transactor:    transactor,
		Clock:         clock,
		AllowedPhones: cfg.Admin.AllowedPhones,
	})

	// 5. Auth service.
	authSvc := app.NewAuthService(app.AuthServiceConfig{
		Challenges:    challengeStore,
		Sessions:      sessionStore,
		RefreshTokens: tokenStore,
		Users:         userStore,
		Transactor:    transactor,
		RateLimiter:   rateLimiter,
		Resolvers:     resolvers,
		SMSProvider:   smsProvider,
		Minter:        minter,
		Clock:         clock,
		Pepper:        pepper(cfg, logger),
		OTPPolicy: app.OTPPolicy{
			TTL:         cfg.OTP.TTL,
			MaxAttempts: cfg.OTP.MaxAttempts,
			MaxResends:  cfg.OTP.MaxResends,
		},
		RefreshTTLs: cfg.RefreshTTLs(),
		Logger:      logger,
	})

	handler := port.NewAuthHandler(authSvc, logger)

	logger.InfoContext(ctx, "authsvc initialized",
		slog.String("environment", cfg.Environment),
	)

	cleanup := func(_ context.Context) error {
		authSvc.Wait()
		return redisClient.Close()
	}

	return handler.Routes(), cleanup, nil
}

// pepper returns the OTP HMAC pepper. Local falls back to a compiled dev
// value; config validation guarantees the real one outside local.
func pepper(cfg *config.Config, logger *slog.Logger) []byte {
	if cfg.OTP.Pepper.IsEmpty() {
		logger.Warn("using compiled dev pepper, local only")
		return devPepper
	}
	return []byte(cfg.OTP.Pepper.Expose())
}

// createKeyStore returns the key store for the environment.
// Local: ephemeral RSA key pair, no AWS dependency; tokens do not survive a
// restart. Production: Secrets Manager private key + SSM public keys.
func createKeyStore(ctx context.Context, cfg *config.Config, clock domain.Clock, logger *slog.Logger) (auth.KeyStore, error) {
	if cfg.IsLocal() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development", slog.String("key_id", "dev-key-001"))
		return auth.NewStaticKeyStore(key, "dev-key-001"), nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	smClient := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})
	ssmClient := awsssm.NewFromConfig(awsCfg, func(o *awsssm.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	return adapter.NewAWSKeyStore(ctx, smClient, ssmClient, adapter.AWSKeyStoreConfig{
		SigningKeySecretID: cfg.AWS.SigningKeySecretID,
		KeyIDParameter:     cfg.AWS.SigningKeyIDParam,
		PublicKeysPath:     cfg.AWS.PublicKeysPath,
	}, clock)
}

// createSMSProvider returns the SMS provider for the environment.
// Local: logs OTPs instead of sending real SMS. Production: Amazon SNS.
func createSMSProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (auth.SMSProvider, error) {
	if cfg.IsLocal() {
		logger.Info("using log-only SMS provider for local development")
		return adapter.NewLogSMSProvider(logger), nil
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	snsClient := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	return adapter.NewSNSSMSProvider(snsClient, cfg.SMS.SenderID), nil
}

// loadAWSConfig builds the shared AWS SDK config. A non-empty endpoint
// switches to static test credentials for LocalStack.
func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("test", "test", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}
