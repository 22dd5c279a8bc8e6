package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/amlakpars/marketplace-auth/internal/authflow/adapter"
	"github.com/amlakpars/marketplace-auth/internal/authflow/app"
	"github.com/amlakpars/marketplace-auth/internal/authflow/port"
	"github.com/amlakpars/marketplace-auth/internal/config"
	"github.com/amlakpars/marketplace-auth/internal/domain"
	"github.com/amlakpars/marketplace-auth/internal/dynamo"
	"github.com/amlakpars/marketplace-auth/internal/otp"
	"github.com/amlakpars/marketplace-auth/internal/redis"
	"github.com/amlakpars/marketplace-auth/internal/server"
	"github.com/amlakpars/marketplace-auth/internal/session"
)

// setup is the authd composition root. It creates infrastructure clients,
// adapters, the auth service, and the HTTP handler.
func setup(ctx context.Context, deps server.SetupDeps) (http.Handler, func(context.Context) error, error) {
	cfg := deps.Config
	logger := deps.Logger

	// 1. Infrastructure clients.
	dynamoClient, err := dynamo.NewClient(ctx, dynamo.Config{
		Endpoint: cfg.DynamoDB.Endpoint,
		Region:   cfg.AWS.Region,
		Timeout:  cfg.DynamoDB.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create dynamo client: %w", err)
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
	challenges := adapter.NewChallengeStore(dynamoClient.DB, cfg.DynamoDB.Challenges, clock)
	directory := adapter.NewIdentityDirectory(dynamoClient.DB, cfg.DynamoDB.Users)
	limiter := adapter.NewRateLimiter(redisClient.RDB)

	// 3. Key store + SMS gateway (environment-dependent).
	keyStore, err := createKeyStore(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create key store: %w", err)
	}

	gateway, err := createSMSGateway(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create sms gateway: %w", err)
	}

	// 4. Session issuer.
	issuer := session.NewIssuer(session.IssuerConfig{
		KeyStore:  keyStore,
		AccessTTL: cfg.Auth.TTL,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		Clock:     clock,
	})

	// 5. Auth service.
	authSvc := app.NewAuthService(app.AuthServiceConfig{
		Challenges: challenges,
		Limiter:    limiter,
		Directory:  directory,
		Sessions:   issuer,
		Gateway:    gateway,
		Clock:      clock,
		Pepper:     domain.SecretBytes(cfg.OTP.Pepper.Expose()),
		Logger:     logger,
		SendLimit:  cfg.OTP.Limit,
		SendWindow: cfg.OTP.Window,
	})

	handler := port.NewAuthHandler(authSvc, logger)

	logger.InfoContext(ctx, "auth service initialized")

	cleanup := func(_ context.Context) error {
		authSvc.Wait()
		return redisClient.Close()
	}

	return handler.Routes(), cleanup, nil
}

// createKeyStore returns the appropriate key store for the environment.
// Local: generates an ephemeral RSA key pair so tokens survive only for the
// process lifetime. Otherwise: loads the PEM signing key from config.
func createKeyStore(cfg *config.Config, logger *slog.Logger) (session.KeyStore, error) {
	if cfg.Auth.SigningKey.IsEmpty() {
		if !cfg.IsLocal() {
			return nil, fmt.Errorf("auth.signingkey is required outside local")
		}
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate dev RSA key: %w", err)
		}
		logger.Info("using ephemeral RSA key for local development",
			slog.String("key_id", "dev-key-001"))
		return session.NewStaticKeyStore(key, "dev-key-001"), nil
	}

	return session.NewKeyStoreFromPEM([]byte(cfg.Auth.SigningKey.Expose()), cfg.Auth.KeyID)
}

// createSMSGateway returns the appropriate SMS gateway for the environment.
// The log gateway writes codes to the log instead of sending real SMS.
func createSMSGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (otp.MessageGateway, error) {
	if cfg.SMS.Provider != "sns" {
		logger.Info("using log-only SMS gateway")
		return adapter.NewLogGateway(logger), nil
	}

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
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var snsOpts []func(*sns.Options)
	if cfg.AWS.Endpoint != "" {
		endpoint := cfg.AWS.Endpoint
		snsOpts = append(snsOpts, func(o *sns.Options) {
			o.BaseEndpoint = &endpoint
		})
	}

	return adapter.NewSNSGateway(sns.NewFromConfig(awsCfg, snsOpts...)), nil
}
