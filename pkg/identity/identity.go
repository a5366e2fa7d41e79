// Package identity verifies cloud credentials against the AWS Security Token
// Service before they are used to run reports.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/txn2/cost-report-runner/pkg/engine"
)

var (
	// ErrMissingCredentials is returned when the access key or secret is empty.
	ErrMissingCredentials = errors.New("access key and secret key are required")

	// ErrInvalidCredentials is returned when AWS rejects the credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DefaultTimeout bounds one identity check.
const DefaultTimeout = 15 * time.Second

// Identity is the caller identity behind a set of credentials.
type Identity struct {
	AccountID string `json:"account_id"`
	ARN       string `json:"user_arn"`
	UserID    string `json:"user_id,omitempty"`
}

// Checker resolves the identity behind credentials.
type Checker interface {
	Check(ctx context.Context, creds engine.Credentials) (Identity, error)
}

// callerIdentityAPI is the part of the STS client used here.
type callerIdentityAPI interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Config configures an STSChecker.
type Config struct {
	// Endpoint overrides the STS endpoint, e.g. for a regional or local
	// endpoint.
	Endpoint string

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

// STSChecker calls sts:GetCallerIdentity with the supplied credentials only.
// Host credentials are never consulted.
type STSChecker struct {
	cfg       Config
	logger    *slog.Logger
	newClient func(aws.Config, Config) callerIdentityAPI
}

// NewSTSChecker creates an STSChecker.
func NewSTSChecker(cfg Config, logger *slog.Logger) *STSChecker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &STSChecker{cfg: cfg, logger: logger, newClient: newSTSClient}
}

func newSTSClient(awsCfg aws.Config, cfg Config) callerIdentityAPI {
	return sts.NewFromConfig(awsCfg, func(o *sts.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

// Check returns the identity behind creds. Credentials rejected by AWS yield
// ErrInvalidCredentials; transport and configuration problems are returned
// as-is.
func (c *STSChecker) Check(ctx context.Context, creds engine.Credentials) (Identity, error) {
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Identity{}, ErrMissingCredentials
	}
	region := creds.Region
	if region == "" {
		region = engine.DefaultRegion
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("loading aws config: %w", err)
	}

	out, err := c.newClient(awsCfg, c.cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return Identity{}, classify(err)
	}

	id := Identity{
		AccountID: aws.ToString(out.Account),
		ARN:       aws.ToString(out.Arn),
		UserID:    aws.ToString(out.UserId),
	}
	c.logger.Debug("caller identity resolved", "account_id", id.AccountID, "arn", id.ARN)
	return id, nil
}

func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s", ErrInvalidCredentials, apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return fmt.Errorf("calling sts: %w", err)
}

// Verify interface compliance.
var _ Checker = (*STSChecker)(nil)
