package controlplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	ciptypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/rs/zerolog"

	"github.com/rsna-anonymizer/dicomcore/internal/config"
	"github.com/rsna-anonymizer/dicomcore/internal/logging"
)

// refreshMargin is the spec §4.H threshold: credentials are refreshed
// once fewer than this much time remains before expiry.
const refreshMargin = 300 * time.Second

// Authenticator implements AWS_authenticate (spec §4.H): it signs in
// against a Cognito user pool with username/password, exchanges the
// resulting ID token for identity-pool credentials, and transparently
// refreshes them as they approach expiry. It satisfies
// aws.CredentialsProvider, so it can be handed straight to
// export.NewS3Client.
type Authenticator struct {
	cfg config.AWSCognito

	mu          sync.Mutex
	creds       aws.Credentials
	idpClient   *cognitoidentityprovider.Client
	identClient *cognitoidentity.Client
	log         zerolog.Logger
}

// NewAuthenticator builds an Authenticator from the project model's
// AWS Cognito section. The returned value does not contact AWS until
// Retrieve or Credentials is first called.
func NewAuthenticator(cfg config.AWSCognito) *Authenticator {
	return &Authenticator{cfg: cfg, log: logging.For("controlplane.auth")}
}

func (a *Authenticator) clients(ctx context.Context) error {
	if a.idpClient != nil && a.identClient != nil {
		return nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(a.cfg.RegionName))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	a.idpClient = cognitoidentityprovider.NewFromConfig(awsCfg)
	a.identClient = cognitoidentity.NewFromConfig(awsCfg)
	return nil
}

// Retrieve implements aws.CredentialsProvider. It returns the cached
// credentials if they are still valid for more than refreshMargin, and
// otherwise runs the full sign-in/exchange flow again.
func (a *Authenticator) Retrieve(ctx context.Context) (aws.Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.creds.HasKeys() && time.Until(a.creds.Expires) > refreshMargin {
		return a.creds, nil
	}

	creds, err := a.authenticate(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	a.creds = creds
	return creds, nil
}

// authenticate runs the identity-pool flow: USER_PASSWORD_AUTH against
// the configured user pool to obtain an ID token, GetId to resolve the
// identity, then GetCredentialsForIdentity keyed on that ID token.
func (a *Authenticator) authenticate(ctx context.Context) (aws.Credentials, error) {
	if err := a.clients(ctx); err != nil {
		return aws.Credentials{}, err
	}
	if a.cfg.Username == "" || a.cfg.Password == "" {
		return aws.Credentials{}, fmt.Errorf("aws cognito username/password not set (AWS_COGNITO_USERNAME/AWS_COGNITO_PASSWORD)")
	}

	authOut, err := a.idpClient.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: ciptypes.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(a.cfg.AppClientID),
		AuthParameters: map[string]string{
			"USERNAME": a.cfg.Username,
			"PASSWORD": a.cfg.Password,
		},
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("cognito initiate auth: %w", err)
	}
	if authOut.AuthenticationResult == nil || authOut.AuthenticationResult.IdToken == nil {
		return aws.Credentials{}, fmt.Errorf("cognito initiate auth: no authentication result (challenge %q pending)", authOut.ChallengeName)
	}
	idToken := *authOut.AuthenticationResult.IdToken

	loginKey := fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", a.cfg.RegionName, a.cfg.UserPoolID)
	logins := map[string]string{loginKey: idToken}

	idOut, err := a.identClient.GetId(ctx, &cognitoidentity.GetIdInput{
		AccountId:      aws.String(a.cfg.AccountID),
		IdentityPoolId: aws.String(a.cfg.IdentityPoolID),
		Logins:         logins,
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("cognito get id: %w", err)
	}

	credOut, err := a.identClient.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: idOut.IdentityId,
		Logins:     logins,
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("cognito get credentials for identity: %w", err)
	}
	c := credOut.Credentials
	if c == nil {
		return aws.Credentials{}, fmt.Errorf("cognito get credentials for identity: empty response")
	}

	var expires time.Time
	if c.Expiration != nil {
		expires = *c.Expiration
	} else {
		expires = time.Now().Add(refreshMargin)
	}

	a.log.Info().Str("identity_id", aws.ToString(idOut.IdentityId)).Time("expires", expires).Msg("aws cognito credentials refreshed")

	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Source:          "CognitoIdentityPool",
		CanExpire:       true,
		Expires:         expires,
	}, nil
}
