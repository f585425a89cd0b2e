package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrInvalidProviderConfig = errors.New("auth: invalid provider client config")
	// ErrProviderRequest indicates a non-success response from the identity provider.
	ErrProviderRequest = errors.New("auth: identity provider request failed")
)

const maxProviderErrorBody = 2048

// ProviderClientConfig configures calls to the identity provider's REST API.
type ProviderClientConfig struct {
	BaseURL    string
	AnonKey    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ProviderClient issues magic links and patches user records at the identity provider.
type ProviderClient struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProviderClient constructs a ProviderClient.
func NewProviderClient(cfg ProviderClientConfig) (*ProviderClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url required", ErrInvalidProviderConfig)
	}
	if strings.TrimSpace(cfg.AnonKey) == "" {
		return nil, fmt.Errorf("%w: anon key required", ErrInvalidProviderConfig)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderClient{
		baseURL:    baseURL,
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// MagicLinkRequest describes a one-time login email.
type MagicLinkRequest struct {
	Email       string
	RedirectURL string
	Metadata    IdentityMetadata
}

type otpPayload struct {
	Email      string             `json:"email"`
	CreateUser bool               `json:"create_user"`
	Data       UserMetadataClaims `json:"data"`
}

// SendMagicLink asks the provider to email a one-time login link.
func (c *ProviderClient) SendMagicLink(ctx context.Context, request MagicLinkRequest) error {
	email := NormalizeEmail(request.Email)
	if email == "" {
		return fmt.Errorf("%w: email required", ErrProviderRequest)
	}
	endpoint := c.baseURL + "/auth/v1/otp"
	if request.RedirectURL != "" {
		endpoint += "?redirect_to=" + url.QueryEscape(request.RedirectURL)
	}
	payload := otpPayload{
		Email:      email,
		CreateUser: true,
		Data: UserMetadataClaims{
			Role:          request.Metadata.RoleName,
			ApplicationID: request.Metadata.ApplicationID,
			FullName:      request.Metadata.FullName,
		},
	}
	return c.do(ctx, http.MethodPost, endpoint, "", payload)
}

// UserUpdate describes a self-service user update performed with the user's own token.
type UserUpdate struct {
	Password    string
	PasswordSet bool
	FullName    string
}

type userUpdatePayload struct {
	Password string             `json:"password,omitempty"`
	Data     UserMetadataClaims `json:"data"`
}

// UpdateUser patches the authenticated user's password and metadata.
func (c *ProviderClient) UpdateUser(ctx context.Context, accessToken string, update UserUpdate) error {
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("%w: access token required", ErrProviderRequest)
	}
	payload := userUpdatePayload{
		Password: update.Password,
		Data: UserMetadataClaims{
			PasswordSet: update.PasswordSet,
			FullName:    update.FullName,
		},
	}
	return c.do(ctx, http.MethodPut, c.baseURL+"/auth/v1/user", accessToken, payload)
}

func (c *ProviderClient) do(ctx context.Context, method, endpoint, bearer string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderRequest, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(response.Body, maxProviderErrorBody))
	c.logger.Warn("identity provider request rejected",
		zap.String("method", method),
		zap.String("path", req.URL.Path),
		zap.Int("status", response.StatusCode))
	return fmt.Errorf("%w: status %d: %s", ErrProviderRequest, response.StatusCode, strings.TrimSpace(string(detail)))
}
