package gmail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Scopes requested for the mailbox. Only reading is needed.
var Scopes = []string{gm.GmailReadonlyScope}

// storedToken is the token.json layout written by the Google auth helpers
// of other tools, so existing tokens keep working.
type storedToken struct {
	Token        string   `json:"token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// NewService returns an authenticated Gmail API service
func NewService(ctx context.Context, cfg config.GmailConfig, logger *zap.Logger) (*gm.Service, error) {
	client, err := httpClient(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc, err := gm.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

func tokenPath(cfg config.GmailConfig) string {
	if cfg.TokenPath != "" {
		return cfg.TokenPath
	}
	return filepath.Join(filepath.Dir(cfg.CredentialsPath), "token.json")
}

// httpClient loads the OAuth client from credentials.json and the token from
// token.json. A refreshed token is written back.
func httpClient(ctx context.Context, cfg config.GmailConfig, logger *zap.Logger) (*http.Client, error) {
	data, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials from %s: %v", core.ErrConfigInvalid, cfg.CredentialsPath, err)
	}
	oauthCfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: parse credentials: %v", core.ErrConfigInvalid, err)
	}

	path := tokenPath(cfg)
	token, err := loadToken(path)
	if err != nil {
		return nil, fmt.Errorf("%w: load token from %s: %v", core.ErrAuthExpired, path, err)
	}

	ts := oauthCfg.TokenSource(ctx, token)
	fresh, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %v", core.ErrAuthExpired, err)
	}

	if fresh.AccessToken != token.AccessToken {
		if err := saveToken(path, fresh, oauthCfg); err != nil {
			logger.Warn("Could not save refreshed token", zap.String("path", path), zap.Error(err))
		} else {
			logger.Debug("Saved refreshed token", zap.String("path", path))
		}
	}

	return oauth2.NewClient(ctx, ts), nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if st.Token == "" && st.RefreshToken == "" {
		return nil, errors.New("token file has neither access nor refresh token")
	}

	return &oauth2.Token{
		AccessToken:  st.Token,
		RefreshToken: st.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       parseExpiry(st.Expiry),
	}, nil
}

// parseExpiry accepts ISO 8601 with or without microseconds
func parseExpiry(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05Z",
		time.RFC3339Nano,
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func saveToken(path string, token *oauth2.Token, cfg *oauth2.Config) error {
	data, err := json.MarshalIndent(storedToken{
		Token:        token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenURI:     cfg.Endpoint.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       Scopes,
		Expiry:       token.Expiry.UTC().Format("2006-01-02T15:04:05.999999Z"),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
