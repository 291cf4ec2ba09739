// Package auth keeps the OneDrive OAuth2 credential on disk and hands out
// fresh access tokens, refreshing them through the Microsoft identity
// platform when they expire.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const (
	tokensFile         = ".tokens.json"
	verifierFile       = ".code_verifier"
	codeVerifierMaxAge = 15 * time.Minute

	// DefaultRedirectURI is the native-client redirect registered for
	// desktop applications.
	DefaultRedirectURI = "https://login.microsoftonline.com/common/oauth2/nativeclient"
	defaultProfileURL  = "https://graph.microsoft.com/v1.0/me"
)

// DefaultScopes grants read/write access to the user's files.
var DefaultScopes = []string{"Files.ReadWrite.All", "User.Read", "offline_access"}

var (
	// ErrNotConnected means no credential has been stored yet.
	ErrNotConnected = errors.New("not connected, run login first")
	// ErrReauthRequired means the stored refresh token is no longer accepted.
	ErrReauthRequired = errors.New("re-authentication required")
)

// Config configures a FileAuthoriser.
type Config struct {
	ClientID    string
	RedirectURI string   // Defaults to DefaultRedirectURI
	Dir         string   // Directory holding the token and verifier files
	TokenFile   string   // Defaults to .tokens.json inside Dir
	Scopes      []string // Defaults to DefaultScopes
	Endpoint    oauth2.Endpoint
	ProfileURL  string // Defaults to the Graph /me endpoint
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Status describes the stored credential.
type Status struct {
	Connected    bool
	NeedsReauth  bool
	AccountName  string
	AccountEmail string
	Expiry       time.Time
}

// tokens is the on-disk form of the credential
type tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    string `json:"expiresAt"`
	AccountName  string `json:"accountName"`
	AccountEmail string `json:"accountEmail"`
}

// FileAuthoriser implements provider.Authoriser on top of a token file.
type FileAuthoriser struct {
	oauth      *oauth2.Config
	dir        string
	tokenFile  string
	profileURL string
	httpClient *http.Client
	logger     *zap.Logger
	tokenMutex sync.Mutex
}

// New creates a FileAuthoriser and clears any stale code verifier left by
// an abandoned login.
func New(cfg Config) (*FileAuthoriser, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OneDrive client ID not configured")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("token directory not configured")
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = filepath.Join(cfg.Dir, tokensFile)
	}
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = microsoft.AzureADEndpoint("consumers")
	}
	if cfg.Endpoint.AuthStyle == oauth2.AuthStyleAutoDetect {
		cfg.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = defaultProfileURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	a := &FileAuthoriser{
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint:    cfg.Endpoint,
		},
		dir:        cfg.Dir,
		tokenFile:  cfg.TokenFile,
		profileURL: cfg.ProfileURL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.Named("auth"),
	}
	a.cleanupStaleCodeVerifier()
	return a, nil
}

func (a *FileAuthoriser) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// AuthURL starts a PKCE login and returns the URL the user must visit.
func (a *FileAuthoriser) AuthURL() (string, error) {
	verifier := oauth2.GenerateVerifier()
	if err := a.storeCodeVerifier(verifier); err != nil {
		return "", fmt.Errorf("failed to store code verifier: %w", err)
	}

	return a.oauth.AuthCodeURL("",
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("response_mode", "query"),
	), nil
}

// Exchange completes a login with the authorization code returned to the
// redirect URI and stores the resulting credential.
func (a *FileAuthoriser) Exchange(ctx context.Context, code string) error {
	verifier, err := a.loadCodeVerifier()
	if err != nil {
		return fmt.Errorf("failed to load code verifier: %w", err)
	}

	tok, err := a.oauth.Exchange(a.withClient(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("failed to exchange code for tokens: %w", err)
	}

	stored := fromOAuth(tok)

	// Profile details are informational only
	name, email, err := a.getUserProfile(ctx, tok.AccessToken)
	if err != nil {
		a.logger.Warn("failed to fetch account profile", zap.Error(err))
	}
	stored.AccountName = name
	stored.AccountEmail = email

	a.tokenMutex.Lock()
	defer a.tokenMutex.Unlock()
	if err := a.storeTokens(stored); err != nil {
		return fmt.Errorf("failed to store tokens: %w", err)
	}

	a.deleteCodeVerifier()
	a.logger.Info("connected", zap.String("account", email))
	return nil
}

// AccessToken returns a valid access token, refreshing and persisting the
// credential when the stored one has expired.
func (a *FileAuthoriser) AccessToken(ctx context.Context) (string, error) {
	a.tokenMutex.Lock()
	defer a.tokenMutex.Unlock()

	t, err := a.loadTokens()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	if t.AccessToken == "" && t.RefreshToken == "" {
		return "", ErrNotConnected
	}

	current, err := t.toOAuth()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}
	if current.Valid() {
		return current.AccessToken, nil
	}

	if current.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired and no refresh token", ErrReauthRequired)
	}

	fresh, err := a.oauth.TokenSource(a.withClient(ctx), current).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return "", fmt.Errorf("%w: refresh token is invalid", ErrReauthRequired)
		}
		return "", fmt.Errorf("refresh failed: %w", err)
	}

	refreshed := fromOAuth(fresh)
	refreshed.AccountName = t.AccountName
	refreshed.AccountEmail = t.AccountEmail
	if err := a.storeTokens(refreshed); err != nil {
		return "", fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	a.logger.Debug("refreshed access token", zap.Time("expiry", fresh.Expiry))
	return fresh.AccessToken, nil
}

// Status reports the stored credential. With attemptRefresh it also
// verifies that a token can actually be obtained.
func (a *FileAuthoriser) Status(ctx context.Context, attemptRefresh bool) Status {
	var status Status

	a.tokenMutex.Lock()
	t, err := a.loadTokens()
	a.tokenMutex.Unlock()
	if err != nil || t.AccessToken == "" || t.RefreshToken == "" {
		return status
	}

	tok, err := t.toOAuth()
	if err != nil {
		status.NeedsReauth = true
		return status
	}

	status.Connected = true
	status.AccountName = t.AccountName
	status.AccountEmail = t.AccountEmail
	status.Expiry = tok.Expiry

	if attemptRefresh {
		if _, err := a.AccessToken(ctx); err != nil {
			status.NeedsReauth = true
		}
	}
	return status
}

// Disconnect forgets the stored credential.
func (a *FileAuthoriser) Disconnect() error {
	a.tokenMutex.Lock()
	defer a.tokenMutex.Unlock()

	if err := os.Remove(a.tokensPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	a.deleteCodeVerifier()
	return nil
}

// ============ PRIVATE HELPERS (token management) ============

func fromOAuth(tok *oauth2.Token) *tokens {
	t := &tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		t.ExpiresAt = tok.Expiry.UTC().Format(time.RFC3339)
	}
	return t
}

func (t *tokens) toOAuth() (*oauth2.Token, error) {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
	}
	if t.ExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, t.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry time %q", t.ExpiresAt)
		}
		tok.Expiry = expiry
	}
	return tok, nil
}

func (a *FileAuthoriser) tokensPath() string {
	return a.tokenFile
}

func (a *FileAuthoriser) loadTokens() (*tokens, error) {
	data, err := os.ReadFile(a.tokensPath())
	if err != nil {
		return nil, err
	}
	var t tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *FileAuthoriser) storeTokens(t *tokens) error {
	if err := os.MkdirAll(filepath.Dir(a.tokenFile), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.tokensPath(), data, 0600)
}

func (a *FileAuthoriser) getUserProfile(ctx context.Context, accessToken string) (name, email string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.profileURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to get user profile: status %d", resp.StatusCode)
	}

	var profile struct {
		DisplayName       string `json:"displayName"`
		UserPrincipalName string `json:"userPrincipalName"`
		Mail              string `json:"mail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return "", "", err
	}

	email = profile.Mail
	if email == "" {
		email = profile.UserPrincipalName
	}
	return profile.DisplayName, email, nil
}

func (a *FileAuthoriser) verifierPath() string {
	return filepath.Join(a.dir, verifierFile)
}

func (a *FileAuthoriser) storeCodeVerifier(verifier string) error {
	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(a.verifierPath(), []byte(verifier), 0600)
}

func (a *FileAuthoriser) loadCodeVerifier() (string, error) {
	stat, err := os.Stat(a.verifierPath())
	if err != nil {
		return "", err
	}
	if time.Since(stat.ModTime()) > codeVerifierMaxAge {
		os.Remove(a.verifierPath())
		return "", fmt.Errorf("code verifier expired")
	}

	data, err := os.ReadFile(a.verifierPath())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (a *FileAuthoriser) deleteCodeVerifier() {
	os.Remove(a.verifierPath())
}

func (a *FileAuthoriser) cleanupStaleCodeVerifier() {
	stat, err := os.Stat(a.verifierPath())
	if err != nil {
		return
	}
	if time.Since(stat.ModTime()) > codeVerifierMaxAge {
		os.Remove(a.verifierPath())
		a.logger.Info("cleaned up stale code verifier")
	}
}
