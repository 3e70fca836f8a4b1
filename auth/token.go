// Package auth supplies bearer tokens for channel requests. TokenSource
// implements the listener's CredentialProvider contract: a monotonic refresh
// count, a synchronous refresh against the secure token endpoint, and the
// current id token.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	gojwt "github.com/golang-jwt/jwt/v5"
)

const defaultTokenUrl = "https://securetoken.googleapis.com/v1/token"

// refresh this far ahead of the id token expiry
const defaultRefreshAhead = 5 * time.Minute

var ErrNoRefreshToken = errors.New("no refresh token")

type TokenSourceSettings struct {
	TokenUrl     string
	RefreshAhead time.Duration
	HttpTimeout  time.Duration
}

func DefaultTokenSourceSettings() *TokenSourceSettings {
	return &TokenSourceSettings{
		TokenUrl:     defaultTokenUrl,
		RefreshAhead: defaultRefreshAhead,
		HttpTimeout:  30 * time.Second,
	}
}

type TokenSource struct {
	ctx context.Context

	apiKey   string
	settings *TokenSourceSettings

	client *http.Client

	refreshCount atomic.Int64

	mutex        sync.Mutex
	refreshToken string
	idToken      string
	expiresAt    time.Time
}

func NewTokenSourceWithDefaults(ctx context.Context, apiKey string, refreshToken string) *TokenSource {
	return NewTokenSource(ctx, apiKey, refreshToken, DefaultTokenSourceSettings())
}

func NewTokenSource(
	ctx context.Context,
	apiKey string,
	refreshToken string,
	settings *TokenSourceSettings,
) *TokenSource {
	return &TokenSource{
		ctx:          ctx,
		apiKey:       apiKey,
		settings:     settings,
		refreshToken: refreshToken,
		client: &http.Client{
			Timeout: settings.HttpTimeout,
		},
	}
}

// RefreshCount advances each time the id token is replaced.
func (self *TokenSource) RefreshCount() int64 {
	return self.refreshCount.Load()
}

// BearerToken returns the current id token, empty before the first refresh.
func (self *TokenSource) BearerToken() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.idToken
}

// ExpiresAt returns the expiry of the current id token.
func (self *TokenSource) ExpiresAt() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.expiresAt
}

// Refresh exchanges the refresh token for a fresh id token. When force is
// false and the current token is still comfortably inside its expiry, the
// call is a no-op returning true.
func (self *TokenSource) Refresh(force bool) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !force && self.idToken != "" && self.settings.RefreshAhead < time.Until(self.expiresAt) {
		return true, nil
	}
	if self.refreshToken == "" {
		return false, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", self.refreshToken)

	requestUrl := fmt.Sprintf("%s?key=%s", self.settings.TokenUrl, url.QueryEscape(self.apiKey))
	req, err := http.NewRequestWithContext(self.ctx, "POST", requestUrl, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	r, err := self.client.Do(req)
	if err != nil {
		return false, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return false, err
	}
	if http.StatusOK != r.StatusCode {
		return false, fmt.Errorf("token refresh status %s: %s", r.Status, strings.TrimSpace(string(responseBodyBytes)))
	}

	var grant struct {
		IdToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := json.Unmarshal(responseBodyBytes, &grant); err != nil {
		return false, err
	}
	if grant.IdToken == "" {
		return false, errors.New("token refresh response missing id_token")
	}

	self.idToken = grant.IdToken
	if grant.RefreshToken != "" {
		self.refreshToken = grant.RefreshToken
	}
	self.expiresAt = tokenExpiry(grant.IdToken, grant.ExpiresIn)
	self.refreshCount.Add(1)
	glog.V(1).Infof("[auth]token refreshed, expires %s\n", self.expiresAt.Format(time.RFC3339))
	return true, nil
}

// Subject returns the authenticated user id from the id token claims.
func (self *TokenSource) Subject() (string, error) {
	token := self.BearerToken()
	if token == "" {
		return "", errors.New("no id token")
	}
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", err
	}
	return claims.GetSubject()
}

// tokenExpiry prefers the exp claim of the token itself over the grant's
// expires_in seconds. The token is not verified here; verification belongs
// to the issuing service, this is introspection only.
func tokenExpiry(idToken string, expiresIn string) time.Time {
	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(idToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if seconds, err := strconv.Atoi(expiresIn); err == nil {
		return time.Now().Add(time.Duration(seconds) * time.Second)
	}
	return time.Now().Add(time.Hour)
}
