package superset

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// session is the authentication state of a [Client].
type session struct {
	accessToken  string
	refreshToken string
	csrfToken    string
	// expiresAt is zero when the access token carries no readable expiry.
	expiresAt time.Time
}

// ensureAuthenticated logs in when there is no session and refreshes an
// expired access token, falling back to a fresh login when the refresh
// fails. It returns a snapshot of the session.
func (c *Client) ensureAuthenticated(ctx context.Context) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.accessToken == "" {
		if err := c.authenticate(ctx); err != nil {
			return session{}, err
		}
		return c.session, nil
	}

	if exp := c.session.expiresAt; !exp.IsZero() && !exp.After(c.clock.Now()) {
		log.FromContext(ctx).V(1).Info("access token expired, refreshing")
		if err := c.refresh(ctx); err != nil {
			log.FromContext(ctx).Info("token refresh failed, logging in again", "error", err.Error())
			if err := c.authenticate(ctx); err != nil {
				return session{}, err
			}
		}
	}
	return c.session, nil
}

// resetSession drops the session so that the next request logs in again.
func (c *Client) resetSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = session{}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Provider string `json:"provider"`
	Refresh  bool   `json:"refresh"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type csrfResponse struct {
	Result string `json:"result"`
}

// authenticate logs in with username and password and fetches a CSRF token.
// The caller must hold c.mu.
func (c *Client) authenticate(ctx context.Context) error {
	c.session = session{}

	var tokens tokenResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/security/login", nil, loginRequest{
		Username: c.username,
		Password: c.password,
		Provider: "db",
		Refresh:  true,
	}, &tokens)
	if err != nil {
		return &AuthError{Op: "login", Err: err}
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return &AuthError{Op: "login", Err: errors.New("access or refresh token not received")}
	}

	sess := session{
		accessToken:  tokens.AccessToken,
		refreshToken: tokens.RefreshToken,
		expiresAt:    c.tokenExpiry(ctx, tokens.AccessToken),
	}
	if sess.csrfToken, err = c.fetchCSRF(ctx, sess.accessToken); err != nil {
		return err
	}

	c.session = sess
	log.FromContext(ctx).V(1).Info("authenticated with superset", "url", c.baseURL)
	return nil
}

// refresh exchanges the refresh token for a new access token and fetches a
// new CSRF token. The caller must hold c.mu.
func (c *Client) refresh(ctx context.Context) error {
	if c.session.refreshToken == "" {
		return &AuthError{Op: "refresh", Err: errors.New("no refresh token available")}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.session.refreshToken)

	var tokens tokenResponse
	if err := c.call(ctx, http.MethodPost, "/api/v1/security/refresh", header, nil, &tokens); err != nil {
		return &AuthError{Op: "refresh", Err: err}
	}
	if tokens.AccessToken == "" {
		return &AuthError{Op: "refresh", Err: errors.New("access token not received")}
	}

	csrf, err := c.fetchCSRF(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}

	c.session.accessToken = tokens.AccessToken
	c.session.expiresAt = c.tokenExpiry(ctx, tokens.AccessToken)
	c.session.csrfToken = csrf
	log.FromContext(ctx).V(1).Info("refreshed superset access token")
	return nil
}

func (c *Client) fetchCSRF(ctx context.Context, accessToken string) (string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	var resp csrfResponse
	if err := c.call(ctx, http.MethodGet, csrfPath, header, nil, &resp); err != nil {
		return "", &AuthError{Op: "csrf", Err: err}
	}
	if resp.Result == "" {
		return "", &AuthError{Op: "csrf", Err: errors.New("CSRF token not received")}
	}
	return resp.Result, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// A token that cannot be decoded yields the zero time, meaning the expiry
// is unknown and the token is used until the server rejects it.
func (c *Client) tokenExpiry(ctx context.Context, token string) time.Time {
	exp, err := TokenExpiry(token)
	if err != nil {
		log.FromContext(ctx).Info("failed to decode access token expiry", "error", err.Error())
		return time.Time{}
	}
	return exp
}

// TokenExpiry returns the exp claim of a JWT without verifying the
// signature. It returns the zero time when the claim is absent. Map claims
// are used because Superset issues numeric subjects.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}
