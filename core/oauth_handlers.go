package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// OAuthInitHandler initiates OAuth flow for a given provider
func (a *AuthService) OAuthInitHandler(r *http.Request, provider string) OAuthResponse {
	rc := a.requestContext(r)
	url, err := a.OAuthStart(rc, provider)
	if err != nil {
		return OAuthResponse{
			StatusCode: StatusCodeOf(err),
			Error:      PublicMessage(err, a.debug),
			Code:       KindOf(err).String(),
		}
	}

	return OAuthResponse{
		StatusCode: http.StatusOK,
		URL:        url,
	}
}

// OAuthCallbackHandler handles the provider redirect.
func (a *AuthService) OAuthCallbackHandler(r *http.Request, provider string) OAuthResponse {
	rc := a.requestContext(r)
	query := r.URL.Query()

	if providerErr := query.Get("error"); providerErr != "" {
		slog.Debug("OAuth provider returned error", "provider", provider, "error", providerErr)
		return OAuthResponse{
			StatusCode: http.StatusUnauthorized,
			Error:      "OAuth sign-in was cancelled or denied",
			Code:       KindInvalidCredentials.String(),
		}
	}

	result, isNew, err := a.OAuthCallback(r.Context(), rc, provider, query.Get("state"), query.Get("code"))
	if err != nil {
		if KindOf(err) == KindInternal {
			slog.Error("OAuth callback failed", "provider", provider, "error", err)
		}
		return OAuthResponse{
			StatusCode: StatusCodeOf(err),
			Error:      PublicMessage(err, a.debug),
			Code:       KindOf(err).String(),
		}
	}

	return OAuthResponse{
		StatusCode: http.StatusOK,
		Token:      result.Token,
		User:       result.User,
		IsNewUser:  isNew,
		CSRFToken:  result.CSRFToken,
		session:    result.Session,
	}
}

// fetchOAuthUserInfo loads the provider profile with an authorized client.
func (a *AuthService) fetchOAuthUserInfo(ctx context.Context, client *http.Client, cfg OAuthProviderConfig) (*OAuthUser, error) {
	if cfg.UserInfoURL == "" {
		return nil, fmt.Errorf("no user info URL configured for %s", cfg.Kind)
	}

	body, err := getJSON(ctx, client, cfg.UserInfoURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// Parse response based on provider
	switch cfg.Kind {
	case "google":
		return parseGoogleUser(body)
	case "github":
		return parseGitHubUser(ctx, client, cfg.UserInfoURL, body)
	case "discord":
		return parseDiscordUser(body)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Kind)
	}
}

func getJSON(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// parseGoogleUser parses Google OAuth user information
func parseGoogleUser(body io.Reader) (*OAuthUser, error) {
	var googleUser struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		VerifiedEmail bool   `json:"verified_email"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}

	if err := json.NewDecoder(body).Decode(&googleUser); err != nil {
		return nil, fmt.Errorf("failed to decode Google user: %w", err)
	}
	if !googleUser.VerifiedEmail {
		googleUser.Email = ""
	}

	return &OAuthUser{
		ID:        googleUser.ID,
		Email:     googleUser.Email,
		Name:      googleUser.Name,
		AvatarURL: googleUser.Picture,
	}, nil
}

// parseGitHubUser parses GitHub OAuth user information
func parseGitHubUser(ctx context.Context, client *http.Client, userURL string, body io.Reader) (*OAuthUser, error) {
	var githubUser struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}

	if err := json.NewDecoder(body).Decode(&githubUser); err != nil {
		return nil, fmt.Errorf("failed to decode GitHub user: %w", err)
	}

	// The profile email may be unverified; only trust the emails endpoint.
	email, err := fetchGitHubUserEmail(ctx, client, strings.TrimSuffix(userURL, "/")+"/emails")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch GitHub user email: %w", err)
	}

	return &OAuthUser{
		ID:        fmt.Sprintf("%d", githubUser.ID),
		Email:     email,
		Name:      githubUser.Name,
		Username:  githubUser.Login,
		AvatarURL: githubUser.AvatarURL,
	}, nil
}

// parseDiscordUser parses Discord OAuth user information
func parseDiscordUser(body io.Reader) (*OAuthUser, error) {
	var discordUser struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Verified bool   `json:"verified"`
		Avatar   string `json:"avatar"`
	}

	if err := json.NewDecoder(body).Decode(&discordUser); err != nil {
		return nil, fmt.Errorf("failed to decode Discord user: %w", err)
	}
	if !discordUser.Verified {
		discordUser.Email = ""
	}

	// Construct Discord avatar URL
	avatarURL := ""
	if discordUser.Avatar != "" {
		avatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", discordUser.ID, discordUser.Avatar)
	}

	return &OAuthUser{
		ID:        discordUser.ID,
		Email:     discordUser.Email,
		Username:  discordUser.Username,
		Name:      discordUser.Username, // Discord uses username as display name
		AvatarURL: avatarURL,
	}, nil
}

// fetchGitHubUserEmail fetches primary email from GitHub emails endpoint
func fetchGitHubUserEmail(ctx context.Context, client *http.Client, url string) (string, error) {
	body, err := getJSON(ctx, client, url)
	if err != nil {
		return "", err
	}
	defer body.Close()

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}

	if err := json.NewDecoder(body).Decode(&emails); err != nil {
		return "", fmt.Errorf("failed to decode emails: %w", err)
	}

	// Find primary verified email
	for _, email := range emails {
		if email.Primary && email.Verified {
			return email.Email, nil
		}
	}

	// Find any verified email
	for _, email := range emails {
		if email.Verified {
			return email.Email, nil
		}
	}

	return "", fmt.Errorf("no verified email found")
}
