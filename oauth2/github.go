package oauth2

import (
	"context"
	"strconv"

	ac "github.com/panyam/authcore"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

type GithubOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL is the URL to fetch user info from. Defaults to GitHub's API.
	// Can be overridden for testing.
	UserInfoURL string

	// EmailsURL lists the user's addresses, including private ones
	EmailsURL string
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

func NewGithubOAuth2(clientId string, clientSecret string, callbackUrl string, handleProfile HandleProfileFunc) *GithubOAuth2 {
	out := &GithubOAuth2{
		BaseOAuth2:  NewBaseOAuth2(ac.ProviderGithub, clientId, clientSecret, callbackUrl, handleProfile),
		UserInfoURL: "https://api.github.com/user",
		EmailsURL:   "https://api.github.com/user/emails",
	}
	out.oauthConfig.Endpoint = github.Endpoint
	out.oauthConfig.Scopes = []string{
		"read:user", "user:email",
	}
	out.fetchProfile = out.getUserData
	return out
}

func (g *GithubOAuth2) getUserData(ctx context.Context, token *oauth2.Token) (ac.ProviderProfile, error) {
	client := g.getHTTPClient()
	var user githubUser
	if err := getJSON(ctx, client, g.UserInfoURL, token, &user); err != nil {
		return ac.ProviderProfile{}, err
	}
	profile := ac.ProviderProfile{
		Provider:    ac.ProviderGithub,
		Username:    user.Login,
		DisplayName: user.Name,
		AvatarURL:   user.AvatarURL,
	}
	if user.ID != 0 {
		profile.ProviderID = strconv.FormatInt(user.ID, 10)
	}

	var emails []githubEmail
	if err := getJSON(ctx, client, g.EmailsURL, token, &emails); err != nil {
		// The public email on the profile is still good enough
		g.log().Info("github emails unavailable", zap.Error(err))
		if user.Email != "" {
			profile.Emails = []string{user.Email}
		}
		return profile, nil
	}
	profile.Emails = verifiedEmails(emails)
	return profile, nil
}

// verifiedEmails returns verified addresses with the primary one first
func verifiedEmails(emails []githubEmail) []string {
	var out []string
	for _, e := range emails {
		if e.Verified && e.Primary {
			out = append(out, e.Email)
		}
	}
	for _, e := range emails {
		if e.Verified && !e.Primary {
			out = append(out, e.Email)
		}
	}
	return out
}
