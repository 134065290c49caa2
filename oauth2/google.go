package oauth2

import (
	"context"

	ac "github.com/panyam/authcore"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

type GoogleOAuth2 struct {
	*BaseOAuth2

	// UserInfoURL is the URL to fetch user info from. Defaults to Google's API.
	// Can be overridden for testing.
	UserInfoURL string
}

type googleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	Picture       string `json:"picture"`
}

func NewGoogleOAuth2(clientId string, clientSecret string, callbackUrl string, handleProfile HandleProfileFunc) *GoogleOAuth2 {
	out := &GoogleOAuth2{
		BaseOAuth2:  NewBaseOAuth2(ac.ProviderGoogle, clientId, clientSecret, callbackUrl, handleProfile),
		UserInfoURL: "https://www.googleapis.com/oauth2/v2/userinfo",
	}
	out.oauthConfig.Endpoint = google.Endpoint
	out.oauthConfig.Scopes = []string{
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	}
	out.fetchProfile = out.getUserData
	return out
}

// getUserData only passes on the email when Google has verified it, so an
// unverified address can never be linked to an existing account.
func (g *GoogleOAuth2) getUserData(ctx context.Context, token *oauth2.Token) (ac.ProviderProfile, error) {
	var user googleUser
	if err := getJSON(ctx, g.getHTTPClient(), g.UserInfoURL, token, &user); err != nil {
		return ac.ProviderProfile{}, err
	}
	profile := ac.ProviderProfile{
		Provider:    ac.ProviderGoogle,
		ProviderID:  user.ID,
		DisplayName: user.Name,
		FirstName:   user.GivenName,
		LastName:    user.FamilyName,
		AvatarURL:   user.Picture,
	}
	if user.Email != "" && user.VerifiedEmail {
		profile.Emails = []string{user.Email}
	}
	return profile, nil
}
