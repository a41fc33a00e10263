package service

import (
	"strconv"

	"taskauth/internal/autherr"
	"taskauth/internal/models"
)

// ProviderIdentityVerifier normalizes a provider's raw profile payload into
// the fields federation cares about. Implementations run after the OAuth
// dance itself; they see the already-fetched profile document.
type ProviderIdentityVerifier interface {
	Name() string
	Verify(raw map[string]interface{}) (*models.ProviderProfile, error)
}

type googleVerifier struct{}

// NewGoogleVerifier reads the OpenID Connect userinfo shape: "sub", "email",
// "email_verified", "name", "picture".
func NewGoogleVerifier() ProviderIdentityVerifier {
	return googleVerifier{}
}

func (googleVerifier) Name() string { return "google" }

func (googleVerifier) Verify(raw map[string]interface{}) (*models.ProviderProfile, error) {
	id := stringField(raw, "sub")
	if id == "" {
		return nil, autherr.Validation("provider profile missing subject identifier")
	}
	return &models.ProviderProfile{
		Provider:      "google",
		ProviderID:    id,
		Email:         stringField(raw, "email"),
		EmailVerified: boolField(raw, "email_verified"),
		Name:          stringField(raw, "name"),
		AvatarURL:     stringField(raw, "picture"),
	}, nil
}

type githubVerifier struct{}

// NewGitHubVerifier reads the GitHub user API shape. GitHub only returns
// addresses it has already confirmed, so the email is always treated as
// verified.
func NewGitHubVerifier() ProviderIdentityVerifier {
	return githubVerifier{}
}

func (githubVerifier) Name() string { return "github" }

func (githubVerifier) Verify(raw map[string]interface{}) (*models.ProviderProfile, error) {
	id := stringField(raw, "id")
	if id == "" {
		return nil, autherr.Validation("provider profile missing subject identifier")
	}
	name := stringField(raw, "name")
	if name == "" {
		name = stringField(raw, "login")
	}
	return &models.ProviderProfile{
		Provider:      "github",
		ProviderID:    id,
		Email:         stringField(raw, "email"),
		EmailVerified: true,
		Name:          name,
		AvatarURL:     stringField(raw, "avatar_url"),
	}, nil
}

func stringField(raw map[string]interface{}, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case float64:
		// GitHub sends numeric ids.
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}

func boolField(raw map[string]interface{}, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
