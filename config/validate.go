package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validatorInstance().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: validate: %w", err)
	}

	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config: backend.base_url must be an http(s) URL, got %q", c.Backend.BaseURL)
		}
	}
	if c.Events.Driver == "nats" && c.Events.NATSURL == "" {
		return fmt.Errorf("config: events.nats_url is required when events.driver=nats")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("config: backend.request_timeout must be positive")
	}
	if c.Backend.GraceWindow <= 0 {
		return fmt.Errorf("config: backend.grace_window must be positive")
	}
	return nil
}

// RequireServer checks what cmd/api needs on top of Validate.
func (c *Config) RequireServer() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url (DATABASE_URL) is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret (JWT_SECRET) is required")
	}
	return nil
}

// RequireClient checks what the API client needs on top of Validate.
func (c *Config) RequireClient() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url (SUPABASE_URL) is required")
	}
	if c.Backend.APIKey == "" {
		return fmt.Errorf("config: backend.api_key (SUPABASE_ANON_KEY) is required")
	}
	return nil
}
