// Package gcp resolves Google service account credentials from the
// environment for the Cloud Storage, Document AI and Vertex AI clients.
package gcp

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"

	"github.com/kirillkom/quote-pipeline/internal/core/domain"
)

const tokenURI = "https://oauth2.googleapis.com/token"

// Credentials mirrors the supported environment variables. The first
// populated source wins: JSON, then base64 JSON, then email and key.
type Credentials struct {
	JSON        string
	B64         string
	ClientEmail string
	PrivateKey  string
	ProjectID   string
}

// ServiceAccountJSON returns the credentials document, or nil when no
// explicit source is set and application default credentials apply.
func (c Credentials) ServiceAccountJSON() ([]byte, error) {
	if raw := strings.TrimSpace(c.JSON); raw != "" {
		return validJSON([]byte(raw), "GOOGLE_APPLICATION_CREDENTIALS_JSON")
	}
	if encoded := strings.TrimSpace(c.B64); encoded != "" {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, invalid("GOOGLE_APPLICATION_CREDENTIALS_B64", err)
		}
		return validJSON(decoded, "GOOGLE_APPLICATION_CREDENTIALS_B64")
	}
	email, key := strings.TrimSpace(c.ClientEmail), strings.TrimSpace(c.PrivateKey)
	if email != "" && key != "" {
		doc := map[string]string{
			"type":         "service_account",
			"client_email": email,
			"private_key":  strings.ReplaceAll(key, `\n`, "\n"),
			"token_uri":    tokenURI,
		}
		if c.ProjectID != "" {
			doc["project_id"] = c.ProjectID
		}
		return json.Marshal(doc)
	}
	return nil, nil
}

// ClientOptions converts the credentials into client options. An empty
// slice means application default credentials.
func (c Credentials) ClientOptions() ([]option.ClientOption, error) {
	raw, err := c.ServiceAccountJSON()
	if err != nil || raw == nil {
		return nil, err
	}
	return []option.ClientOption{option.WithCredentialsJSON(raw)}, nil
}

func validJSON(raw []byte, label string) ([]byte, error) {
	if !json.Valid(raw) {
		return nil, invalid(label, errors.New("not valid json"))
	}
	return raw, nil
}

func invalid(label string, err error) error {
	return domain.WrapError(domain.ErrInvalidConfig, fmt.Sprintf("invalid %s", label), err)
}
