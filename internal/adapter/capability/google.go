package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/jwt"

	"nexa/internal/domain"
	"nexa/internal/infra/logger"
)

const (
	googleTokenURL       = "https://oauth2.googleapis.com/token"
	defaultGoogleTimeout = 20 * time.Second
	maxGoogleBodySize    = 4 * 1024 * 1024
)

// googleSettingsSchema accepts either a "credentials" entry holding the
// service account key, or the key's fields inline.
var googleSettingsSchema = json.RawMessage(`{
	"type": "object",
	"anyOf": [
		{"required": ["credentials"]},
		{"required": ["client_email", "private_key"]}
	],
	"properties": {
		"credentials": {"type": ["object", "string"]},
		"client_email": {"type": "string", "minLength": 1},
		"private_key": {"type": "string", "minLength": 1}
	}
}`)

var errNoServiceAccount = fmt.Errorf("%w: service account information not found in connector settings", domain.ErrCapabilityConfig)

// serviceAccount is the subset of a Google service account key file used to
// mint access tokens.
type serviceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

// serviceAccountFrom reads the key from connector settings. The key may be
// nested under "credentials", as an object or a JSON string, or be the
// settings themselves.
func serviceAccountFrom(settings map[string]any) (*serviceAccount, error) {
	if len(settings) == 0 {
		return nil, errNoServiceAccount
	}

	var raw []byte
	switch creds := settings["credentials"].(type) {
	case string:
		if !json.Valid([]byte(creds)) {
			return nil, fmt.Errorf("%w: the provided settings string is not valid JSON", domain.ErrCapabilityConfig)
		}
		raw = []byte(creds)
	case map[string]any:
		b, err := json.Marshal(creds)
		if err != nil {
			return nil, fmt.Errorf("%w: encode credentials: %v", domain.ErrCapabilityConfig, err)
		}
		raw = b
	case nil:
		b, err := json.Marshal(settings)
		if err != nil {
			return nil, fmt.Errorf("%w: encode settings: %v", domain.ErrCapabilityConfig, err)
		}
		raw = b
	default:
		return nil, errNoServiceAccount
	}

	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("%w: decode service account: %v", domain.ErrCapabilityConfig, err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, errNoServiceAccount
	}
	if sa.TokenURI == "" {
		sa.TokenURI = googleTokenURL
	}
	return &sa, nil
}

// GoogleOptions configures the Google connectors.
type GoogleOptions struct {
	// Endpoint overrides the API base URL.
	Endpoint string
	// HTTPClient carries both token and API requests. Nil builds one with
	// Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// googleAPI is the authenticated GET shared by the Sheets and Drive
// connectors.
type googleAPI struct {
	endpoint string
	base     *http.Client
	logger   *slog.Logger
}

func newGoogleAPI(opts GoogleOptions, defaultEndpoint string) googleAPI {
	if opts.Endpoint == "" {
		opts.Endpoint = defaultEndpoint
	}
	if opts.HTTPClient == nil {
		if opts.Timeout <= 0 {
			opts.Timeout = defaultGoogleTimeout
		}
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return googleAPI{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		base:     opts.HTTPClient,
		logger:   logger.OrDiscard(opts.Logger),
	}
}

// get performs an authenticated GET and returns the status and body.
// Non-2xx responses are returned without error so callers can map them.
func (g googleAPI) get(ctx context.Context, sa *serviceAccount, scope, path string) (int, []byte, error) {
	cfg := &jwt.Config{
		Email:        sa.ClientEmail,
		PrivateKey:   []byte(sa.PrivateKey),
		PrivateKeyID: sa.PrivateKeyID,
		Scopes:       []string{scope},
		TokenURL:     sa.TokenURI,
	}
	client := cfg.Client(context.WithValue(ctx, oauth2.HTTPClient, g.base))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return 0, nil, fmt.Errorf("%w: token exchange rejected: %s", domain.ErrCapabilityConfig, re.Error())
		}
		return 0, nil, fmt.Errorf("google request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGoogleBodySize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// googleAPIError extracts the message from a Google error envelope.
func googleAPIError(status int, body []byte) error {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return fmt.Errorf("google api error (HTTP %d): %s", status, msg)
}
