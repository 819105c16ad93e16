package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"unicode/utf8"

	"nexa/internal/domain"
)

const (
	driveEndpoint      = "https://www.googleapis.com"
	driveReadonlyScope = "https://www.googleapis.com/auth/drive.readonly"
)

var _ domain.CapabilityProvider = (*GoogleDrive)(nil)

// GoogleDrive reads text files from Google Drive with a connector's service
// account.
type GoogleDrive struct {
	api googleAPI
}

// NewGoogleDrive creates the google_drive connector type.
func NewGoogleDrive(opts GoogleOptions) *GoogleDrive {
	return &GoogleDrive{api: newGoogleAPI(opts, driveEndpoint)}
}

func (d *GoogleDrive) Key() string                     { return "google_drive" }
func (d *GoogleDrive) FunctionName() string            { return "read_google_drive_file" }
func (d *GoogleDrive) Kind() domain.CapabilityKind     { return domain.CapabilityConnector }
func (d *GoogleDrive) SettingsSchema() json.RawMessage { return googleSettingsSchema }

func (d *GoogleDrive) Description() string {
	return "Reads the content of a specific file from Google Drive. " +
		"This is best for text-based files like .txt, .csv, .md, etc."
}

func (d *GoogleDrive) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_id": {"type": "string", "minLength": 1, "description": "The unique ID of the Google Drive file to read"}
		},
		"required": ["file_id"]
	}`)
}

type driveArgs struct {
	FileID string `json:"file_id"`
}

// Invoke downloads the file. Access and lookup failures are reported as text
// for the model rather than as errors.
func (d *GoogleDrive) Invoke(ctx context.Context, settings map[string]any, args json.RawMessage) (string, error) {
	var p driveArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	sa, err := serviceAccountFrom(settings)
	if err != nil {
		return "", err
	}

	path := "/drive/v3/files/" + url.PathEscape(p.FileID) + "?alt=media&supportsAllDrives=true"
	status, body, err := d.api.get(ctx, sa, driveReadonlyScope, path)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusForbidden:
		return fmt.Sprintf("Error: Permission denied. Make sure the service account has been granted access to the Google Drive file '%s'.", p.FileID), nil
	case status == http.StatusNotFound:
		return fmt.Sprintf("Error: File not found. Please check the file_id '%s'.", p.FileID), nil
	case status < 200 || status > 299:
		return "", googleAPIError(status, body)
	}

	if !utf8.Valid(body) {
		return fmt.Sprintf("Error: Could not decode the file '%s' using UTF-8. It may be a binary file or have a different text encoding.", p.FileID), nil
	}

	d.api.logger.Debug("drive file read", "file_id", p.FileID, "bytes", len(body))
	return fmt.Sprintf("Content from Google Drive file '%s':\n%s", p.FileID, body), nil
}
