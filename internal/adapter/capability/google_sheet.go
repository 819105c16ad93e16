package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nexa/internal/domain"
)

const (
	sheetsEndpoint      = "https://sheets.googleapis.com"
	sheetsReadonlyScope = "https://www.googleapis.com/auth/spreadsheets.readonly"
)

var _ domain.CapabilityProvider = (*GoogleSheet)(nil)

// GoogleSheet reads cell ranges through the Sheets v4 values API.
type GoogleSheet struct {
	api googleAPI
}

// NewGoogleSheet creates the google_sheet connector type.
func NewGoogleSheet(opts GoogleOptions) *GoogleSheet {
	return &GoogleSheet{api: newGoogleAPI(opts, sheetsEndpoint)}
}

func (s *GoogleSheet) Key() string                     { return "google_sheet" }
func (s *GoogleSheet) FunctionName() string            { return "read_google_sheet" }
func (s *GoogleSheet) Kind() domain.CapabilityKind     { return domain.CapabilityConnector }
func (s *GoogleSheet) SettingsSchema() json.RawMessage { return googleSettingsSchema }
func (s *GoogleSheet) Description() string             { return "Read data from a Google Sheet." }

func (s *GoogleSheet) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sheet_id": {"type": "string", "minLength": 1, "description": "The spreadsheet ID from the sheet URL"},
			"range_name": {"type": "string", "minLength": 1, "description": "A1 notation range, e.g. Sheet1!A1:D20"}
		},
		"required": ["sheet_id", "range_name"]
	}`)
}

type sheetArgs struct {
	SheetID   string `json:"sheet_id"`
	RangeName string `json:"range_name"`
}

type valueRange struct {
	Range  string  `json:"range"`
	Values [][]any `json:"values"`
}

// Invoke fetches the range and renders it as tab-separated rows.
func (s *GoogleSheet) Invoke(ctx context.Context, settings map[string]any, args json.RawMessage) (string, error) {
	var p sheetArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	sa, err := serviceAccountFrom(settings)
	if err != nil {
		return "", err
	}

	path := "/v4/spreadsheets/" + url.PathEscape(p.SheetID) + "/values/" + url.PathEscape(p.RangeName)
	status, body, err := s.api.get(ctx, sa, sheetsReadonlyScope, path)
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusForbidden:
		return fmt.Sprintf("Error: Permission denied. Make sure the service account has been granted access to the Google Sheet '%s'.", p.SheetID), nil
	case status == http.StatusNotFound:
		return fmt.Sprintf("Error: Sheet not found. Please check the sheet_id '%s'.", p.SheetID), nil
	case status < 200 || status > 299:
		return "", googleAPIError(status, body)
	}

	var vr valueRange
	if err := json.Unmarshal(body, &vr); err != nil {
		return "", fmt.Errorf("parse values: %w", err)
	}
	if len(vr.Values) == 0 {
		return fmt.Sprintf("The range '%s' of Google Sheet '%s' is empty.", p.RangeName, p.SheetID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Content from Google Sheet '%s' range '%s':\n", p.SheetID, vr.Range)
	for _, row := range vr.Values {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = fmt.Sprint(c)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteByte('\n')
	}

	s.api.logger.Debug("sheet range read", "sheet_id", p.SheetID, "rows", len(vr.Values))
	return sb.String(), nil
}
