package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailshield/threat-pipeline/internal/config"
	"github.com/mailshield/threat-pipeline/internal/pkg/httpretry"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

const gmailBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"

// Gmail's label palette only accepts specific hex values; these are the
// closest matches to the verdict colors.
var labelColors = map[string]labelColor{
	"MALICIOUS": {Background: "#cc3a21", Text: "#ffffff"},
	"CAUTIOUS":  {Background: "#ffad47", Text: "#000000"},
	"SAFE":      {Background: "#16a766", Text: "#ffffff"},
}

type labelColor struct {
	Background string `json:"backgroundColor"`
	Text       string `json:"textColor"`
}

// GmailProvider talks to the Gmail REST API with an OAuth2 refresh-token
// credential. All calls go through the retrying HTTP client.
type GmailProvider struct {
	client  httpretry.HTTPDoer
	baseURL string
}

// NewGmailProvider builds a provider from OAuth2 credentials. The token
// source refreshes access tokens transparently.
func NewGmailProvider(cfg config.GmailConfig) *GmailProvider {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
	base := oauthCfg.Client(context.Background(), &oauth2.Token{
		RefreshToken: cfg.RefreshToken,
	})
	base.Timeout = 30 * time.Second

	return &GmailProvider{
		client:  httpretry.NewRetryClient(base, 3),
		baseURL: gmailBaseURL,
	}
}

// EnsureLabel creates the label if it doesn't exist and returns its id.
// Gmail answers 409 for an existing name; that resolves to a list lookup.
func (g *GmailProvider) EnsureLabel(ctx context.Context, name string) (string, error) {
	body := map[string]interface{}{
		"name":                  name,
		"labelListVisibility":   "labelShow",
		"messageListVisibility": "show",
	}
	for suffix, color := range labelColors {
		if strings.HasSuffix(name, suffix) {
			body["color"] = color
			break
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	status, err := g.call(ctx, http.MethodPost, "/labels", body, &created)
	if err != nil {
		return "", err
	}
	switch {
	case status == http.StatusConflict:
		return g.findLabel(ctx, name)
	case status >= 300:
		return "", fmt.Errorf("create label %q: status %d", name, status)
	}
	logger.Info("created mailbox label", "label", name, "label_id", created.ID)
	return created.ID, nil
}

func (g *GmailProvider) findLabel(ctx context.Context, name string) (string, error) {
	var list struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"labels"`
	}
	status, err := g.call(ctx, http.MethodGet, "/labels", nil, &list)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("list labels: status %d", status)
	}
	for _, l := range list.Labels {
		if l.Name == name {
			return l.ID, nil
		}
	}
	return "", fmt.Errorf("label %q not found after conflict", name)
}

// ModifyLabels applies a label change to one message.
func (g *GmailProvider) ModifyLabels(ctx context.Context, messageID string, change LabelChange) error {
	body := map[string]interface{}{}
	if len(change.AddLabelIDs) > 0 {
		body["addLabelIds"] = change.AddLabelIDs
	}
	if len(change.RemoveLabelIDs) > 0 {
		body["removeLabelIds"] = change.RemoveLabelIDs
	}
	if len(body) == 0 {
		return nil
	}

	status, err := g.call(ctx, http.MethodPost,
		fmt.Sprintf("/messages/%s/modify", messageID), body, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("modify labels on %s: status %d", messageID, status)
	}
	return nil
}

// FetchAttachment downloads one attachment's decoded bytes.
func (g *GmailProvider) FetchAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	var att struct {
		Data string `json:"data"`
		Size int64  `json:"size"`
	}
	status, err := g.call(ctx, http.MethodGet,
		fmt.Sprintf("/messages/%s/attachments/%s", messageID, attachmentID), nil, &att)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("fetch attachment %s/%s: status %d", messageID, attachmentID, status)
	}

	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("decode attachment data: %w", err)
	}
	return data, nil
}

// call issues one API request and decodes the JSON response into out when
// the status is a success. The status code is always returned so callers
// can branch on expected errors like 409.
func (g *GmailProvider) call(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gmail %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode gmail response: %w", err)
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}
