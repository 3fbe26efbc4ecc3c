package casefilesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal casefile HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Case represents the admin view of a case.
type Case struct {
	ID                string `json:"case_id"`
	SequenceNumber    int64  `json:"sequence_number"`
	ContractNumber    string `json:"contract_number"`
	ClientName        string `json:"client_name"`
	ClientIDDocument  string `json:"client_id_document"`
	DocumentType      string `json:"document_type"`
	ClaimType         string `json:"claim_type"`
	RespondentEntity  string `json:"respondent_entity"`
	Amount            int64  `json:"amount"`
	Status            string `json:"status"`
	StatusLabel       string `json:"status_label"`
	SignedDocumentRef string `json:"signed_document_ref,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// PublicCase is what the public lookup returns.
type PublicCase struct {
	ContractNumber   string `json:"contract_number"`
	Status           string `json:"status"`
	StatusLabel      string `json:"status_label"`
	ClaimType        string `json:"claim_type"`
	RespondentEntity string `json:"respondent_entity"`
}

// NewCase holds the fields for CreateCase.
type NewCase struct {
	ClientName       string `json:"client_name"`
	ClientIDDocument string `json:"client_id_document"`
	DocumentType     string `json:"document_type"`
	ClaimType        string `json:"claim_type"`
	RespondentEntity string `json:"respondent_entity"`
	Amount           int64  `json:"amount"`
}

// Note is a progress note entry.
type Note struct {
	ID         int64  `json:"id"`
	CaseID     string `json:"case_id"`
	Kind       string `json:"kind"`
	Text       string `json:"note_text"`
	RecordedAt string `json:"recorded_at"`
}

// Snapshot is the contract data for a case.
type Snapshot struct {
	CaseID           string `json:"case_id"`
	SequenceNumber   int64  `json:"sequence_number"`
	ContractNumber   string `json:"contract_number"`
	ClientName       string `json:"client_name"`
	ClientIDDocument string `json:"client_id_document"`
	DocumentType     string `json:"document_type"`
	ClaimType        string `json:"claim_type"`
	RespondentEntity string `json:"respondent_entity"`
	Amount           int64  `json:"amount"`
	Advance          int64  `json:"advance"`
	Balance          int64  `json:"balance"`
	CreatedAt        string `json:"created_at"`
	Hash             string `json:"hash"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login exchanges the admin password for a session token and keeps it on
// the client.
func (c *Client) Login(ctx context.Context, password string) (string, error) {
	var resp struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "admin/login", map[string]any{"password": password}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Lookup returns the public view of the latest case for an ID document.
func (c *Client) Lookup(ctx context.Context, document string) (PublicCase, error) {
	var resp PublicCase
	err := c.do(ctx, http.MethodPost, "lookup", map[string]any{"document": document}, &resp)
	return resp, err
}

// CreateCase registers a case.
func (c *Client) CreateCase(ctx context.Context, in NewCase) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(id, ""), nil, &resp)
	return resp, err
}

// ListCases returns cases newest first, optionally filtered by status.
func (c *Client) ListCases(ctx context.Context, status string, limit int) ([]Case, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "cases"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Case `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AdvanceStatus moves a case forward in its lifecycle.
func (c *Client) AdvanceStatus(ctx context.Context, id, status string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// ForceStatus overrides a case status with a recorded reason.
func (c *Client) ForceStatus(ctx context.Context, id, status, reason string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "status/force"), map[string]any{"status": status, "reason": reason}, &resp)
	return resp, err
}

// AppendNote adds a progress note.
func (c *Client) AppendNote(ctx context.Context, id, text string) (Note, error) {
	var resp Note
	err := c.do(ctx, http.MethodPost, casePath(id, "notes"), map[string]any{"text": text}, &resp)
	return resp, err
}

// ListNotes returns the notes of a case, oldest first.
func (c *Client) ListNotes(ctx context.Context, id string) ([]Note, error) {
	var resp struct {
		Items []Note `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, casePath(id, "notes"), nil, &resp)
	return resp.Items, err
}

// AttachSignedDocument records the signed contract reference.
func (c *Client) AttachSignedDocument(ctx context.Context, id, ref string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "signed-document"), map[string]any{"document_ref": ref}, &resp)
	return resp, err
}

// UploadSignedPDF stores a signed contract PDF on the server.
func (c *Client) UploadSignedPDF(ctx context.Context, id string, pdf []byte) (Case, error) {
	var resp Case
	err := c.send(ctx, http.MethodPut, casePath(id, "signed-document/upload"), "application/pdf", bytes.NewReader(pdf), &resp)
	return resp, err
}

// Snapshot returns the contract data snapshot.
func (c *Client) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, casePath(id, "snapshot"), nil, &resp)
	return resp, err
}

// PurgeCase hard-deletes a case.
func (c *Client) PurgeCase(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, casePath(id, ""), nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func casePath(id, suffix string) string {
	p := "cases/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
