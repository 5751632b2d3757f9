package leadlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal Leadline HTTP API client.
type Client struct {
	BaseURL    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  30 * time.Second,
	}
}

// Lead is the API lead model.
type Lead struct {
	ID                  string    `json:"id"`
	NombreConjunto      string    `json:"nombreConjunto"`
	NombreAdministrador string    `json:"nombreAdministrador"`
	Email               string    `json:"email"`
	Direccion           string    `json:"direccion"`
	Telefono            string    `json:"telefono"`
	SitioWeb            string    `json:"sitioWeb"`
	Ciudad              string    `json:"ciudad"`
	Fuente              string    `json:"fuente"`
	FechaCreacion       time.Time `json:"fechaCreacion"`
	Status              string    `json:"status"`
}

// LeadPage is one page of the lead listing.
type LeadPage struct {
	Items      []Lead `json:"items"`
	Page       int    `json:"page"`
	PageSize   int    `json:"pageSize"`
	TotalPages int    `json:"totalPages"`
	Total      int    `json:"total"`
}

// ListOptions selects the lead page. Zero values use the server defaults.
type ListOptions struct {
	Status   string
	Sort     string
	Desc     bool
	Page     int
	PageSize int
	Clamp    bool
}

// SearchResult reports one search.
type SearchResult struct {
	Leads    []Lead `json:"leads"`
	Raw      int    `json:"raw"`
	AllKnown bool   `json:"allKnown"`
	Message  string `json:"message"`
}

// Proposal is a rendered proposal.
type Proposal struct {
	Lead     Lead   `json:"lead"`
	Text     string `json:"text"`
	Subject  string `json:"subject"`
	Mailto   string `json:"mailto"`
	Filename string `json:"filename"`
}

// Recipient is one campaign outcome.
type Recipient struct {
	LeadName string `json:"leadName"`
	Email    string `json:"email"`
	Status   string `json:"status"`
}

// CampaignLog is the record of one campaign run.
type CampaignLog struct {
	ID         string      `json:"id"`
	Date       time.Time   `json:"date"`
	Subject    string      `json:"subject"`
	Recipients []Recipient `json:"recipients"`
	Total      int         `json:"total"`
	Succeeded  int         `json:"succeeded"`
}

// Progress is one campaign stream update.
type Progress struct {
	Phase    string `json:"phase"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	LeadName string `json:"leadName"`
	Email    string `json:"email"`
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// File is a downloaded export.
type File struct {
	Name  string
	Parts int
	Data  []byte
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

// Search looks up count conjuntos in city. An empty city uses the server default.
func (c *Client) Search(ctx context.Context, city string, count int) (SearchResult, error) {
	var resp SearchResult
	err := c.do(ctx, http.MethodPost, "searches", map[string]any{"city": city, "count": count}, &resp)
	return resp, err
}

// Leads returns one page of leads.
func (c *Client) Leads(ctx context.Context, opts ListOptions) (LeadPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Sort != "" {
		q.Set("sort", opts.Sort)
	}
	if opts.Desc {
		q.Set("dir", "desc")
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Clamp {
		q.Set("clamp", "true")
	}
	var resp LeadPage
	err := c.do(ctx, http.MethodGet, withQuery("leads", q), nil, &resp)
	return resp, err
}

// Lead fetches a lead by id.
func (c *Client) Lead(ctx context.Context, id string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, "leads/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateLead patches the given fields, keyed by their JSON names.
func (c *Client) UpdateLead(ctx context.Context, id string, fields map[string]string, force bool) (Lead, error) {
	endpoint := "leads/" + url.PathEscape(id)
	if force {
		endpoint += "?force=true"
	}
	var resp Lead
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp, err
}

// DeleteLead removes a lead.
func (c *Client) DeleteLead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "leads/"+url.PathEscape(id), nil, nil)
}

// ReviewProposal renders the proposal for id and marks the lead procesado.
func (c *Client) ReviewProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, "leads/"+url.PathEscape(id)+"/proposal", nil, &resp)
	return resp, err
}

// ProposalDocx downloads the proposal as a Word document.
func (c *Client) ProposalDocx(ctx context.Context, id string) (File, error) {
	return c.download(ctx, "leads/"+url.PathEscape(id)+"/proposal.docx")
}

// ExportCSV downloads part (1-based) of the CSV export. chunkSize < 0 uses
// the server configuration.
func (c *Client) ExportCSV(ctx context.Context, mode string, chunkSize, part int) (File, error) {
	q := url.Values{}
	if mode != "" {
		q.Set("mode", mode)
	}
	if chunkSize >= 0 {
		q.Set("chunk_size", strconv.Itoa(chunkSize))
	}
	if part > 0 {
		q.Set("part", strconv.Itoa(part))
	}
	return c.download(ctx, withQuery("exports/csv", q))
}

// Template returns the proposal template.
func (c *Client) Template(ctx context.Context) (string, error) {
	var resp struct {
		Template string `json:"template"`
	}
	err := c.do(ctx, http.MethodGet, "template", nil, &resp)
	return resp.Template, err
}

// SetTemplate replaces the proposal template.
func (c *Client) SetTemplate(ctx context.Context, body string) error {
	return c.do(ctx, http.MethodPut, "template", map[string]string{"template": body}, nil)
}

// RunCampaign runs a campaign and waits for its log.
func (c *Client) RunCampaign(ctx context.Context, subject, body string) (CampaignLog, error) {
	var resp CampaignLog
	err := c.do(ctx, http.MethodPost, "campaigns", map[string]string{"subject": subject, "body": body}, &resp)
	return resp, err
}

// StreamCampaign runs a campaign over the websocket stream, calling fn for
// every progress update.
func (c *Client) StreamCampaign(ctx context.Context, subject, body string, fn func(Progress)) (CampaignLog, error) {
	wsURL := c.base() + "/" + c.path("campaigns/stream")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return CampaignLog{}, err
	}
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"action": "start", "subject": subject, "body": body}); err != nil {
		return CampaignLog{}, err
	}
	for {
		var frame struct {
			Type     string       `json:"type"`
			Progress *Progress    `json:"progress"`
			Log      *CampaignLog `json:"log"`
			Error    *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return CampaignLog{}, err
		}
		switch frame.Type {
		case "progress":
			if fn != nil && frame.Progress != nil {
				fn(*frame.Progress)
			}
		case "complete":
			if frame.Log == nil {
				return CampaignLog{}, errors.New("complete frame without log")
			}
			return *frame.Log, nil
		case "error":
			if frame.Error == nil {
				return CampaignLog{}, errors.New("campaign stream error")
			}
			return CampaignLog{}, &APIError{Code: frame.Error.Code, Message: frame.Error.Message}
		}
	}
}

// Campaigns lists campaign logs, most recent first.
func (c *Client) Campaigns(ctx context.Context) ([]CampaignLog, error) {
	var resp []CampaignLog
	err := c.do(ctx, http.MethodGet, "campaigns", nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+c.path(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) download(ctx context.Context, endpoint string) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+c.path(endpoint), nil)
	if err != nil {
		return File{}, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return File{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return File{}, apiError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, err
	}
	f := File{Data: data, Parts: 1}
	if n, err := strconv.Atoi(resp.Header.Get("X-Export-Parts")); err == nil {
		f.Parts = n
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, name, ok := strings.Cut(cd, "filename="); ok {
			f.Name = strings.Trim(name, `"`)
		}
	}
	return f, nil
}

func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	out := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		out.Code = env.Error.Code
		out.Message = env.Error.Message
	}
	return out
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
