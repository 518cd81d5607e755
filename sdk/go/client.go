package fieldlinesdk

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

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID       string `json:"id"`
	FarmerID string `json:"farmer_id"`
	Name     string `json:"name"`
	CropName string `json:"crop_name"`
	Status   string `json:"status"`
	Location struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"location"`
	Workflows struct {
		Tasks  []Task  `json:"tasks"`
		Alerts []Alert `json:"alerts"`
	} `json:"workflows"`
}

type Task struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	DueDate string `json:"due_date,omitempty"`
	Status  string `json:"status"`
}

type Alert struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	AISummary string `json:"ai_summary,omitempty"`
	CreatedAt string `json:"created_at"`
}

// NewProject is the create payload. Dates are RFC 3339.
type NewProject struct {
	Name            string  `json:"name"`
	CropName        string  `json:"crop_name"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	GrowthStage     string  `json:"growth_stage,omitempty"`
	PlantingDate    string  `json:"planting_date,omitempty"`
	SowingWindowEnd string  `json:"sowing_window_end,omitempty"`
}

type Recommendation struct {
	Text      string `json:"text"`
	Priority  string `json:"priority"`
	ProjectID string `json:"project_id,omitempty"`
	Tier      string `json:"tier"`
}

type RefreshReport struct {
	FarmerID      string         `json:"farmer_id"`
	Added         map[string]int `json:"added"`
	Total         int            `json:"total"`
	WeatherErrors []string       `json:"weather_errors,omitempty"`
}

type ToolReport struct {
	Tool      string `json:"tool"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

type Answer struct {
	Answer     string       `json:"answer"`
	Route      string       `json:"route"`
	Confidence float64      `json:"confidence"`
	Strategy   string       `json:"strategy"`
	Tools      []ToolReport `json:"tools"`
	Fallback   bool         `json:"fallback"`
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

// CreateProject creates a project owned by the authenticated farmer.
func (c *Client) CreateProject(ctx context.Context, p NewProject) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", p, &resp)
	return resp, err
}

// ListProjects returns active projects, or all of them when includeArchived is set.
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	endpoint := "v0/projects"
	if includeArchived {
		endpoint += "?include_archived=true"
	}
	var resp struct {
		Items []Project `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddTask adds a task. due is RFC 3339 and may be empty.
func (c *Client) AddTask(ctx context.Context, projectID, label, due string) (Task, error) {
	body := map[string]any{"label": label}
	if due != "" {
		body["due_date"] = due
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%s/tasks", url.PathEscape(projectID)), body, &resp)
	return resp, err
}

func (c *Client) RefreshAlerts(ctx context.Context) (RefreshReport, error) {
	var resp RefreshReport
	err := c.do(ctx, http.MethodPost, "v0/alerts/refresh", nil, &resp)
	return resp, err
}

func (c *Client) NextAction(ctx context.Context) (Recommendation, error) {
	var resp Recommendation
	err := c.do(ctx, http.MethodGet, "v0/next-action", nil, &resp)
	return resp, err
}

// Ask sends a free-text question.
func (c *Client) Ask(ctx context.Context, query string) (Answer, error) {
	var resp Answer
	err := c.do(ctx, http.MethodPost, "v0/ask", map[string]string{"query": query}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
