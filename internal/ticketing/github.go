package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubConfig points at a repository.
type GitHubConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Owner   string        `mapstructure:"owner"`
	Repo    string        `mapstructure:"repo"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GitHub files issues through the REST API.
type GitHub struct {
	cfg    GitHubConfig
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewGitHub creates a client. client may be nil.
func NewGitHub(cfg GitHubConfig, client *http.Client, logger *zap.Logger) (*GitHub, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github ticketing requires owner and repo")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github ticketing requires a token")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGitHubAPI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	hw := circuitbreaker.NewHTTPWrapper(client, "github", "ticketing",
		circuitbreaker.FromEnv("GITHUB", circuitbreaker.HTTPSettings()), true, logger)
	return &GitHub{cfg: cfg, http: hw, logger: logger}, nil
}

type githubIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type githubIssueResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

func (g *GitHub) CreateIssue(ctx context.Context, issue Issue) (Ticket, error) {
	if strings.TrimSpace(issue.Title) == "" {
		return Ticket{}, ErrInvalidIssue
	}
	body, err := json.Marshal(githubIssueRequest{
		Title:  issue.Title,
		Body:   issue.Description,
		Labels: labelsFor(issue),
	})
	if err != nil {
		return Ticket{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	url := fmt.Sprintf("%s/repos/%s/%s/issues", g.cfg.BaseURL, g.cfg.Owner, g.cfg.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Ticket{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := g.http.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("create github issue: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ticket{}, &Error{Status: resp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	var out githubIssueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Ticket{}, fmt.Errorf("decode github issue: %w", err)
	}
	g.logger.Info("Created GitHub issue",
		zap.Int("number", out.Number),
		zap.String("url", out.HTMLURL),
	)
	return Ticket{ID: strconv.Itoa(out.Number), URL: out.HTMLURL}, nil
}
