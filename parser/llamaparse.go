package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LlamaParseConfig configures the hosted LlamaParse engine.
type LlamaParseConfig struct {
	APIKey       string        `json:"api_key" yaml:"api_key"`
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxPolls     int           `json:"max_polls" yaml:"max_polls"`
}

// LlamaParse uploads a file to LlamaParse and polls for its per-page text.
type LlamaParse struct {
	cfg    LlamaParseConfig
	client *http.Client
}

// NewLlamaParse fills in the hosted defaults.
func NewLlamaParse(cfg LlamaParseConfig) *LlamaParse {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cloud.llamaindex.ai/api/parsing"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	return &LlamaParse{cfg: cfg, client: &http.Client{Timeout: 60 * time.Second}}
}

// Pages implements the remote engine.
func (p *LlamaParse) Pages(ctx context.Context, path string) ([]string, error) {
	if p.cfg.APIKey == "" {
		return nil, fmt.Errorf("LlamaParse API key not configured")
	}
	jobID, err := p.uploadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("uploading to LlamaParse: %w", err)
	}
	pages, err := p.pollResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("getting LlamaParse result: %w", err)
	}
	return pages, nil
}

// uploadFile streams the file as multipart form data and returns the job id.
func (p *LlamaParse) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		w, err := form.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(w, f)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	body, err := p.send(ctx, http.MethodPost, p.cfg.BaseURL+"/upload", pr, form.FormDataContentType())
	if err != nil {
		return "", err
	}
	var job struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		return "", fmt.Errorf("decoding upload reply: %w", err)
	}
	if job.ID == "" {
		return "", errors.New("upload reply carried no job id")
	}
	return job.ID, nil
}

// llamaPages is the JSON result shape: one entry per page.
type llamaPages struct {
	Pages []struct {
		Page int    `json:"page"`
		Text string `json:"text"`
		MD   string `json:"md"`
	} `json:"pages"`
}

func (p *LlamaParse) pollResult(ctx context.Context, jobID string) ([]string, error) {
	for i := 0; i < p.cfg.MaxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}

		var job struct {
			Status string `json:"status"`
		}
		body, err := p.send(ctx, http.MethodGet, p.cfg.BaseURL+"/job/"+jobID, nil, "")
		var se *llamaStatusError
		if errors.As(err, &se) {
			return nil, err
		}
		if err != nil {
			// Transient network failure; try again on the next tick.
			continue
		}
		if err := json.Unmarshal(body, &job); err != nil {
			return nil, fmt.Errorf("decoding LlamaParse job: %w", err)
		}
		switch strings.ToUpper(job.Status) {
		case "SUCCESS":
			return p.fetchPages(ctx, jobID)
		case "ERROR", "CANCELED":
			return nil, fmt.Errorf("LlamaParse job %s ended with %s", jobID, job.Status)
		}
	}
	return nil, fmt.Errorf("LlamaParse job timed out")
}

func (p *LlamaParse) fetchPages(ctx context.Context, jobID string) ([]string, error) {
	body, err := p.send(ctx, http.MethodGet, p.cfg.BaseURL+"/job/"+jobID+"/result/json", nil, "")
	if err != nil {
		return nil, err
	}
	var result llamaPages
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decoding LlamaParse result: %w", err)
	}
	var pages []string
	for _, pg := range result.Pages {
		text := pg.Text
		if strings.TrimSpace(text) == "" {
			text = pg.MD
		}
		n := pg.Page
		if n < 1 {
			n = len(pages) + 1
		}
		for len(pages) < n {
			pages = append(pages, "")
		}
		pages[n-1] = text
	}
	return pages, nil
}

type llamaStatusError struct {
	code int
	body string
}

func (e *llamaStatusError) Error() string {
	return fmt.Sprintf("LlamaParse returned %d: %s", e.code, e.body)
}

// send performs one authenticated request and returns the reply body of a
// 200 response.
func (p *LlamaParse) send(ctx context.Context, method, url string, in io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, in)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &llamaStatusError{code: resp.StatusCode, body: strings.TrimSpace(string(out))}
	}
	return out, nil
}
