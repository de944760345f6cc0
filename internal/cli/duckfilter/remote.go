package duckfilter

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

	"github.com/duckmesh/duckfilter/internal/batchio"
	"github.com/duckmesh/duckfilter/internal/storage"
)

type remoteFlags struct {
	BaseURL string        `name:"base-url" default:"http://localhost:8080" env:"DUCKFILTER_API_URL" help:"duckfilter API base URL."`
	APIKey  string        `name:"api-key" env:"DUCKFILTER_API_KEY" help:"API key for authenticated requests."`
	Timeout time.Duration `default:"10s" env:"DUCKFILTER_CLI_TIMEOUT" help:"HTTP timeout."`
}

type healthCmd struct {
	remoteFlags `embed:""`
}

func (c *healthCmd) Run(e *env) error { return c.getJSON(e, "/v1/health") }

type readyCmd struct {
	remoteFlags `embed:""`
}

func (c *readyCmd) Run(e *env) error { return c.getJSON(e, "/v1/ready") }

type tasksCmd struct {
	remoteFlags `embed:""`
	Name        string `arg:"" optional:"" help:"Describe one task instead of listing all."`
}

func (c *tasksCmd) Run(e *env) error {
	if c.Name != "" {
		return c.getJSON(e, "/v1/tasks/"+url.PathEscape(c.Name))
	}
	return c.getJSON(e, "/v1/tasks")
}

type invokeCmd struct {
	remoteFlags `embed:""`
	Name        string `arg:"" help:"Task to run."`
	Input       string `short:"i" default:"-" help:"Input batch file, s3:// URL or '-' for an Arrow stream on stdin."`
	Output      string `short:"o" default:"-" help:"Output batch file, s3:// URL or '-' for an Arrow stream on stdout."`
}

// Run sends the input batch to the API and stores the filtered result.
func (c *invokeCmd) Run(e *env) error {
	in, err := storage.ParseLocation(c.Input)
	if err != nil {
		return err
	}
	out, err := storage.ParseLocation(c.Output)
	if err != nil {
		return err
	}
	records, err := e.resolver.Read(e.ctx, in)
	if err != nil {
		return err
	}
	defer releaseAll(records)
	if len(records) == 0 {
		return fmt.Errorf("%s holds no records", in)
	}
	var body bytes.Buffer
	if err := batchio.WriteIPC(&body, records[0].Schema(), records...); err != nil {
		return err
	}

	code, response, err := c.do(e, http.MethodPost, "/v1/tasks/"+url.PathEscape(c.Name)+"/filter", storage.ContentTypeArrowStream, &body)
	if err != nil {
		return err
	}
	if code >= 400 {
		return httpError(code, response)
	}
	outputs, err := batchio.ReadIPC(e.mem, bytes.NewReader(response))
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	defer releaseAll(outputs)
	if len(outputs) == 0 {
		return fmt.Errorf("response holds no records")
	}
	return e.resolver.Write(e.ctx, out, outputs[0].Schema(), outputs)
}

func (c *remoteFlags) getJSON(e *env, path string) error {
	code, responseBody, err := c.do(e, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if code >= 400 {
		return httpError(code, responseBody)
	}
	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(e.stdout, pretty)
		return nil
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(e.stdout, string(responseBody))
	}
	return nil
}

func (c *remoteFlags) do(e *env, method, path, contentType string, body io.Reader) (int, []byte, error) {
	client := e.client
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	ctx, cancel := context.WithTimeout(e.ctx, c.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", contentType+", application/json")
	}
	if key := strings.TrimSpace(c.APIKey); key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, responseBody, nil
}

func httpError(code int, body []byte) error {
	return fmt.Errorf("http %d: %s", code, strings.TrimSpace(string(body)))
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}
