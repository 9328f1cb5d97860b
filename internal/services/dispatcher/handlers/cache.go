package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/taskdepot/taskdepot/internal/platform/errors"
	"github.com/taskdepot/taskdepot/internal/platform/timeouts"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/batch"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/breaker"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/cleanup"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/domain"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/registry"
	"github.com/taskdepot/taskdepot/internal/services/dispatcher/retry"
)

// TypeWarmCache is the task type the cache handler registers under.
const TypeWarmCache = "warm-cache"

// CacheHandler renders pages through the external rendering service and
// stores the returned archives as local cache artifacts.
type CacheHandler struct {
	rendererURL string
	frontendURL string
	cacheDir    string
	client      *http.Client

	// batchOptions bounds multi-url warm-ups.
	batchOptions batch.Options
}

// NewCacheHandler returns a handler talking to the renderer at rendererURL
// and extracting archives under cacheDir.
func NewCacheHandler(rendererURL, frontendURL, cacheDir string, client *http.Client) (*CacheHandler, error) {
	rendererURL = strings.TrimRight(strings.TrimSpace(rendererURL), "/")
	if rendererURL == "" {
		return nil, fmt.Errorf("renderer url is required")
	}
	if strings.TrimSpace(cacheDir) == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if client == nil {
		client = &http.Client{Timeout: timeouts.CollaboratorRequest}
	}
	return &CacheHandler{
		rendererURL: rendererURL,
		frontendURL: strings.TrimRight(strings.TrimSpace(frontendURL), "/"),
		cacheDir:    cacheDir,
		client:      client,
		batchOptions: batch.Options{
			BatchSize:   5,
			ItemTimeout: timeouts.CollaboratorRequest,
			ChunkDelay:  200 * time.Millisecond,
		},
	}, nil
}

// Schema implements registry.Handler.
func (h *CacheHandler) Schema() registry.Schema {
	return registry.Schema{
		Type:        TypeWarmCache,
		Description: "Render and cache one page or a set of pages",
		Fields: []registry.Field{
			{Name: "url", Type: "string", Description: "Single page path to warm"},
			{Name: "urls", Type: "array", Description: "Page paths to warm as a batch, alternative to url"},
			{Name: "force", Type: "boolean", Description: "Re-render even when a cached artifact exists"},
			{Name: "extract_metadata", Type: "boolean"},
			{Name: "metadata_key", Type: "string"},
			{Name: "minify", Type: "boolean"},
			{Name: "priority", Type: "number"},
		},
	}
}

// Validate implements registry.Handler.
func (h *CacheHandler) Validate(payload map[string]any) error {
	if stringField(payload, "url") == "" && len(listField(payload, "urls")) == 0 {
		return apperrors.New(apperrors.CodeTaskValidation, `provide "url" or "urls"`)
	}
	return nil
}

// Execute implements registry.Handler. A "urls" payload runs as a bounded
// batch; skipped items (already cached, force unset) are reported apart from
// successes.
func (h *CacheHandler) Execute(ctx context.Context, task domain.TaskRecord) (map[string]any, error) {
	payload, err := decodePayload(task.PayloadJSON)
	if err != nil {
		return nil, err
	}

	if urls := listField(payload, "urls"); len(urls) > 0 {
		result := batch.Run(ctx, urls, h.batchOptions, func(itemCtx context.Context, pageURL string) error {
			_, warmErr := h.warmOne(itemCtx, pageURL, payload)
			return warmErr
		})
		out := map[string]any{
			"warmed":  result.Success,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		}
		if result.Failed > 0 {
			messages := make([]string, 0, len(result.Errors))
			for _, itemErr := range result.Errors {
				messages = append(messages, fmt.Sprintf("%s: %v", urls[itemErr.Index], itemErr.Err))
			}
			out["errors"] = messages
			return out, apperrors.New(apperrors.CodeTransientExecution,
				fmt.Sprintf("%d of %d pages failed to warm", result.Failed, len(urls)))
		}
		return out, nil
	}

	warmed, err := h.warmOne(ctx, stringField(payload, "url"), payload)
	if err != nil {
		if err == batch.ErrSkip {
			return map[string]any{"skipped": true}, nil
		}
		return nil, err
	}
	return warmed, nil
}

// RetryPolicy implements registry.Handler.
func (h *CacheHandler) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: 1,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		MaxElapsed: 2 * time.Minute,
	}
}

// Dependency names the shared breaker for all renderer traffic.
func (h *CacheHandler) Dependency() (string, breaker.Config) {
	return "renderer", breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          time.Minute,
		MonitoringPeriod: 2 * time.Minute,
	}
}

type renderResponse struct {
	Success    bool           `json:"success"`
	Archive    string         `json:"archive"`
	Files      []string       `json:"files"`
	Metadata   map[string]any `json:"metadata"`
	RenderTime float64        `json:"renderTime"`
	Error      string         `json:"error"`
}

// warmOne renders one page and extracts its archive into the cache
// directory. Returns batch.ErrSkip when the artifact exists and force is
// unset.
func (h *CacheHandler) warmOne(ctx context.Context, pageURL string, payload map[string]any) (map[string]any, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return nil, apperrors.New(apperrors.CodeTaskValidation, `provide "url" or "urls"`)
	}

	artifactDir := filepath.Join(h.cacheDir, artifactSlug(pageURL))
	if !boolField(payload, "force") {
		if _, err := os.Stat(artifactDir); err == nil {
			return nil, batch.ErrSkip
		}
	}

	resp, err := h.render(ctx, pageURL, payload)
	if err != nil {
		return nil, err
	}

	archive, err := base64.StdEncoding.DecodeString(resp.Archive)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientExecution, "renderer archive is not valid base64", err)
	}
	extracted, err := h.extractArchive(ctx, archive, artifactDir)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"url":         pageURL,
		"files":       extracted,
		"render_time": resp.RenderTime,
		"metadata":    resp.Metadata,
	}, nil
}

func (h *CacheHandler) render(ctx context.Context, pageURL string, payload map[string]any) (*renderResponse, error) {
	body, err := json.Marshal(map[string]any{
		"frontend_url":    h.frontendURL,
		"url":             pageURL,
		"extractMetadata": boolField(payload, "extract_metadata"),
		"metadataKey":     stringField(payload, "metadata_key"),
		"minify":          boolField(payload, "minify"),
		"priority":        intField(payload, "priority"),
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.rendererURL+"/api/cache/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := h.client.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientExecution, "renderer unreachable", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, apperrors.New(apperrors.CodeTransientExecution,
			fmt.Sprintf("renderer returned status %d", httpResp.StatusCode))
	}
	if httpResp.StatusCode >= 300 {
		return nil, apperrors.New(apperrors.CodeTaskValidation,
			fmt.Sprintf("renderer rejected the request with status %d", httpResp.StatusCode))
	}

	var resp renderResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTransientExecution, "decode render response", err)
	}
	if !resp.Success {
		return nil, apperrors.New(apperrors.CodeTransientExecution,
			fmt.Sprintf("render failed: %s", resp.Error))
	}
	return &resp, nil
}

// extractArchive unpacks the zip into a staging directory, then moves it into
// place. The staging directory is registered for cleanup so a failure on any
// path leaves no partial artifact behind.
func (h *CacheHandler) extractArchive(ctx context.Context, archive []byte, artifactDir string) (int, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeTransientExecution, "renderer archive is not a valid zip", err)
	}

	staging, err := os.MkdirTemp(h.cacheDir, ".staging-")
	if err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}
	cleanup.Register(ctx, func() error {
		if err := os.RemoveAll(staging); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	})

	extracted := 0
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if err := extractFile(file, staging); err != nil {
			return 0, err
		}
		extracted++
	}

	if err := os.RemoveAll(artifactDir); err != nil {
		return 0, fmt.Errorf("replace cache artifact: %w", err)
	}
	if err := os.Rename(staging, artifactDir); err != nil {
		return 0, fmt.Errorf("move cache artifact into place: %w", err)
	}
	return extracted, nil
}

func extractFile(file *zip.File, destDir string) error {
	// Reject entries escaping the destination.
	cleaned := filepath.Clean(file.Name)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return fmt.Errorf("archive entry %q escapes the artifact directory", file.Name)
	}
	target := filepath.Join(destDir, cleaned)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open archive entry %q: %w", file.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create artifact file %q: %w", cleaned, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("write artifact file %q: %w", cleaned, err)
	}
	return nil
}

// artifactSlug maps a page url to a stable directory name.
func artifactSlug(pageURL string) string {
	trimmed := strings.TrimSpace(pageURL)
	if parsed, err := url.Parse(trimmed); err == nil && parsed.Path != "" {
		trimmed = parsed.Host + parsed.Path
	}
	var b strings.Builder
	for _, r := range strings.ToLower(trimmed) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "root"
	}
	return slug
}
