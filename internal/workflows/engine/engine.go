// Package engine implements a synchronous client for a single n8n instance,
// covering CRUD, activation, version archiving, and local-file sync, per
// spec §4.6. Grounded on n8n_workflow_engine.py's N8NWorkflowEngine.
package engine

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WorkflowCategory buckets workflows for listing/filtering, per spec §4.6.
type WorkflowCategory string

const (
	CategoryCore     WorkflowCategory = "core"
	CategoryNative   WorkflowCategory = "native"
	CategoryOps      WorkflowCategory = "ops"
	CategorySpeech   WorkflowCategory = "speech"
	CategoryCustom   WorkflowCategory = "custom"
	CategoryTemplate WorkflowCategory = "template"
)

// WorkflowInfo is the summarized listing shape returned by ListWorkflows.
type WorkflowInfo struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Active      bool             `json:"active"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
	NodesCount  int              `json:"nodes_count"`
	Tags        []string         `json:"tags"`
	LocalFile   string           `json:"local_file,omitempty"`
	Checksum    string           `json:"checksum,omitempty"`
	Category    WorkflowCategory `json:"category"`
	Version     int              `json:"version"`
	Description string           `json:"description"`
}

// WorkflowVersion records one archived snapshot of a workflow.
type WorkflowVersion struct {
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name"`
	Version      int    `json:"version"`
	ArchivedAt   string `json:"archived_at"`
	Checksum     string `json:"checksum"`
	FilePath     string `json:"file_path"`
	Reason       string `json:"reason,omitempty"`
}

// SyncResult reports the outcome of SyncAllLocalWorkflows.
type SyncResult struct {
	Imported    []string          `json:"imported"`
	Updated     []string          `json:"updated"`
	Activated   []string          `json:"activated"`
	Deactivated []string          `json:"deactivated"`
	Archived    []string          `json:"archived"`
	Skipped     []string          `json:"skipped"`
	Errors      []SyncError       `json:"errors"`
	Timestamp   string            `json:"timestamp"`
}

// SyncError names the file and error for one failed import during a sync.
type SyncError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// ExecutionStats summarizes recent execution history for one workflow.
type ExecutionStats struct {
	WorkflowID       string  `json:"workflow_id"`
	WorkflowName     string  `json:"workflow_name"`
	TotalExecutions  int     `json:"total_executions"`
	SuccessCount     int     `json:"success_count"`
	FailureCount     int     `json:"failure_count"`
	AvgDurationMs    float64 `json:"avg_duration_ms"`
	LastExecution    string  `json:"last_execution,omitempty"`
	LastStatus       string  `json:"last_status,omitempty"`
}

// HealthStatus is the shape returned by HealthCheck.
type HealthStatus struct {
	Status         string `json:"status"`
	Connected      bool   `json:"connected"`
	BaseURL        string `json:"base_url"`
	WorkflowCount  int    `json:"workflow_count"`
	ActiveCount    int    `json:"active_count"`
	RecentFailures int    `json:"recent_failures"`
	Error          string `json:"error,omitempty"`
	Timestamp      string `json:"timestamp"`
}

// allowedFields whitelists the keys n8n's create/update API accepts.
var allowedFields = []string{"name", "nodes", "connections", "settings", "staticData"}

// CleanWorkflowForAPI strips a raw workflow payload down to the fields n8n
// accepts and fills in defaults for required ones, per spec §4.6.
func CleanWorkflowForAPI(workflowData map[string]interface{}) map[string]interface{} {
	cleaned := make(map[string]interface{}, len(allowedFields))
	for _, key := range allowedFields {
		if v, ok := workflowData[key]; ok {
			cleaned[key] = v
		}
	}
	if name, ok := cleaned["name"].(string); !ok || name == "" {
		cleaned["name"] = "Unnamed Workflow"
	}
	if _, ok := cleaned["nodes"]; !ok {
		cleaned["nodes"] = []interface{}{}
	}
	if _, ok := cleaned["connections"]; !ok {
		cleaned["connections"] = map[string]interface{}{}
	}
	if _, ok := cleaned["settings"]; !ok {
		cleaned["settings"] = map[string]interface{}{}
	}
	return cleaned
}

// Checksum computes MD5 of the workflow's canonical (sorted-key) JSON
// encoding, per spec §4.6.
func Checksum(workflowData map[string]interface{}) string {
	sum := md5.Sum(canonicalJSON(workflowData))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(v interface{}) []byte {
	var buf bytes.Buffer
	encodeCanonical(&buf, v)
	return buf.Bytes()
}

func encodeCanonical(buf *bytes.Buffer, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			encodeCanonical(buf, val[k])
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, _ := json.Marshal(val)
		buf.Write(b)
	}
}

// Categorize assigns a WorkflowCategory from the lowercased name+filename,
// per spec §4.6's prefix/substring rules.
func Categorize(name, filename string) WorkflowCategory {
	lower := strings.ToLower(name + filename)
	switch {
	case strings.Contains(lower, "01_") || strings.Contains(lower, "02_") || strings.Contains(lower, "myca-") || strings.Contains(lower, "command_api"):
		return CategoryCore
	case strings.Contains(lower, "native_") || strings.Contains(lower, "native-"):
		return CategoryNative
	case containsAny(lower, "ops_", "ops-", "proxmox", "unifi", "nas", "gpu", "uart"):
		return CategoryOps
	case containsAny(lower, "speech", "voice", "audio", "tts", "transcribe"):
		return CategorySpeech
	case containsAny(lower, "template", "base_"):
		return CategoryTemplate
	default:
		return CategoryCustom
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// FS paths (relative to repo root), per spec §6.
type Paths struct {
	WorkflowsDir string
	ArchiveDir   string
	RegistryDir  string
	BackupDir    string
}

// DefaultPaths rooted at base, creating the "n8n/..." layout from spec §6.
func DefaultPaths(base string) Paths {
	root := filepath.Join(base, "n8n")
	return Paths{
		WorkflowsDir: filepath.Join(root, "workflows"),
		ArchiveDir:   filepath.Join(root, "archive"),
		RegistryDir:  filepath.Join(root, "registry"),
		BackupDir:    filepath.Join(root, "backup"),
	}
}

func (p Paths) ensureDirs() error {
	for _, dir := range []string{p.WorkflowsDir, p.ArchiveDir, p.RegistryDir, p.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Engine is a blocking-IO client for one n8n instance, driven by BaseURL and
// APIKey (header X-N8N-API-KEY).
type Engine struct {
	BaseURL string
	APIKey  string

	client *http.Client
	paths  Paths
	logger *logrus.Logger

	mu       sync.Mutex
	registry map[string][]WorkflowVersion
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient overrides the default 60s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithPaths overrides the default n8n/ filesystem layout.
func WithPaths(p Paths) Option {
	return func(e *Engine) { e.paths = p }
}

// WithLogger overrides the standard logger.
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) { e.logger = log }
}

// New constructs an Engine against baseURL/apiKey and loads its version
// registry from disk, per spec §4.6.
func New(baseURL, apiKey string, opts ...Option) *Engine {
	e := &Engine{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		paths:    DefaultPaths("."),
		logger:   logrus.StandardLogger(),
		registry: make(map[string][]WorkflowVersion),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.paths.ensureDirs(); err != nil {
		e.logger.WithError(err).Warn("workflow engine: could not create n8n directory layout")
	}
	e.loadVersionRegistry()
	return e
}

func (e *Engine) registryFile() string {
	return filepath.Join(e.paths.RegistryDir, "versions.json")
}

func (e *Engine) loadVersionRegistry() {
	data, err := os.ReadFile(e.registryFile())
	if err != nil {
		return // no registry yet: start empty, per spec §4.4
	}
	var loaded map[string][]WorkflowVersion
	if err := json.Unmarshal(data, &loaded); err != nil {
		e.logger.WithError(err).Error("workflow engine: failed to load version registry, starting empty")
		return
	}
	e.mu.Lock()
	e.registry = loaded
	e.mu.Unlock()
}

// saveVersionRegistry persists the registry atomically (write temp, rename),
// per spec §5's "persisted atomically to registry/versions.json on each
// mutation."
func (e *Engine) saveVersionRegistry() {
	e.mu.Lock()
	snapshot := make(map[string][]WorkflowVersion, len(e.registry))
	for k, v := range e.registry {
		snapshot[k] = v
	}
	e.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		e.logger.WithError(err).Error("workflow engine: failed to marshal version registry")
		return
	}
	dst := e.registryFile()
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.logger.WithError(err).Error("workflow engine: failed to write version registry")
		return
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		e.logger.WithError(err).Error("workflow engine: failed to persist version registry")
	}
}

func (e *Engine) request(ctx context.Context, method, endpoint string, query map[string]string, body interface{}) (map[string]interface{}, error) {
	u := e.BaseURL + "/api/v1" + endpoint
	if len(query) > 0 {
		q := make([]string, 0, len(query))
		for k, v := range query {
			q = append(q, fmt.Sprintf("%s=%s", k, v))
		}
		u += "?" + strings.Join(q, "&")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("n8n request encode: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("n8n request: %w", err)
	}
	req.Header.Set("X-N8N-API-KEY", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.WithError(err).Error("n8n request failed")
		return nil, fmt.Errorf("n8n request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("n8n response read: %w", err)
	}

	if resp.StatusCode >= 300 {
		snippet := string(payload)
		if len(snippet) > 500 {
			snippet = snippet[:500]
		}
		e.logger.WithFields(logrus.Fields{"status": resp.StatusCode, "body": snippet}).Error("n8n API error")
		return nil, fmt.Errorf("n8n API error: %d - %s", resp.StatusCode, snippet)
	}
	if len(payload) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("n8n response decode: %w", err)
	}
	return out, nil
}

// ListOptions filters ListWorkflows.
type ListOptions struct {
	ActiveOnly bool
	Category   WorkflowCategory // empty = no filter
}

// ListWorkflows fetches and categorizes every workflow on the instance.
func (e *Engine) ListWorkflows(ctx context.Context, opts ListOptions) ([]WorkflowInfo, error) {
	data, err := e.request(ctx, http.MethodGet, "/workflows", nil, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := data["data"].([]interface{})
	workflows := make([]WorkflowInfo, 0, len(raw))
	for _, item := range raw {
		w, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := w["name"].(string)
		active, _ := w["active"].(bool)
		category := Categorize(name, "")
		if opts.ActiveOnly && !active {
			continue
		}
		if opts.Category != "" && category != opts.Category {
			continue
		}
		id, _ := w["id"].(string)
		createdAt, _ := w["createdAt"].(string)
		updatedAt, _ := w["updatedAt"].(string)
		nodesCount := 0
		if nodes, ok := w["nodes"].([]interface{}); ok {
			nodesCount = len(nodes)
		}
		var tags []string
		if rawTags, ok := w["tags"].([]interface{}); ok {
			for _, t := range rawTags {
				if tm, ok := t.(map[string]interface{}); ok {
					if tname, ok := tm["name"].(string); ok {
						tags = append(tags, tname)
					}
				}
			}
		}
		workflows = append(workflows, WorkflowInfo{
			ID: id, Name: name, Active: active,
			CreatedAt: createdAt, UpdatedAt: updatedAt,
			NodesCount: nodesCount, Tags: tags, Category: category,
		})
	}
	return workflows, nil
}

// GetWorkflow fetches the full workflow document by ID.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (map[string]interface{}, error) {
	return e.request(ctx, http.MethodGet, "/workflows/"+id, nil, nil)
}

// GetWorkflowByName scans the workflow list for a matching name.
func (e *Engine) GetWorkflowByName(ctx context.Context, name string) (map[string]interface{}, error) {
	data, err := e.request(ctx, http.MethodGet, "/workflows", nil, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := data["data"].([]interface{})
	for _, item := range raw {
		w, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if wname, _ := w["name"].(string); wname == name {
			id, _ := w["id"].(string)
			return e.GetWorkflow(ctx, id)
		}
	}
	return nil, nil
}

// CreateWorkflow creates a new workflow from cleaned data.
func (e *Engine) CreateWorkflow(ctx context.Context, workflowData map[string]interface{}) (map[string]interface{}, error) {
	cleaned := CleanWorkflowForAPI(workflowData)
	result, err := e.request(ctx, http.MethodPost, "/workflows", nil, cleaned)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("name", cleaned["name"]).Info("workflow engine: created workflow")
	return result, nil
}

// UpdateWorkflow replaces a workflow's contents.
func (e *Engine) UpdateWorkflow(ctx context.Context, id string, workflowData map[string]interface{}) (map[string]interface{}, error) {
	cleaned := CleanWorkflowForAPI(workflowData)
	result, err := e.request(ctx, http.MethodPut, "/workflows/"+id, nil, cleaned)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("id", id).Info("workflow engine: updated workflow")
	return result, nil
}

// DeleteWorkflow deletes a workflow, archiving its current state first
// unless archiveFirst is false.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string, archiveFirst bool) error {
	if archiveFirst {
		if current, err := e.GetWorkflow(ctx, id); err == nil {
			if _, err := e.ArchiveWorkflow(ctx, id, current, "pre-delete backup"); err != nil {
				e.logger.WithError(err).Warn("workflow engine: could not archive before delete")
			}
		} else {
			e.logger.WithError(err).Warn("workflow engine: could not archive before delete")
		}
	}
	if _, err := e.request(ctx, http.MethodDelete, "/workflows/"+id, nil, nil); err != nil {
		return err
	}
	e.logger.WithField("id", id).Info("workflow engine: deleted workflow")
	return nil
}

// ActivateWorkflow activates a workflow by ID.
func (e *Engine) ActivateWorkflow(ctx context.Context, id string) (map[string]interface{}, error) {
	result, err := e.request(ctx, http.MethodPost, "/workflows/"+id+"/activate", nil, nil)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("id", id).Info("workflow engine: activated workflow")
	return result, nil
}

// DeactivateWorkflow deactivates a workflow by ID.
func (e *Engine) DeactivateWorkflow(ctx context.Context, id string) (map[string]interface{}, error) {
	result, err := e.request(ctx, http.MethodPost, "/workflows/"+id+"/deactivate", nil, nil)
	if err != nil {
		return nil, err
	}
	e.logger.WithField("id", id).Info("workflow engine: deactivated workflow")
	return result, nil
}

func safeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ArchiveWorkflow persists workflowData (fetched by ID if nil) to a
// safe-named file under archive/, appends a WorkflowVersion record, and
// flushes the registry, per spec §4.6.
func (e *Engine) ArchiveWorkflow(ctx context.Context, id string, workflowData map[string]interface{}, reason string) (WorkflowVersion, error) {
	if workflowData == nil {
		fetched, err := e.GetWorkflow(ctx, id)
		if err != nil {
			return WorkflowVersion{}, err
		}
		workflowData = fetched
	}
	name, _ := workflowData["name"].(string)

	e.mu.Lock()
	version := len(e.registry[id]) + 1
	e.mu.Unlock()

	timestamp := time.Now().UTC().Format("20060102_150405")
	filename := safeFilename(fmt.Sprintf("%s__v%d__%s.json", name, version, timestamp))
	archivePath := filepath.Join(e.paths.ArchiveDir, filename)

	data, err := json.MarshalIndent(workflowData, "", "  ")
	if err != nil {
		return WorkflowVersion{}, fmt.Errorf("archive workflow: marshal: %w", err)
	}
	if err := os.WriteFile(archivePath, data, 0o644); err != nil {
		return WorkflowVersion{}, fmt.Errorf("archive workflow: write: %w", err)
	}

	record := WorkflowVersion{
		WorkflowID:   id,
		WorkflowName: name,
		Version:      version,
		ArchivedAt:   time.Now().UTC().Format(time.RFC3339),
		Checksum:     Checksum(workflowData),
		FilePath:     archivePath,
		Reason:       reason,
	}

	e.mu.Lock()
	e.registry[id] = append(e.registry[id], record)
	e.mu.Unlock()
	e.saveVersionRegistry()

	e.logger.WithFields(logrus.Fields{"name": name, "version": version}).Info("workflow engine: archived workflow")
	return record, nil
}

// RestoreWorkflow loads the chosen (or newest) archived version and pushes
// it back via UpdateWorkflow.
func (e *Engine) RestoreWorkflow(ctx context.Context, id string, version int) (map[string]interface{}, error) {
	e.mu.Lock()
	versions := append([]WorkflowVersion(nil), e.registry[id]...)
	e.mu.Unlock()
	if len(versions) == 0 {
		return nil, fmt.Errorf("no archived versions for workflow %s", id)
	}

	var target WorkflowVersion
	if version > 0 {
		found := false
		for _, v := range versions {
			if v.Version == version {
				target = v
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("version %d not found for workflow %s", version, id)
		}
	} else {
		target = versions[len(versions)-1]
	}

	data, err := os.ReadFile(target.FilePath)
	if err != nil {
		return nil, fmt.Errorf("restore workflow: read archive: %w", err)
	}
	var workflowData map[string]interface{}
	if err := json.Unmarshal(data, &workflowData); err != nil {
		return nil, fmt.Errorf("restore workflow: decode archive: %w", err)
	}

	result, err := e.UpdateWorkflow(ctx, id, workflowData)
	if err != nil {
		return nil, err
	}
	e.logger.WithFields(logrus.Fields{"name": target.WorkflowName, "version": target.Version}).Info("workflow engine: restored workflow")
	return result, nil
}

// ListVersions returns the archived versions known for a workflow.
func (e *Engine) ListVersions(id string) []WorkflowVersion {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]WorkflowVersion(nil), e.registry[id]...)
}

// ExportWorkflow writes the full workflow document to filepath (default:
// backup/<safe_name>.json).
func (e *Engine) ExportWorkflow(ctx context.Context, id string, path string) (string, error) {
	workflow, err := e.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	if path == "" {
		name, _ := workflow["name"].(string)
		path = filepath.Join(e.paths.BackupDir, safeFilename(name)+".json")
	}
	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return "", fmt.Errorf("export workflow: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("export workflow: write: %w", err)
	}
	e.logger.WithField("path", path).Info("workflow engine: exported workflow")
	return path, nil
}

// ExportAllWorkflows exports every workflow on the instance to outputDir
// (default: backup/), continuing past per-workflow failures.
func (e *Engine) ExportAllWorkflows(ctx context.Context, outputDir string) ([]string, error) {
	if outputDir == "" {
		outputDir = e.paths.BackupDir
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("export all workflows: mkdir: %w", err)
	}
	workflows, err := e.ListWorkflows(ctx, ListOptions{})
	if err != nil {
		return nil, err
	}
	var exported []string
	for _, wf := range workflows {
		path, err := e.ExportWorkflow(ctx, wf.ID, filepath.Join(outputDir, wf.Name+".json"))
		if err != nil {
			e.logger.WithError(err).WithField("name", wf.Name).Error("workflow engine: failed to export workflow")
			continue
		}
		exported = append(exported, path)
	}
	return exported, nil
}

// ImportWorkflowFromFile imports a single workflow JSON file. If a workflow
// with the same name already exists on the instance, the server copy wins
// (no push of local changes); it is optionally activated. Otherwise the
// file is used to create a new workflow. Files without a name are skipped.
func (e *Engine) ImportWorkflowFromFile(ctx context.Context, path string, activate bool) (map[string]interface{}, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("import workflow: read: %w", err)
	}
	var workflowData map[string]interface{}
	if err := json.Unmarshal(data, &workflowData); err != nil {
		return nil, false, fmt.Errorf("import workflow: decode: %w", err)
	}

	name, _ := workflowData["name"].(string)
	if name == "" {
		e.logger.WithField("file", filepath.Base(path)).Warn("workflow engine: skipping import, no workflow name")
		return nil, true, nil
	}

	existing, err := e.GetWorkflowByName(ctx, name)
	if err != nil {
		return nil, false, err
	}

	var result map[string]interface{}
	if existing != nil {
		e.logger.WithField("name", name).Debug("workflow engine: workflow exists in n8n")
		result = existing
		if activate {
			if id, _ := result["id"].(string); id != "" {
				if active, _ := result["active"].(bool); !active {
					if _, err := e.ActivateWorkflow(ctx, id); err != nil {
						e.logger.WithError(err).WithField("name", name).Warn("workflow engine: could not activate")
					} else {
						result["active"] = true
					}
				}
			}
		}
	} else {
		result, err = e.CreateWorkflow(ctx, workflowData)
		if err != nil {
			return nil, false, err
		}
		e.logger.WithField("name", name).Info("workflow engine: created workflow from file")
		if activate {
			if id, _ := result["id"].(string); id != "" {
				if _, err := e.ActivateWorkflow(ctx, id); err != nil {
					e.logger.WithError(err).WithField("name", name).Warn("workflow engine: could not activate")
				} else {
					result["active"] = true
				}
			}
		}
	}
	return result, false, nil
}

func isCoreFile(filename string) bool {
	return strings.HasPrefix(filename, "01_") || strings.HasPrefix(filename, "02_") || strings.HasPrefix(filename, "myca-")
}

// SyncAllLocalWorkflows walks workflows/**/*.json and imports every file,
// activating those whose filename marks them "core" when activateCore is
// set, per spec §4.6.
func (e *Engine) SyncAllLocalWorkflows(ctx context.Context, activateCore bool) SyncResult {
	result := SyncResult{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	files, err := globJSON(e.paths.WorkflowsDir)
	if err != nil {
		e.logger.WithError(err).Warn("workflow engine: workflows directory not found")
		return result
	}
	sort.Strings(files)

	for _, path := range files {
		base := filepath.Base(path)
		shouldActivate := activateCore && isCoreFile(base)

		imported, skipped, err := e.ImportWorkflowFromFile(ctx, path, shouldActivate)
		if err != nil {
			e.logger.WithError(err).WithField("file", base).Error("workflow engine: failed to import")
			result.Errors = append(result.Errors, SyncError{File: base, Error: err.Error()})
			continue
		}
		if skipped {
			result.Skipped = append(result.Skipped, base)
			continue
		}
		if id, _ := imported["id"].(string); id != "" {
			result.Imported = append(result.Imported, base)
			if shouldActivate {
				if active, _ := imported["active"].(bool); active {
					result.Activated = append(result.Activated, base)
				}
			}
		}
	}

	e.logger.WithFields(logrus.Fields{
		"imported": len(result.Imported), "skipped": len(result.Skipped),
		"activated": len(result.Activated), "errors": len(result.Errors),
	}).Info("workflow engine: sync complete")
	return result
}

func globJSON(dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".json") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// ExecutionOptions filters GetExecutions.
type ExecutionOptions struct {
	WorkflowID string
	Limit      int
	Status     string
}

// GetExecutions fetches recent executions, optionally scoped to a workflow
// or status.
func (e *Engine) GetExecutions(ctx context.Context, opts ExecutionOptions) ([]map[string]interface{}, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if opts.WorkflowID != "" {
		query["workflowId"] = opts.WorkflowID
	}
	if opts.Status != "" {
		query["status"] = opts.Status
	}
	data, err := e.request(ctx, http.MethodGet, "/executions", query, nil)
	if err != nil {
		return nil, err
	}
	raw, _ := data["data"].([]interface{})
	out := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetExecutionStats summarizes the last 100 executions of a workflow.
func (e *Engine) GetExecutionStats(ctx context.Context, workflowID string) (ExecutionStats, error) {
	executions, err := e.GetExecutions(ctx, ExecutionOptions{WorkflowID: workflowID, Limit: 100})
	if err != nil {
		return ExecutionStats{}, err
	}
	if len(executions) == 0 {
		wf, err := e.GetWorkflow(ctx, workflowID)
		name := ""
		if err == nil {
			name, _ = wf["name"].(string)
		}
		return ExecutionStats{WorkflowID: workflowID, WorkflowName: name}, nil
	}

	successCount, failureCount := 0, 0
	for _, ex := range executions {
		status, _ := ex["status"].(string)
		switch status {
		case "success":
			successCount++
		case "error", "failed":
			failureCount++
		}
	}
	latest := executions[0]
	name, _ := latest["workflowName"].(string)
	startedAt, _ := latest["startedAt"].(string)
	status, _ := latest["status"].(string)

	return ExecutionStats{
		WorkflowID: workflowID, WorkflowName: name,
		TotalExecutions: len(executions), SuccessCount: successCount, FailureCount: failureCount,
		LastExecution: startedAt, LastStatus: status,
	}, nil
}

// GetFailedExecutions returns executions with status error/failed started
// within the last `hours`.
func (e *Engine) GetFailedExecutions(ctx context.Context, hours int) ([]map[string]interface{}, error) {
	all, err := e.GetExecutions(ctx, ExecutionOptions{Limit: 200})
	if err != nil {
		return nil, err
	}
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var failed []map[string]interface{}
	for _, ex := range all {
		status, _ := ex["status"].(string)
		if status != "error" && status != "failed" {
			continue
		}
		started, _ := ex["startedAt"].(string)
		if started == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, started)
		if err != nil {
			continue
		}
		if t.UTC().After(cutoff) {
			failed = append(failed, ex)
		}
	}
	return failed, nil
}

// CloneWorkflow duplicates a workflow under a new name.
func (e *Engine) CloneWorkflow(ctx context.Context, id, newName string) (map[string]interface{}, error) {
	original, err := e.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	original["name"] = newName
	return e.CreateWorkflow(ctx, original)
}

// WorkflowStats summarizes counts by category across the instance.
type WorkflowStats struct {
	Total      int                                `json:"total"`
	Active     int                                `json:"active"`
	Inactive   int                                `json:"inactive"`
	ByCategory map[WorkflowCategory]CategoryCounts `json:"by_category"`
	Timestamp  string                              `json:"timestamp"`
}

// CategoryCounts is the total/active tally for one category.
type CategoryCounts struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// GetWorkflowStats tallies workflows by active status and category.
func (e *Engine) GetWorkflowStats(ctx context.Context) (WorkflowStats, error) {
	workflows, err := e.ListWorkflows(ctx, ListOptions{})
	if err != nil {
		return WorkflowStats{}, err
	}
	stats := WorkflowStats{ByCategory: make(map[WorkflowCategory]CategoryCounts), Timestamp: time.Now().UTC().Format(time.RFC3339)}
	for _, wf := range workflows {
		stats.Total++
		counts := stats.ByCategory[wf.Category]
		counts.Total++
		if wf.Active {
			stats.Active++
			counts.Active++
		} else {
			stats.Inactive++
		}
		stats.ByCategory[wf.Category] = counts
	}
	return stats, nil
}

// HealthCheck reports connectivity and recent-failure counts for the
// instance.
func (e *Engine) HealthCheck(ctx context.Context) HealthStatus {
	workflows, err := e.ListWorkflows(ctx, ListOptions{})
	if err != nil {
		return HealthStatus{
			Status: "unhealthy", Connected: false, BaseURL: e.BaseURL,
			Error: err.Error(), Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
	}
	recentFailures, err := e.GetFailedExecutions(ctx, 1)
	if err != nil {
		recentFailures = nil
	}
	active := 0
	for _, wf := range workflows {
		if wf.Active {
			active++
		}
	}
	return HealthStatus{
		Status: "healthy", Connected: true, BaseURL: e.BaseURL,
		WorkflowCount: len(workflows), ActiveCount: active,
		RecentFailures: len(recentFailures), Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
