package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/balor48/storyguard-sub004/internal/auth"
	"github.com/balor48/storyguard-sub004/internal/backup"
	"github.com/balor48/storyguard-sub004/internal/entity"
	"github.com/balor48/storyguard-sub004/internal/export"
	"github.com/balor48/storyguard-sub004/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/databases" {
		databases, err := s.service.ListDatabases(r.Context())
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(databases))
		for _, db := range databases {
			items = append(items, databasePayload(db))
		}
		writeJSON(w, http.StatusOK, map[string]any{"databases": items})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/databases" {
		var body struct {
			Name string `json:"name"`
			By   string `json:"by"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		db, err := s.service.CreateDatabase(r.Context(), body.Name, body.By)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, databasePayload(db))
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		response, err := s.service.Search(r.Context(), query.Get("q"), query.Get("database"), query.Get("type"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/events" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		events, err := s.service.RecentEvents(r.Context(), query.Get("database"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(events))
		for _, event := range events {
			items = append(items, eventPayload(event))
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": items})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	// /api/exports/{file}?token=
	if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "exports" {
		s.handleDownloadExport(w, r, parts[2])
		return
	}

	// /api/backups/{id}/restore|verify
	if r.Method == http.MethodPost && len(parts) == 4 && parts[1] == "backups" {
		switch parts[3] {
		case "restore":
			var body struct {
				Passphrase string `json:"passphrase"`
				By         string `json:"by"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			result, err := s.service.RestoreBackup(r.Context(), parts[2], body.Passphrase, body.By)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"database":           result.Database.Name,
				"commit":             result.Commit,
				"preRestoreBackupId": result.PreRestoreID,
				"repairChanges":      repairPayload(result.RepairChanges),
				"entityCount":        result.Snapshot.Total(),
			})
			return
		case "verify":
			verification, err := s.service.VerifyBackup(r.Context(), parts[2])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, verification)
			return
		}
	}

	if parts[1] == "databases" && len(parts) >= 3 {
		s.handleDatabase(w, r, parts[2], parts[3:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDatabase(w http.ResponseWriter, r *http.Request, name string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			detail, err := s.service.GetDatabase(ctx, name)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			payload := databasePayload(detail.Database)
			payload["counts"] = detail.Counts
			payload["commit"] = detail.Commit
			writeJSON(w, http.StatusOK, payload)
		case http.MethodDelete:
			if err := s.service.DeleteDatabase(ctx, name); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 {
		switch rest[0] {
		case "rename":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			var body struct {
				Name string `json:"name"`
				By   string `json:"by"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			db, err := s.service.RenameDatabase(ctx, name, body.Name, body.By)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, databasePayload(db))
			return
		case "snapshot":
			s.handleSnapshot(w, r, name)
			return
		case "history":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			commits, err := s.service.History(ctx, name, limit)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
			return
		case "backups":
			s.handleBackups(w, r, name)
			return
		case "backup-settings":
			s.handleBackupSettings(w, r, name)
			return
		case "analysis":
			s.handleAnalysis(w, r, name)
			return
		case "export":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
				return
			}
			archive, err := s.service.ExportDatabase(ctx, name)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, archive)
			return
		}
		// Entity collection: GET lists, POST creates.
		kind := rest[0]
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListEntities(ctx, name, kind)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			payload, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.CreateEntity(ctx, name, kind, payload, r.URL.Query().Get("by"))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	// /api/databases/{name}/analysis/{id}/import
	if len(rest) == 3 && rest[0] == "analysis" && rest[2] == "import" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body struct {
			Names []string `json:"names"`
			By    string   `json:"by"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ImportCandidates(ctx, name, rest[1], body.Names, body.By)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"created": result.Created,
			"skipped": result.Skipped,
			"commit":  result.Commit,
		})
		return
	}

	// Entity item: /api/databases/{name}/{kind}/{id}
	if len(rest) == 2 {
		kind, id := rest[0], rest[1]
		switch r.Method {
		case http.MethodGet:
			item, err := s.service.GetEntity(ctx, name, kind, id)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodPut:
			payload, err := readBody(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.UpdateEntity(ctx, name, kind, id, payload, r.URL.Query().Get("by"))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodDelete:
			if err := s.service.DeleteEntity(ctx, name, kind, id, r.URL.Query().Get("by")); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		snap, commit, err := s.service.GetSnapshot(r.Context(), name, r.URL.Query().Get("at"))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"snapshot": snap,
			"commit":   commit,
		})
	case http.MethodPut:
		var body struct {
			Snapshot *entity.Snapshot `json:"snapshot"`
			By       string           `json:"by"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.SaveSnapshot(r.Context(), name, body.Snapshot, body.By)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"commit":        result.Commit,
			"unchanged":     result.Unchanged,
			"repairChanges": repairPayload(result.RepairChanges),
			"entityCount":   result.EntityCount,
			"contentHash":   result.ContentHash,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleBackups(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		backups, err := s.service.ListBackups(r.Context(), name, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(backups))
		for _, item := range backups {
			items = append(items, backupPayload(item))
		}
		writeJSON(w, http.StatusOK, map[string]any{"backups": items})
	case http.MethodPost:
		var body CreateBackupInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, skipped, err := s.service.CreateBackup(r.Context(), name, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		if skipped {
			writeJSON(w, http.StatusOK, map[string]any{"skipped": true})
			return
		}
		writeJSON(w, http.StatusCreated, backupPayload(item))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleBackupSettings(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.service.GetBackupSettings(r.Context(), name)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingsPayload(settings))
	case http.MethodPut:
		var body BackupSettingsInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		settings, err := s.service.UpdateBackupSettings(r.Context(), name, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, settingsPayload(settings))
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAnalysis(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		reports, err := s.service.ListAnalysisReports(r.Context(), name, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		items := make([]map[string]any, 0, len(reports))
		for _, report := range reports {
			items = append(items, map[string]any{
				"id":         report.ID,
				"sourceName": report.SourceName,
				"stats":      report.Stats,
				"candidates": report.Candidates,
				"createdAt":  report.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": items})
	case http.MethodPost:
		var body AnalyzeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		row, report, err := s.service.AnalyzeBook(r.Context(), name, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         row.ID,
			"sourceName": row.SourceName,
			"stats":      report.Stats,
			"candidates": report.Candidates,
			"truncated":  report.Truncated,
			"createdAt":  row.CreatedAt,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleDownloadExport(w http.ResponseWriter, r *http.Request, fileName string) {
	file, err := s.service.OpenExport(fileName, r.URL.Query().Get("token"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, file); err != nil {
		log.Printf("app: export download aborted: %v", err)
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func readBody(r *http.Request) (json.RawMessage, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("body is required")
	}
	defer r.Body.Close()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("invalid body")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("body is required")
	}
	return payload, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, export.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, backup.ErrBadPassphrase) {
		return http.StatusBadRequest, "BAD_PASSPHRASE", "Wrong passphrase for this backup", nil
	}
	if errors.Is(err, backup.ErrPassphraseRequired) {
		return http.StatusBadRequest, "PASSPHRASE_REQUIRED", "This backup is encrypted and needs a passphrase", nil
	}
	if errors.Is(err, backup.ErrHashMismatch) {
		return http.StatusConflict, "BACKUP_DAMAGED", "Backup content does not match its recorded hash", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func databasePayload(db store.Database) map[string]any {
	return map[string]any{
		"name":          db.Name,
		"slug":          db.Slug,
		"formatVersion": db.FormatVersion,
		"entityCount":   db.EntityCount,
		"contentHash":   db.ContentHash,
		"commitHash":    db.CommitHash,
		"updatedBy":     db.UpdatedBy,
		"createdAt":     db.CreatedAt,
		"updatedAt":     db.UpdatedAt,
	}
}

func backupPayload(item store.Backup) map[string]any {
	return map[string]any{
		"id":          item.ID,
		"kind":        item.Kind,
		"fileName":    item.FileName,
		"sizeBytes":   item.SizeBytes,
		"contentHash": item.ContentHash,
		"encrypted":   item.Encrypted,
		"replicated":  item.Replicated,
		"commitHash":  item.CommitHash,
		"note":        item.Note,
		"createdBy":   item.CreatedBy,
		"createdAt":   item.CreatedAt,
	}
}

func settingsPayload(settings store.BackupSettings) map[string]any {
	return map[string]any{
		"enabled":         settings.Enabled,
		"intervalMinutes": settings.IntervalMinutes,
		"keepAuto":        settings.KeepAuto,
		"encrypt":         settings.Encrypt,
		"passphraseSet":   settings.PassphraseHash != "",
		"updatedAt":       settings.UpdatedAt,
	}
}

func eventPayload(event store.Event) map[string]any {
	return map[string]any{
		"id":        event.ID,
		"level":     event.Level,
		"code":      event.Code,
		"message":   event.Message,
		"database":  event.Database,
		"count":     event.Count,
		"firstSeen": event.FirstSeen,
		"lastSeen":  event.LastSeen,
	}
}

func repairPayload(changes []entity.RepairChange) []map[string]any {
	items := make([]map[string]any, 0, len(changes))
	for _, change := range changes {
		items = append(items, map[string]any{
			"code":   change.Code,
			"detail": change.Detail,
		})
	}
	return items
}
