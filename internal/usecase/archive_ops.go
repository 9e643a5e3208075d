package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"telegram-chatbot/internal/archive"
	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/logging"
)

// importPayload validates an uploaded archive file. Conversation is a
// pointer so a file missing the field is distinguishable from an empty one.
type importPayload struct {
	ModelName    string               `json:"model_name"`
	Conversation *[]domain.ChatRecord `json:"conversation"`
}

// handleArchive lists archivable sessions (no payload) or moves session n to
// the archive store. The write-then-delete pair is not atomic: a failure
// after the write leaves the session in both places, and re-running the
// command overwrites the same archive key and retries the delete.
func (d *Dispatcher) handleArchive(ctx context.Context, log *logging.Logger, chatID, userID int64, payload string) (string, error) {
	catalog, err := d.modelCatalog(ctx)
	if err != nil {
		return "archive", newError(ErrorStorage, "catalog_load_error", err)
	}
	sessions, err := d.sessions.ListSessions(ctx, userID, catalog)
	if err != nil {
		return "archive", newError(ErrorStorage, "list_sessions_error", err)
	}
	if len(sessions) == 0 {
		d.reply(ctx, log, chatID, "No sessions to archive. Start chatting first!")
		return "no_sessions_to_archive", nil
	}

	if strings.TrimSpace(payload) == "" {
		d.reply(ctx, log, chatID, formatSessionList(
			"Sessions available to archive:", sessions,
			"Use /archive <number> to archive a session (e.g., /archive 1)"))
		return "list_for_archive", nil
	}

	idx, ok := parseIndex(payload)
	if !ok {
		d.reply(ctx, log, chatID, "Usage: /archive <number> (e.g., /archive 1)")
		return "invalid_archive_format", nil
	}
	if idx < 1 || idx > len(sessions) {
		log.Warn("archive_session", "index out of range", "index", idx)
		d.reply(ctx, log, chatID, "Invalid session number. Use /archive to see available sessions.")
		return "invalid_archive_number", nil
	}
	target := sessions[idx-1]

	key, err := d.archives.PutArchive(ctx, domain.Archive{
		UserID:        userID,
		SessionID:     target.SessionID,
		ModelName:     target.ModelName,
		Conversation:  target.Conversation,
		OriginalSK:    target.SK,
		LastMessageTS: target.LastMessageTS,
		ArchivedAt:    now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// Nothing was deleted; the session is untouched.
		return "archive_store_error", newError(ErrorStorage, "archive_write_error", err)
	}
	log.Info("archive_session", "archived session", "session_id", target.SessionID, "archive_key", key)

	if err := d.sessions.Remove(ctx, userID, target.SK); err != nil {
		log.Error("delete_session", "archived but failed to remove from store", err, "session_id", target.SessionID)
		d.reply(ctx, log, chatID, "Session saved to the archive but not yet removed from active storage. Run /archive again to finish.")
		return "archive_cleanup_error", nil
	}
	log.Info("delete_session", "removed archived session from store", "session_id", target.SessionID)

	d.reply(ctx, log, chatID, fmt.Sprintf(
		"Session archived successfully!\n- Model: %s\n- Messages: %d\n- Archive ID: %s\n\nUse /listarchives to see your archives.",
		target.ModelName, len(target.Conversation), shortID(target.SessionID)))
	return "archived", nil
}

func (d *Dispatcher) handleListArchives(ctx context.Context, log *logging.Logger, chatID, userID int64) (string, error) {
	infos, err := d.archives.ListArchives(ctx, userID)
	if err != nil {
		return "listarchives", newError(ErrorStorage, "list_archives_error", err)
	}
	if len(infos) == 0 {
		d.reply(ctx, log, chatID, "No archived sessions yet. Use /archive to archive a session.")
		return "no_archives", nil
	}
	log.Info("list_archives", "listed archives", "count", len(infos))
	d.reply(ctx, log, chatID, formatArchiveList(infos))
	return "listarchives", nil
}

// handleExport streams archive n back as a file attachment. Read-only.
func (d *Dispatcher) handleExport(ctx context.Context, log *logging.Logger, chatID, userID int64, payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		d.reply(ctx, log, chatID, "Usage: /export <number> (e.g., /export 1)\nUse /listarchives to see available archives.")
		return "export_no_number", nil
	}

	infos, err := d.archives.ListArchives(ctx, userID)
	if err != nil {
		return "export", newError(ErrorStorage, "list_archives_error", err)
	}
	if len(infos) == 0 {
		d.reply(ctx, log, chatID, "No archived sessions to export. Use /archive first.")
		return "no_archives_to_export", nil
	}

	idx, ok := parseIndex(payload)
	if !ok {
		d.reply(ctx, log, chatID, "Usage: /export <number> (e.g., /export 1)")
		return "invalid_export_format", nil
	}
	if idx < 1 || idx > len(infos) {
		log.Warn("export_archive", "index out of range", "index", idx)
		d.reply(ctx, log, chatID, "Invalid archive number. Use /listarchives to see available archives.")
		return "invalid_export_number", nil
	}

	a, err := d.archives.GetArchive(ctx, userID, infos[idx-1].SessionID)
	if err != nil {
		return "export", newError(ErrorStorage, "get_archive_error", err)
	}
	if a == nil {
		log.Warn("export_archive", "archive vanished between list and read", "error_code", string(ErrorNotFound), "session_id", infos[idx-1].SessionID)
		d.reply(ctx, log, chatID, "Failed to retrieve archive. Please try again.")
		return "export_retrieve_error", nil
	}

	content, err := archive.Marshal(*a)
	if err != nil {
		return "export", newError(ErrorStorage, "marshal_archive_error", err)
	}
	filename := fmt.Sprintf("archive_%s_%s.json", shortID(a.SessionID), a.ModelName)
	caption := fmt.Sprintf("Archive: %s - %d messages", a.ModelName, len(a.Conversation))

	if err := d.transport.SendDocument(ctx, chatID, filename, content, caption); err != nil {
		log.Error("export_archive", "failed to send archive file", err)
		d.reply(ctx, log, chatID, "Failed to send archive file. Please try again.")
		return "export_send_error", nil
	}
	log.Info("export_archive", "exported archive", "session_id", a.SessionID)
	d.reply(ctx, log, chatID, "Archive exported! You can send this file back to import it later.")
	return "exported", nil
}

// handleImport turns an uploaded archive file into a new active session.
// The original model is kept when still in the catalog; otherwise the
// default model is substituted and the reply says so.
func (d *Dispatcher) handleImport(ctx context.Context, log *logging.Logger, chatID, userID int64, doc *domain.Document) (string, error) {
	log.Info("handle_document", "received document", "file_name", doc.FileName, "mime_type", doc.MimeType)

	if !strings.HasSuffix(doc.FileName, ".json") && doc.MimeType != "application/json" {
		log.Warn("import_archive", "not a JSON file", "error_code", string(ErrorImport), "mime_type", doc.MimeType)
		d.reply(ctx, log, chatID, "Please send a JSON file to import an archive.\nExport archives using /export to get the correct format.")
		return "invalid_file_type", nil
	}

	content, err := d.transport.GetFile(ctx, doc.FileID)
	if err != nil {
		log.Error("import_archive", "failed to download file", err, "error_code", string(ErrorImport))
		d.reply(ctx, log, chatID, "Failed to download file. Please try again.")
		return "download_error", nil
	}

	var payload importPayload
	if err := json.Unmarshal(content, &payload); err != nil {
		log.Warn("import_archive", "file is not valid JSON", "error_code", string(ErrorImport), "parse_error", err.Error())
		d.reply(ctx, log, chatID, "Invalid JSON file. Please send a valid archive export.")
		return "json_parse_error", nil
	}
	if payload.Conversation == nil {
		log.Warn("import_archive", "missing conversation field", "error_code", string(ErrorImport))
		d.reply(ctx, log, chatID, "Invalid archive format. Missing 'conversation' field.\nUse /export to get a valid archive format.")
		return "invalid_archive_format", nil
	}

	catalog, err := d.modelCatalog(ctx)
	if err != nil {
		return "import", newError(ErrorStorage, "catalog_load_error", err)
	}
	model := payload.ModelName
	warning := ""
	if !contains(catalog, model) {
		if model != "" {
			warning = fmt.Sprintf("\nNote: model '%s' is no longer available; using '%s' instead.", model, catalog[0])
		}
		model = catalog[0]
	}

	s, err := d.sessions.ImportSession(ctx, userID, model, *payload.Conversation)
	if err != nil {
		return "import", newError(ErrorStorage, "import_session_error", err)
	}
	log.Info("import_archive", "imported archive into new session", "session_id", s.SessionID, "model", model)

	d.reply(ctx, log, chatID, fmt.Sprintf(
		"Archive imported successfully!\n- Model: %s\n- Messages: %d\n- Session ID: %s\n\nThis session is now active.%s",
		model, len(*payload.Conversation), shortID(s.SessionID), warning))
	return "imported", nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
