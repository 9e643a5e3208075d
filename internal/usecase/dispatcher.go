// Package usecase dispatches inbound messages: slash-commands are executed
// against sessions and archives, free text becomes a chat turn against the
// inference endpoint. All replies go out through the message transport; the
// returned tag names the action taken and is logged by the entry point.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/logging"
	"telegram-chatbot/internal/session"
)

const (
	defaultMaxHistory    = 10
	defaultMaxMessageLen = 4000

	// pendingWindow throttles a user whose previous chat turn is still
	// generating. Slightly under the one-minute transport retry horizon.
	pendingWindow = 55 * time.Second

	inferenceApology = "Sorry, AI response unavailable. Use /status to check the connection."
	storageApology   = "Sorry, something went wrong on our side. Please try again."
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
	Tags(ctx context.Context) ([]string, error)
}

type ArchiveStore interface {
	PutArchive(ctx context.Context, a domain.Archive) (string, error)
	GetArchive(ctx context.Context, userID int64, sessionID string) (*domain.Archive, error)
	ListArchives(ctx context.Context, userID int64) ([]domain.ArchiveInfo, error)
}

// Transport is the outbound delivery surface consumed by the dispatcher.
// *telegram.Client satisfies this interface.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, filename string, content []byte, caption string) error
	GetFile(ctx context.Context, fileID string) ([]byte, error)
}

// StatusStore is the read-only index surface used by the status command.
type StatusStore interface {
	QueryByActiveFlag(ctx context.Context, active bool) ([]domain.Session, error)
	QueryByModel(ctx context.Context, modelName string) ([]domain.Session, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Dispatcher routes one inbound message to its command or chat-turn handler.
type Dispatcher struct {
	params      ParamGetter
	llm         LLMClient
	sessions    *session.Manager
	archives    ArchiveStore
	transport   Transport
	stats       StatusStore
	paramPrefix string
	endpointURL string

	maxHistory    int
	maxMessageLen int

	cacheMu     sync.RWMutex
	cacheLoaded bool
	catalog     []string
}

func NewDispatcher(params ParamGetter, llm LLMClient, sessions *session.Manager, archives ArchiveStore, transport Transport, stats StatusStore, paramPrefix, endpointURL string, maxHistory, maxMessageLen int) (*Dispatcher, error) {
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session manager must not be nil")
	}
	if archives == nil {
		return nil, errors.New("usecase: archive store must not be nil")
	}
	if transport == nil {
		return nil, errors.New("usecase: transport must not be nil")
	}
	if stats == nil {
		return nil, errors.New("usecase: status store must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if maxMessageLen <= 0 {
		maxMessageLen = defaultMaxMessageLen
	}
	return &Dispatcher{
		params:        params,
		llm:           llm,
		sessions:      sessions,
		archives:      archives,
		transport:     transport,
		stats:         stats,
		paramPrefix:   paramPrefix,
		endpointURL:   endpointURL,
		maxHistory:    maxHistory,
		maxMessageLen: maxMessageLen,
	}, nil
}

var now = time.Now

// Dispatch handles one inbound message end to end and returns a tag naming
// the action taken. Validation and not-found conditions are answered inline
// with corrective replies; only storage-level failures surface as errors for
// the entry point's fallback path.
func (d *Dispatcher) Dispatch(ctx context.Context, log *logging.Logger, msg *domain.Message) (string, error) {
	if msg == nil || msg.Chat == nil {
		return "no_message", newError(ErrorValidation, "missing_message", nil)
	}
	chatID := msg.Chat.ID
	userID := chatID
	if msg.From != nil {
		userID = msg.From.ID
	}

	if msg.Document != nil {
		return d.handleImport(ctx, log, chatID, userID, msg.Document)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		d.reply(ctx, log, chatID, "No text received.")
		return "no_text", nil
	}
	// The limit counts characters, not bytes; multibyte text must not be
	// penalized for its encoding.
	if chars := utf8.RuneCountInString(text); chars > d.maxMessageLen {
		log.Warn("handle_message", "message over length limit", "length", chars)
		d.reply(ctx, log, chatID, fmt.Sprintf("Message too long (%d chars). Max is %d.", chars, d.maxMessageLen))
		return "message_too_long", nil
	}

	if strings.HasPrefix(text, "/") {
		cmd, payload := splitCommand(text)
		log.Info("handle_command", "dispatching command", "command", cmd)
		return d.handleCommand(ctx, log, chatID, userID, cmd, payload)
	}
	return d.handleChat(ctx, log, chatID, userID, text)
}

// splitCommand separates the keyword from its payload and strips the
// @botname suffix used in group chats.
func splitCommand(text string) (cmd, payload string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(strings.SplitN(parts[0], "@", 2)[0])
	if len(parts) > 1 {
		payload = parts[1]
	}
	return cmd, payload
}

func (d *Dispatcher) handleCommand(ctx context.Context, log *logging.Logger, chatID, userID int64, cmd, payload string) (string, error) {
	switch cmd {
	case "/start", "/hello":
		return d.handleStart(ctx, log, chatID, userID)
	case "/help":
		d.reply(ctx, log, chatID, helpText)
		return "help", nil
	case "/status":
		return d.handleStatus(ctx, log, chatID)
	case "/newsession":
		return d.handleNewSession(ctx, log, chatID, userID, payload)
	case "/listsessions":
		return d.handleListSessions(ctx, log, chatID, userID)
	case "/switch":
		return d.handleSwitch(ctx, log, chatID, userID, payload)
	case "/history":
		return d.handleHistory(ctx, log, chatID, userID)
	case "/echo":
		resp := strings.TrimSpace(payload)
		if resp == "" {
			resp = "Usage: /echo <text>"
		}
		d.reply(ctx, log, chatID, resp)
		return "echo", nil
	case "/archive":
		return d.handleArchive(ctx, log, chatID, userID, payload)
	case "/listarchives":
		return d.handleListArchives(ctx, log, chatID, userID)
	case "/export":
		return d.handleExport(ctx, log, chatID, userID, payload)
	default:
		log.Warn("handle_command", "unknown command", "command", cmd)
		d.reply(ctx, log, chatID, "Unknown command. Send /help for available commands.")
		return "unknown", nil
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, log *logging.Logger, chatID, userID int64) (string, error) {
	active, err := d.sessions.GetActive(ctx, userID)
	if err != nil {
		return "start_or_hello", newError(ErrorStorage, "get_active_error", err)
	}
	if active != nil {
		d.reply(ctx, log, chatID, fmt.Sprintf("Hello! Your current model is %s. Chat away or use /help.", active.ModelName))
	} else {
		d.reply(ctx, log, chatID, "Hello! Use /newsession to pick a model, then chat away. Send /help for commands.")
	}
	return "start_or_hello", nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, log *logging.Logger, chatID int64) (string, error) {
	inference := "unreachable (instance may be stopped)"
	models, err := d.llm.Tags(ctx)
	switch {
	case err == nil:
		loaded := "none loaded"
		if len(models) > 0 {
			loaded = strings.Join(models, ", ")
		}
		inference = "connected, models: " + loaded
	default:
		if status, ok := upstreamStatusCode(err); ok {
			inference = fmt.Sprintf("error (HTTP %d)", status)
		}
	}

	activeCount := "unavailable"
	if active, err := d.stats.QueryByActiveFlag(ctx, true); err == nil {
		activeCount = fmt.Sprintf("%d", len(active))
	}

	perModel := ""
	if catalog, err := d.modelCatalog(ctx); err == nil {
		counts := make([]string, 0, len(catalog))
		for _, m := range catalog {
			sessions, err := d.stats.QueryByModel(ctx, m)
			if err != nil {
				counts = nil
				break
			}
			counts = append(counts, fmt.Sprintf("%s=%d", m, len(sessions)))
		}
		if counts != nil {
			perModel = "\nSessions by model: " + strings.Join(counts, ", ")
		}
	}

	resp := fmt.Sprintf("Bot: running\nInference: %s\nEndpoint: %s\nActive sessions: %s%s",
		inference, d.endpointURL, activeCount, perModel)
	log.Info("handle_command", "status check", "inference_status", inference)
	d.reply(ctx, log, chatID, resp)
	return "status", nil
}

func (d *Dispatcher) handleNewSession(ctx context.Context, log *logging.Logger, chatID, userID int64, payload string) (string, error) {
	catalog, err := d.modelCatalog(ctx)
	if err != nil {
		return "newsession", newError(ErrorStorage, "catalog_load_error", err)
	}

	if strings.TrimSpace(payload) == "" {
		d.reply(ctx, log, chatID, formatCatalog(catalog))
		return "list_models", nil
	}

	idx, ok := parseIndex(payload)
	if !ok || idx < 1 || idx > len(catalog) {
		log.Warn("create_session", "invalid model index", "payload", payload)
		d.reply(ctx, log, chatID, "Invalid model number. Use /newsession to see available models.")
		return "invalid_model_number", nil
	}

	s, err := d.sessions.CreateSession(ctx, userID, catalog[idx-1], catalog)
	if err != nil {
		if errors.Is(err, session.ErrUnknownModel) {
			log.Warn("create_session", "unknown model", "model", catalog[idx-1])
			d.reply(ctx, log, chatID, "That model is not available. Use /newsession to see the catalog.")
			return "unknown_model", nil
		}
		return "newsession", newError(ErrorStorage, "create_session_error", err)
	}
	log.Info("create_session", "created new session", "session_id", s.SessionID, "model", s.ModelName)
	d.reply(ctx, log, chatID, fmt.Sprintf("New session created with model '%s' (ID: %s).", s.ModelName, shortID(s.SessionID)))
	return "newsession", nil
}

func (d *Dispatcher) handleListSessions(ctx context.Context, log *logging.Logger, chatID, userID int64) (string, error) {
	catalog, err := d.modelCatalog(ctx)
	if err != nil {
		return "listsessions", newError(ErrorStorage, "catalog_load_error", err)
	}
	sessions, err := d.sessions.ListSessions(ctx, userID, catalog)
	if err != nil {
		return "listsessions", newError(ErrorStorage, "list_sessions_error", err)
	}
	if len(sessions) == 0 {
		d.reply(ctx, log, chatID, "No sessions yet. Use /newsession to start one.")
		return "no_sessions", nil
	}
	d.reply(ctx, log, chatID, formatSessionList("Your sessions:", sessions, ""))
	return "listsessions", nil
}

func (d *Dispatcher) handleSwitch(ctx context.Context, log *logging.Logger, chatID, userID int64, payload string) (string, error) {
	idx, ok := parseIndex(payload)
	if !ok {
		d.reply(ctx, log, chatID, "Usage: /switch <number> (e.g., /switch 1)")
		return "invalid_switch", nil
	}
	catalog, err := d.modelCatalog(ctx)
	if err != nil {
		return "switch", newError(ErrorStorage, "catalog_load_error", err)
	}
	s, err := d.sessions.SwitchSession(ctx, userID, idx, catalog)
	if err != nil {
		if errors.Is(err, session.ErrInvalidIndex) {
			log.Warn("switch_session", "index out of range", "index", idx)
			d.reply(ctx, log, chatID, "Invalid session number. Use /listsessions.")
			return "invalid_switch", nil
		}
		return "switch", newError(ErrorStorage, "switch_session_error", err)
	}
	log.Info("switch_session", "switched active session", "session_id", s.SessionID)
	d.reply(ctx, log, chatID, fmt.Sprintf("Switched to session %d (model: %s).", idx, s.ModelName))
	return "switch", nil
}

func (d *Dispatcher) handleHistory(ctx context.Context, log *logging.Logger, chatID, userID int64) (string, error) {
	active, err := d.sessions.GetActive(ctx, userID)
	if err != nil {
		return "history", newError(ErrorStorage, "get_active_error", err)
	}
	if active == nil {
		log.Log(slog.LevelInfo, "history", logging.OutcomeWarning, "no active session")
		d.reply(ctx, log, chatID, "No active session. Use /newsession to start one.")
		return "no_active_session", nil
	}
	if len(active.Conversation) == 0 {
		d.reply(ctx, log, chatID, "No messages in this session yet.")
		return "no_history", nil
	}
	d.reply(ctx, log, chatID, formatHistory(active))
	return "history", nil
}

// handleChat forwards a free-text turn to the inference endpoint using the
// active session's bounded history window.
func (d *Dispatcher) handleChat(ctx context.Context, log *logging.Logger, chatID, userID int64, text string) (string, error) {
	active, err := d.sessions.GetActive(ctx, userID)
	if err != nil {
		return "ai_response", newError(ErrorStorage, "get_active_error", err)
	}
	if active == nil {
		log.Log(slog.LevelInfo, "handle_message", logging.OutcomeWarning, "chat without active session")
		d.reply(ctx, log, chatID, "No active session. Use /newsession to pick a model first.")
		return "no_active_session", nil
	}

	ts := now().Unix()
	if active.PendingSince != 0 && ts-active.PendingSince < int64(pendingWindow/time.Second) {
		log.Warn("handle_message", "previous request still pending", "pending_since", active.PendingSince)
		d.reply(ctx, log, chatID, "Please wait, still generating a response to your previous message...")
		return "rate_limited", nil
	}

	active.PendingSince = ts
	if err := d.sessions.AppendMessage(ctx, active, "user", text); err != nil {
		return "ai_response", newError(ErrorStorage, "append_user_turn_error", err)
	}

	// Placeholder so the user sees progress; edited into the real reply.
	thinkingID, sendErr := d.transport.SendMessage(ctx, chatID, "Thinking...")
	if sendErr != nil {
		log.Warn("send_message", "failed to send placeholder", "send_error", sendErr.Error())
		thinkingID = 0
	}

	history := session.RecentHistory(active, d.maxHistory)
	log.Info("call_inference", "calling model", "model", active.ModelName, "context_length", len(history))

	replyText, chatErr := d.llm.Chat(ctx, active.ModelName, history)
	tag := "ai_response"
	if chatErr != nil {
		if status, ok := upstreamStatusCode(chatErr); ok {
			log.Error("call_inference", "inference endpoint error", chatErr, "error_code", string(ErrorInference), "status", status)
		} else {
			log.Error("call_inference", "inference connection error", chatErr, "error_code", string(ErrorInference))
		}
		replyText = inferenceApology
		tag = "inference_error"
	} else {
		log.Info("call_inference", "model replied", "response_length", len(replyText))
	}

	active.PendingSince = 0
	if err := d.sessions.AppendMessage(ctx, active, "assistant", replyText); err != nil {
		return tag, newError(ErrorStorage, "append_assistant_turn_error", err)
	}

	if thinkingID != 0 {
		if err := d.transport.EditMessageText(ctx, chatID, thinkingID, replyText); err != nil {
			log.Warn("send_message", "edit failed, sending fresh reply", "send_error", err.Error())
			d.reply(ctx, log, chatID, replyText)
		}
	} else {
		d.reply(ctx, log, chatID, replyText)
	}
	return tag, nil
}

// modelCatalog loads the deployable model list from the parameter store once
// per process.
func (d *Dispatcher) modelCatalog(ctx context.Context) ([]string, error) {
	d.cacheMu.RLock()
	if d.cacheLoaded {
		defer d.cacheMu.RUnlock()
		return d.catalog, nil
	}
	d.cacheMu.RUnlock()

	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	if d.cacheLoaded {
		return d.catalog, nil
	}

	raw, err := d.params.GetParameter(ctx, d.paramPrefix+"/config/model-catalog")
	if err != nil {
		return nil, fmt.Errorf("usecase: load model catalog: %w", err)
	}
	var catalog []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			catalog = append(catalog, m)
		}
	}
	if len(catalog) == 0 {
		return nil, errors.New("usecase: model catalog is empty")
	}
	d.catalog = catalog
	d.cacheLoaded = true
	return d.catalog, nil
}

// reply delivers text to the chat. Delivery failures are logged, not
// propagated: a reply the transport would not take cannot be salvaged by
// failing the request.
func (d *Dispatcher) reply(ctx context.Context, log *logging.Logger, chatID int64, text string) {
	if _, err := d.transport.SendMessage(ctx, chatID, text); err != nil {
		log.Error("send_message", "failed to deliver reply", err)
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
