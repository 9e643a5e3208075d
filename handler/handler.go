// Package handler is the transport entry point. It validates the inbound
// invocation payload, routes updates to the dispatcher and guarantees the
// transport always gets an answer: webhook invocations return 200 no matter
// what failed, and a user whose request blew up still receives a fallback
// reply.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"telegram-chatbot/internal/domain"
	"telegram-chatbot/internal/logging"
	"telegram-chatbot/internal/usecase"
)

const (
	pollBatchLimit  = 5
	fallbackApology = "Sorry, something went wrong on our side. Please try again."
)

// Response is the Lambda proxy response shape.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Dispatcher routes one inbound message and returns the action tag.
// *usecase.Dispatcher satisfies this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context, log *logging.Logger, msg *domain.Message) (string, error)
}

// OffsetStore tracks the transport polling offset and processed update ids.
// *repository.Client satisfies this interface.
type OffsetStore interface {
	GetLastOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, offset int64) error
	MarkUpdateSeen(ctx context.Context, updateID int64) (bool, error)
}

// Poller fetches pending updates when invoked outside the webhook path.
type Poller interface {
	GetUpdates(ctx context.Context, offset int64, limit int) ([]domain.Update, error)
}

// replySender is the minimal transport surface for the fallback reply.
type replySender interface {
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

// Handler wires the dispatcher to the Lambda invocation shapes.
type Handler struct {
	dispatcher Dispatcher
	store      OffsetStore
	poller     Poller
	sender     replySender
	log        *logging.Logger
}

func NewHandler(dispatcher Dispatcher, store OffsetStore, poller Poller, sender replySender, log *logging.Logger) (*Handler, error) {
	if dispatcher == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if store == nil {
		return nil, errors.New("handler: offset store must not be nil")
	}
	if poller == nil {
		return nil, errors.New("handler: poller must not be nil")
	}
	if sender == nil {
		return nil, errors.New("handler: sender must not be nil")
	}
	if log == nil {
		return nil, errors.New("handler: logger must not be nil")
	}
	return &Handler{dispatcher: dispatcher, store: store, poller: poller, sender: sender, log: log}, nil
}

type updateResult struct {
	Processed bool   `json:"processed"`
	UpdateID  int64  `json:"update_id,omitempty"`
	Handled   string `json:"handled,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Handle supports two invocation shapes: an API Gateway webhook event
// (payload carries a "body" field with one update) and a direct invocation,
// which polls the transport for pending updates.
func (h *Handler) Handle(ctx context.Context, raw json.RawMessage) (Response, error) {
	requestID := "unknown"
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		requestID = lc.AwsRequestID
	}
	log := h.log.With("request_id", requestID)

	var probe struct {
		Body *string `json:"body"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		log.Error("handle_event", "unparseable invocation payload", err)
		return jsonResponse(200, map[string]any{"ok": false, "error": "invalid event"}), nil
	}

	if probe.Body != nil {
		log.Info("handle_event", "webhook invocation")
		return h.handleWebhook(ctx, log, *probe.Body), nil
	}
	log.Info("handle_event", "polling invocation")
	return h.handlePolling(ctx, log), nil
}

// handleWebhook processes one update from the webhook body. It always
// returns 200: an unanswered webhook is redelivered by the platform and is
// itself a failure mode.
func (h *Handler) handleWebhook(ctx context.Context, log *logging.Logger, body string) Response {
	var update domain.Update
	if err := json.Unmarshal([]byte(body), &update); err != nil {
		log.Error("webhook", "invalid JSON in webhook body", err)
		return jsonResponse(200, map[string]any{"ok": false, "error": "invalid JSON"})
	}
	result := h.processUpdate(ctx, log, update)
	return jsonResponse(200, map[string]any{"ok": true, "result": result})
}

// processUpdate runs the dispatcher for one update. Every failure path,
// panics included, ends in a logged event and a fallback reply to the user.
func (h *Handler) processUpdate(ctx context.Context, log *logging.Logger, update domain.Update) (result updateResult) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		log.Log(slog.LevelWarn, "process_update", logging.OutcomeSkipped, "update carries no routable message", "update_id", update.UpdateID)
		return updateResult{Processed: false, UpdateID: update.UpdateID, Reason: "no_message"}
	}

	chatID := msg.Chat.ID
	userID := chatID
	if msg.From != nil {
		userID = msg.From.ID
	}
	log = log.With("user_id", userID, "chat_id", chatID, "message_id", msg.MessageID, "update_id", update.UpdateID)

	seen, err := h.store.MarkUpdateSeen(ctx, update.UpdateID)
	if err != nil {
		// A broken dedup check never blocks processing.
		log.Warn("process_update", "dedup check failed, processing anyway", "dedup_error", err.Error())
	} else if seen {
		log.Log(slog.LevelInfo, "process_update", logging.OutcomeSkipped, "duplicate update")
		return updateResult{Processed: false, UpdateID: update.UpdateID, Reason: "duplicate"}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("process_update", "panic during dispatch", fmt.Errorf("panic: %v", r))
			h.sendFallback(ctx, log, chatID)
			result = updateResult{Processed: false, UpdateID: update.UpdateID, Reason: "panic"}
		}
	}()

	tag, err := h.dispatcher.Dispatch(ctx, log, msg)
	if err != nil {
		var ue *usecase.Error
		if errors.As(err, &ue) {
			log.Error("process_update", "dispatch failed", err, "code", string(ue.Code), "reason", ue.Reason)
		} else {
			log.Error("process_update", "dispatch failed", err)
		}
		h.sendFallback(ctx, log, chatID)
		return updateResult{Processed: false, UpdateID: update.UpdateID, Handled: tag, Reason: "error"}
	}
	return updateResult{Processed: true, UpdateID: update.UpdateID, Handled: tag}
}

func (h *Handler) sendFallback(ctx context.Context, log *logging.Logger, chatID int64) {
	if _, err := h.sender.SendMessage(ctx, chatID, fallbackApology); err != nil {
		log.Error("send_message", "failed to deliver fallback reply", err)
	}
}

// handlePolling drains pending updates starting at the stored offset. On the
// first run ever it processes only the newest backlog entry and
// fast-forwards past the rest.
func (h *Handler) handlePolling(ctx context.Context, log *logging.Logger) Response {
	lastOffset, err := h.store.GetLastOffset(ctx)
	if err != nil {
		log.Error("polling", "failed to load offset", err)
		return jsonResponse(500, map[string]any{"ok": false, "error": "offset unavailable"})
	}

	if lastOffset == 0 {
		return h.handleFirstPoll(ctx, log)
	}

	updates, err := h.poller.GetUpdates(ctx, lastOffset, pollBatchLimit)
	if err != nil {
		log.Error("polling", "transport poll failed", err)
		return jsonResponse(500, map[string]any{"ok": false, "error": "poll failed"})
	}
	if len(updates) == 0 {
		log.Log(slog.LevelInfo, "polling", "no_messages", "no new updates")
		return jsonResponse(200, map[string]any{"ok": true, "mode": "polling", "processed_count": 0})
	}

	var results []updateResult
	maxUpdateID := lastOffset
	for _, u := range updates {
		if u.UpdateID < lastOffset {
			log.Log(slog.LevelInfo, "polling", logging.OutcomeSkipped, "already acknowledged", "update_id", u.UpdateID)
			continue
		}
		r := h.processUpdate(ctx, log, u)
		if r.Processed {
			results = append(results, r)
		}
		if u.UpdateID > maxUpdateID {
			maxUpdateID = u.UpdateID
		}
	}

	if err := h.store.SaveOffset(ctx, maxUpdateID+1); err != nil {
		log.Error("polling", "failed to save offset", err)
	} else {
		log.Info("polling", "acknowledged updates", "new_offset", maxUpdateID+1)
	}
	return jsonResponse(200, map[string]any{
		"ok":              true,
		"mode":            "polling",
		"processed_count": len(results),
		"messages":        results,
		"new_offset":      maxUpdateID + 1,
	})
}

func (h *Handler) handleFirstPoll(ctx context.Context, log *logging.Logger) Response {
	log.Info("polling", "first run detected")
	updates, err := h.poller.GetUpdates(ctx, 0, pollBatchLimit)
	if err != nil {
		log.Error("polling", "transport poll failed", err)
		return jsonResponse(500, map[string]any{"ok": false, "error": "poll failed"})
	}
	if len(updates) == 0 {
		if err := h.store.SaveOffset(ctx, 1); err != nil {
			log.Error("polling", "failed to save offset", err)
		}
		return jsonResponse(200, map[string]any{"ok": true, "mode": "polling", "first_run": true, "processed_count": 0})
	}

	latest := updates[len(updates)-1]
	if skipped := len(updates) - 1; skipped > 0 {
		log.Info("polling", "skipping backlog", "skipped_count", skipped)
	}
	r := h.processUpdate(ctx, log, latest)
	if err := h.store.SaveOffset(ctx, latest.UpdateID+1); err != nil {
		log.Error("polling", "failed to save offset", err)
	}
	return jsonResponse(200, map[string]any{
		"ok":            true,
		"mode":          "polling",
		"first_run":     true,
		"result":        r,
		"skipped_count": len(updates) - 1,
	})
}

func jsonResponse(status int, body any) Response {
	data, err := json.Marshal(body)
	if err != nil {
		data = []byte(`{"ok":false}`)
	}
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(data),
	}
}
