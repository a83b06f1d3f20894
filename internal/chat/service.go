// Package chat orchestrates a send across the cache, the conversation
// history, the offline queue and the streaming transport.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/luoran/chatd/internal/cache"
	"github.com/luoran/chatd/internal/store"
	"github.com/luoran/chatd/internal/transport"
)

// Error codes attached to chat errors.
const (
	CodeInvalidInput = "invalid_input"
	CodeTransport    = "transport"
)

// Error carries a stable code alongside the underlying cause.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cache is the slice of the cache manager the service needs.
type Cache interface {
	Lookup(prompt, provider string, attachments []store.Attachment) (*store.CachedRequest, cache.Status)
	Store(prompt, provider string, attachments []store.Attachment, response string) (int64, error)
}

// History is the slice of the history manager the service needs.
type History interface {
	AddMessage(conversationID int64, msg store.Message) *store.Conversation
}

// Queue is the slice of the offline queue manager the service needs.
type Queue interface {
	Add(msg store.OfflineMessage) (int64, error)
	Pending() []store.OfflineMessage
	MarkSent(id int64) error
	MarkFailed(id int64) error
}

// Service runs chat sends end to end.
type Service struct {
	cache    Cache
	history  History
	queue    Queue
	streamer transport.Streamer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the collaborators together.
func NewService(c Cache, h History, q Queue, s transport.Streamer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cache:    c,
		history:  h,
		queue:    q,
		streamer: s,
		logger:   logger,
		now:      time.Now,
	}
}

// SendInput describes a single chat send.
type SendInput struct {
	ConversationID int64
	Prompt         string
	Provider       string
	Attachments    []store.Attachment
	Model          string
	MaxTokens      int

	// OnFragment, when set, receives each streamed fragment as it
	// arrives. A cache hit delivers the whole response in one call.
	OnFragment func(fragment string)
}

// SendOutput reports how a send concluded.
type SendOutput struct {
	Response  string
	FromCache bool

	// QueuedID is the offline queue entry created when the transport
	// was unreachable; zero otherwise.
	QueuedID int64
}

// Send runs a chat exchange. A cached response short-circuits the
// transport entirely; a transport failure parks the request on the
// offline queue and reports the queue id alongside the error.
func (s *Service) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	if strings.TrimSpace(in.Prompt) == "" && len(in.Attachments) == 0 {
		return SendOutput{}, &Error{Code: CodeInvalidInput, Err: errors.New("empty prompt")}
	}

	if hit, status := s.cache.Lookup(in.Prompt, in.Provider, in.Attachments); status == cache.Hit {
		s.appendMessage(in.ConversationID, store.OriginUser, in.Prompt, in.Attachments)
		s.appendMessage(in.ConversationID, store.OriginAssistant, hit.Response, nil)
		if in.OnFragment != nil {
			in.OnFragment(hit.Response)
		}
		return SendOutput{Response: hit.Response, FromCache: true}, nil
	}

	s.appendMessage(in.ConversationID, store.OriginUser, in.Prompt, in.Attachments)

	stream, err := s.streamer.Stream(ctx, transport.ChatRequest{
		Prompt:    in.Prompt,
		Provider:  in.Provider,
		Images:    in.Attachments,
		Model:     in.Model,
		MaxTokens: in.MaxTokens,
	})
	if err != nil {
		id := s.park(in)
		return SendOutput{QueuedID: id}, &Error{Code: CodeTransport, Err: err}
	}
	defer stream.Close()

	var full strings.Builder
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				// Keep whatever streamed before the abort; the
				// partial response is not cached.
				if full.Len() > 0 {
					s.appendMessage(in.ConversationID, store.OriginAssistant, full.String(), nil)
				}
				return SendOutput{Response: full.String()}, context.Canceled
			}
			id := s.park(in)
			return SendOutput{QueuedID: id}, &Error{Code: CodeTransport, Err: err}
		}
		full.WriteString(fragment)
		if in.OnFragment != nil {
			in.OnFragment(fragment)
		}
	}

	response := full.String()
	if _, err := s.cache.Store(in.Prompt, in.Provider, in.Attachments, response); err != nil {
		s.logger.Warn("response not cached", "error", err)
	}
	s.appendMessage(in.ConversationID, store.OriginAssistant, response, nil)

	return SendOutput{Response: response}, nil
}

// FlushOffline replays pending queue entries against the transport.
// Each entry is marked sent or failed independently; a canceled context
// stops the sweep early.
func (s *Service) FlushOffline(ctx context.Context) (sent, failed int, err error) {
	for _, msg := range s.queue.Pending() {
		if ctx.Err() != nil {
			return sent, failed, ctx.Err()
		}

		response, streamErr := s.replay(ctx, msg)
		if streamErr != nil {
			if errors.Is(streamErr, context.Canceled) {
				return sent, failed, streamErr
			}
			s.logger.Warn("offline replay failed", "id", msg.ID, "error", streamErr)
			if markErr := s.queue.MarkFailed(msg.ID); markErr != nil {
				s.logger.Error("queue entry not marked failed", "id", msg.ID, "error", markErr)
			}
			failed++
			continue
		}

		if markErr := s.queue.MarkSent(msg.ID); markErr != nil {
			s.logger.Error("queue entry not marked sent", "id", msg.ID, "error", markErr)
		}
		s.appendMessage(msg.ConversationID, store.OriginAssistant, response, nil)
		if _, cacheErr := s.cache.Store(msg.Prompt, msg.Provider, msg.Attachments, response); cacheErr != nil {
			s.logger.Warn("replayed response not cached", "id", msg.ID, "error", cacheErr)
		}
		sent++
	}
	return sent, failed, nil
}

func (s *Service) replay(ctx context.Context, msg store.OfflineMessage) (string, error) {
	stream, err := s.streamer.Stream(ctx, transport.ChatRequest{
		Prompt:   msg.Prompt,
		Provider: msg.Provider,
		Images:   msg.Attachments,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var full strings.Builder
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			return full.String(), nil
		}
		if err != nil {
			return "", err
		}
		full.WriteString(fragment)
	}
}

func (s *Service) park(in SendInput) int64 {
	id, err := s.queue.Add(store.OfflineMessage{
		ConversationID: in.ConversationID,
		Prompt:         in.Prompt,
		Provider:       in.Provider,
		Attachments:    in.Attachments,
	})
	if err != nil {
		s.logger.Error("request not queued", "error", err)
		return 0
	}
	s.logger.Info("request queued for offline replay", "id", id)
	return id
}

func (s *Service) appendMessage(conversationID int64, origin, text string, attachments []store.Attachment) {
	s.history.AddMessage(conversationID, store.Message{
		Origin:      origin,
		Text:        text,
		Attachments: attachments,
		Timestamp:   s.now().UnixMilli(),
	})
}
