package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"listenalong/internal/config"
	"listenalong/internal/event"
)

// ErrRateLimited is returned when a user sends messages faster than the
// configured rate.
var ErrRateLimited = errors.New("too many messages, slow down")

// ErrInvalidMessage is returned for content that fails validation.
var ErrInvalidMessage = errors.New("invalid message")

// Broadcaster fans an event out to a room's connected session channels.
type Broadcaster interface {
	ToRoom(roomID, eventName string, payload any)
	ToRoomExcept(roomID, exceptUserID, eventName string, payload any)
}

// RoomGuard checks that a room is active and the author is a member before
// a message is accepted. Implemented by the room registry.
type RoomGuard interface {
	LockRoom(roomID string) func()
	CheckMember(ctx context.Context, roomID, userID string) (displayName string, err error)
}

// Service is the chat subsystem: an ordered, append-only message log per
// room.
type Service interface {
	Send(ctx context.Context, roomID, authorID, content string) (*Message, error)
	Recent(ctx context.Context, roomID string, n int) ([]Message, error)
}

type service struct {
	repo        Repository
	guard       RoomGuard
	broadcaster Broadcaster
	metrics     *config.Metrics
	logger      *log.Logger
	maxLength   int
	now         func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewService creates the chat service. Messages are rate limited per author.
func NewService(repo Repository, guard RoomGuard, broadcaster Broadcaster, metrics *config.Metrics, logger *log.Logger, cfg *config.Config) Service {
	perSecond := rate.Limit(float64(cfg.ChatRatePerMinute) / 60)
	return &service{
		repo:        repo,
		guard:       guard,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		maxLength:   cfg.MaxMessageLength,
		now:         time.Now,
		limiters:    make(map[string]*rate.Limiter),
		rate:        perSecond,
		burst:       5,
	}
}

// Send appends a message to the room's log with server-assigned order and
// timestamp, then broadcasts it to all members. No editing or deletion.
func (s *service) Send(ctx context.Context, roomID, authorID, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if len(content) > s.maxLength {
		return nil, fmt.Errorf("%w: exceeds %d characters", ErrInvalidMessage, s.maxLength)
	}

	if !s.limiter(authorID).Allow() {
		return nil, ErrRateLimited
	}

	authorName, err := s.guard.CheckMember(ctx, roomID, authorID)
	if err != nil {
		return nil, err
	}

	// The room lock makes the seq assignment part of the room's single
	// mutation order.
	unlock := s.guard.LockRoom(roomID)
	msg := &Message{
		ID:         uuid.New().String(),
		RoomID:     roomID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  s.now(),
	}
	err = s.repo.Append(ctx, msg)
	unlock()
	if err != nil {
		return nil, err
	}

	s.broadcaster.ToRoom(roomID, event.NewMessage, msg)
	s.metrics.MessageSent()
	s.logger.Debug("message sent", "room", roomID, "author", authorID, "seq", msg.Seq)
	return msg, nil
}

// Recent returns the last n messages of a room in ascending order.
func (s *service) Recent(ctx context.Context, roomID string, n int) ([]Message, error) {
	return s.repo.Recent(ctx, roomID, n)
}

func (s *service) limiter(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[userID]
	if !ok {
		l = rate.NewLimiter(s.rate, s.burst)
		s.limiters[userID] = l
	}
	return l
}
