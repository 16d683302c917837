// Package session 保存面试进行中页面需要的状态：已朗读过的题目与当前的转写记录。
// 每场面试从 Registry 获得独立的 Session，面试结束或长时间无访问后状态被丢弃。
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound 表示会话不存在、已结束或已过期。
	ErrNotFound = errors.New("session not found")
	// ErrInvalidConfig 包裹 Config 或 Turn 的校验错误。
	ErrInvalidConfig = errors.New("invalid session payload")
)

var payloadValidator = validator.New()

// Mode 决定题目的呈现方式。
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// Speaker 标识转写记录的发言方。
type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerCandidate   Speaker = "candidate"
)

const (
	defaultLanguage     = "en-US"
	defaultMaxQuestions = 10
)

// Config 是页面创建会话时提交的面试配置。
type Config struct {
	CandidateID  string `json:"candidate_id" validate:"required"`
	JobID        string `json:"job_id" validate:"required"`
	Mode         Mode   `json:"mode" validate:"omitempty,oneof=voice text"`
	Language     string `json:"language" validate:"omitempty,bcp47_language_tag"`
	MaxQuestions int    `json:"max_questions" validate:"gte=0,lte=50"`
}

// Turn 是一条转写记录。
type Turn struct {
	Speaker Speaker   `json:"speaker" validate:"required,oneof=interviewer candidate"`
	Text    string    `json:"text" validate:"required"`
	At      time.Time `json:"at"`
}

// Snapshot 是会话的只读副本。
type Snapshot struct {
	ID         string    `json:"id"`
	App        string    `json:"app"`
	Config     Config    `json:"config"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	Spoken     int       `json:"spoken"`
	Transcript []Turn    `json:"transcript"`
}

// Session 持有单场面试的可变状态。
type Session struct {
	id        string
	app       string
	config    Config
	startedAt time.Time

	mu         sync.Mutex
	spoken     map[string]struct{}
	transcript []Turn
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.id }

// App 返回会话所属的 App。
func (s *Session) App() string { return s.app }

// MarkSpoken 记录已朗读的文本并报告是否首次出现；仅大小写或空白不同的文本视为同一题。
func (s *Session) MarkSpoken(text string) bool {
	key := normalizeText(text)
	if key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.spoken[key]; seen {
		return false
	}
	s.spoken[key] = struct{}{}
	return true
}

// Append 追加一条转写记录并返回当前条数。
func (s *Session) Append(turn Turn) (int, error) {
	turn.Text = strings.TrimSpace(turn.Text)
	if err := payloadValidator.Struct(turn); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if turn.At.IsZero() {
		turn.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, turn)
	return len(s.transcript), nil
}

// Snapshot 复制会话状态。
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:         s.id,
		App:        s.app,
		Config:     s.config,
		StartedAt:  s.startedAt,
		Spoken:     len(s.spoken),
		Transcript: append([]Turn(nil), s.transcript...),
	}
}

// Registry 管理网关内所有存活的会话。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	lastSeen map[string]time.Time
	now      func() time.Time
}

// NewRegistry 返回空的注册表。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		lastSeen: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create 校验 cfg、填充默认值并为 app 创建会话。
func (r *Registry) Create(app string, cfg Config) (*Session, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeVoice
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.MaxQuestions == 0 {
		cfg.MaxQuestions = defaultMaxQuestions
	}
	if err := payloadValidator.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s := &Session{
		id:        uuid.NewString(),
		app:       app,
		config:    cfg,
		startedAt: r.now(),
		spoken:    make(map[string]struct{}),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.lastSeen[s.id] = s.startedAt
	r.mu.Unlock()
	return s, nil
}

// Get 返回存活的会话并刷新其最近访问时间。会话只对创建它的 App 可见。
func (r *Registry) Get(app, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.app != app {
		return nil, ErrNotFound
	}
	r.lastSeen[id] = r.now()
	return s, nil
}

// End 结束会话并返回最终状态。
func (r *Registry) End(app, id string) (Snapshot, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok && s.app == app {
		delete(r.sessions, id)
		delete(r.lastSeen, id)
	}
	r.mu.Unlock()
	if !ok || s.app != app {
		return Snapshot{}, ErrNotFound
	}
	snap := s.Snapshot()
	snap.EndedAt = r.now()
	return snap, nil
}

// Len 返回存活会话数。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep 删除超过 idle 未被访问的会话，返回删除数量。
func (r *Registry) Sweep(idle time.Duration) int {
	if idle <= 0 {
		return 0
	}
	cutoff := r.now().Add(-idle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, seen := range r.lastSeen {
		if seen.Before(cutoff) {
			delete(r.sessions, id)
			delete(r.lastSeen, id)
			removed++
		}
	}
	return removed
}

// Run 周期性清理空闲会话，直到 ctx 结束。
func (r *Registry) Run(ctx context.Context, idle time.Duration, logger *logrus.Logger) {
	if idle <= 0 {
		return
	}
	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(idle); n > 0 && logger != nil {
				logger.WithFields(logrus.Fields{
					"action":  "session_sweep",
					"expired": n,
					"live":    r.Len(),
				}).Info("sessions_expired")
			}
		}
	}
}

func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
