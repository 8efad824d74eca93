// Package control exposes the administrative operations of the
// authorization channel: establishing a client, seeding or clearing the
// verdict cache, and reading cache state. Methods are addressed by ordinal
// selector; the numbering is append-only because privileged clients are
// built against it.
package control

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentsh/execgate/internal/session"
	"github.com/agentsh/execgate/pkg/types"
)

// Selector addresses one control method. New methods append after the
// current highest value; NumMethods is a protocol constant consumers rely on.
type Selector uint32

const (
	SelectorOpen Selector = iota
	SelectorAllowBinary
	SelectorDenyBinary
	SelectorClearCache
	SelectorCacheCount
	SelectorCheckCache

	NumMethods
)

var (
	ErrBadSelector = errors.New("control: unknown selector")
	ErrBadArgument = errors.New("control: bad argument")
)

// Service dispatches control operations against the session manager and its
// cache. Every operation is a direct, non-blocking mutation or read; none
// waits on an in-flight authorization request.
type Service struct {
	sessions *session.Manager
	log      *slog.Logger

	mu    sync.Mutex
	token uint64
}

func NewService(sessions *session.Manager, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{sessions: sessions, log: log}
}

// Open establishes (or resets) channel state and returns a session token.
// Verdicts cached while no authority was connected are stale by definition,
// so the cache is cleared.
func (s *Service) Open() uint64 {
	s.sessions.Cache().Clear()
	s.sessions.Reopen()

	var b [8]byte
	_, _ = rand.Read(b[:])
	token := binary.LittleEndian.Uint64(b[:])

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	s.log.Info("control client connected", "token", token)
	return token
}

// AllowBinary records an allow verdict for the identity, superseding any
// prior cached verdict, and wakes any request blocked on it.
func (s *Service) AllowBinary(id uint64) {
	s.sessions.ResolveExternal(id, types.VerdictAllow)
}

// DenyBinary records a deny verdict for the identity and wakes any request
// blocked on it.
func (s *Service) DenyBinary(id uint64) {
	s.sessions.ResolveExternal(id, types.VerdictDeny)
}

// ClearCache drops every cached verdict.
func (s *Service) ClearCache() {
	s.sessions.Cache().Clear()
}

// CacheCount returns the number of cached verdicts.
func (s *Service) CacheCount() uint64 {
	return uint64(s.sessions.Cache().Count())
}

// CheckCache returns the cached verdict for an identity, if any.
func (s *Service) CheckCache(id uint64) (types.Verdict, bool) {
	return s.sessions.Cache().Lookup(id)
}

// Dispatch executes a control method by selector with scalar arguments, the
// shape a privileged boundary-crossing client presents them in. Unknown
// selectors fail rather than no-op.
func (s *Service) Dispatch(sel Selector, args []uint64) ([]uint64, error) {
	switch sel {
	case SelectorOpen:
		return []uint64{s.Open()}, nil
	case SelectorAllowBinary:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: allow-binary wants 1 scalar, got %d", ErrBadArgument, len(args))
		}
		s.AllowBinary(args[0])
		return nil, nil
	case SelectorDenyBinary:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: deny-binary wants 1 scalar, got %d", ErrBadArgument, len(args))
		}
		s.DenyBinary(args[0])
		return nil, nil
	case SelectorClearCache:
		s.ClearCache()
		return nil, nil
	case SelectorCacheCount:
		return []uint64{s.CacheCount()}, nil
	case SelectorCheckCache:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: check-cache wants 1 scalar, got %d", ErrBadArgument, len(args))
		}
		v, ok := s.CheckCache(args[0])
		if !ok {
			return []uint64{0}, nil
		}
		if v == types.VerdictAllow {
			return []uint64{1}, nil
		}
		return []uint64{2}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadSelector, sel)
	}
}
