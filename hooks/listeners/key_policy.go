package listeners

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/INLOpen/nexuskv/hooks"
)

// ErrKeyRejected is returned by KeyPolicyListener for keys outside the policy.
var ErrKeyRejected = errors.New("key rejected by policy")

// KeyPolicy defines which keys a table accepts. Zero values disable a check.
type KeyPolicy struct {
	MaxLength       int
	AllowedPrefixes []string
	RequireUTF8     bool
}

// KeyPolicyListener rejects inserts and removes whose key violates the policy.
// It runs on Pre events, so a rejection cancels the operation before anything
// is logged or applied.
type KeyPolicyListener struct {
	logger *slog.Logger
	policy KeyPolicy
}

// NewKeyPolicyListener creates a new listener enforcing policy.
func NewKeyPolicyListener(logger *slog.Logger, policy KeyPolicy) *KeyPolicyListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &KeyPolicyListener{
		logger: logger.With("component", "KeyPolicyListener"),
		policy: policy,
	}
}

// Register attaches the listener to the events it handles.
func (l *KeyPolicyListener) Register(hm hooks.HookManager) {
	hm.Register(hooks.EventPreInsert, l)
	hm.Register(hooks.EventPreRemove, l)
}

// OnEvent handles PreInsert and PreRemove events.
func (l *KeyPolicyListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	var table, key string
	switch p := event.Payload().(type) {
	case hooks.PreInsertPayload:
		table, key = p.Table, p.Key
	case hooks.PreRemovePayload:
		table, key = p.Table, p.Key
	default:
		return nil
	}

	if err := l.check(key); err != nil {
		l.logger.Warn("Key rejected", "event", event.Type(), "table", table, "key", key, "reason", err)
		return err
	}
	return nil
}

func (l *KeyPolicyListener) check(key string) error {
	if l.policy.MaxLength > 0 && len(key) > l.policy.MaxLength {
		return fmt.Errorf("%w: length %d exceeds %d", ErrKeyRejected, len(key), l.policy.MaxLength)
	}
	if l.policy.RequireUTF8 && !utf8.ValidString(key) {
		return fmt.Errorf("%w: not valid UTF-8", ErrKeyRejected)
	}
	if len(l.policy.AllowedPrefixes) > 0 {
		for _, prefix := range l.policy.AllowedPrefixes {
			if strings.HasPrefix(key, prefix) {
				return nil
			}
		}
		return fmt.Errorf("%w: no allowed prefix matches", ErrKeyRejected)
	}
	return nil
}

// Priority defines the execution order. Validation runs early.
func (l *KeyPolicyListener) Priority() int { return 10 }

// IsAsync reports false; Pre-hooks run synchronously anyway.
func (l *KeyPolicyListener) IsAsync() bool { return false }
