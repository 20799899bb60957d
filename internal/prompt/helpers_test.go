package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"promptsmith/internal/logging"
)

// frag builds an active fragment with a fixed version id "<name>-v1".
func frag(name string, typ FragmentType, priority int, content string, vars []Variable, conds ...Condition) *Fragment {
	f := &Fragment{
		Name:       name,
		Type:       typ,
		Priority:   priority,
		Content:    content,
		Variables:  vars,
		Conditions: conds,
		IsActive:   true,
	}
	f.Seal(name + "-v1")
	return f
}

func newStore(t *testing.T, fragments ...*Fragment) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(fragments...)
	require.NoError(t, err)
	return s
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetLogger(zap.New(core))
	t.Cleanup(func() { logging.SetLogger(nil) })
	return logs
}

// brokenStore fails every read.
type brokenStore struct {
	err error
}

func (b brokenStore) Snapshot(context.Context) (*Snapshot, error) { return nil, b.err }

func (b brokenStore) Fragment(context.Context, string) (*Fragment, error) { return nil, b.err }

func warningCodes(ws []Warning) []WarningCode {
	codes := make([]WarningCode, 0, len(ws))
	for _, w := range ws {
		codes = append(codes, w.Code)
	}
	return codes
}
