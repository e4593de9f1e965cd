package weaver_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/robinbraemer/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/cbyrne/betterinject/pkg/analysis"
	"github.com/cbyrne/betterinject/pkg/bytecode"
	"github.com/cbyrne/betterinject/pkg/classfile"
	"github.com/cbyrne/betterinject/pkg/inject"
	"github.com/cbyrne/betterinject/pkg/util/errs"
	"github.com/cbyrne/betterinject/pkg/verify"
	"github.com/cbyrne/betterinject/pkg/weaver"
)

// target returns the bytes of a class with
// static void foo() {} and static void greet(String s) {}.
func target(t *testing.T, name string) []byte {
	t.Helper()
	c, err := classfile.New(name, "java/lang/Object", 52)
	require.NoError(t, err)
	for _, m := range []struct{ name, desc string }{
		{"foo", "()V"},
		{"greet", "(Ljava/lang/String;)V"},
	} {
		bm := &bytecode.Method{Insns: []*bytecode.Insn{bytecode.Op(bytecode.RETURN)}, MaxLocals: 1}
		a := &analysis.Analyzer{Owner: name, Pool: c.Pool}
		res, err := a.Analyze(classfile.AccStatic, m.name, m.desc, bm)
		require.NoError(t, err)
		bm.MaxStack = res.MaxStack
		asm, err := bytecode.Assemble(bm, c.Pool)
		require.NoError(t, err)
		_, err = c.AddMethod(classfile.AccStatic, m.name, m.desc, asm.Code)
		require.NoError(t, err)
	}
	b, err := c.Serialize()
	require.NoError(t, err)
	return b
}

func hook(id, class, method string) *inject.Descriptor {
	return &inject.Descriptor{
		ID:      id,
		Target:  inject.Target{Class: class, Method: method},
		At:      inject.Head(),
		Handler: inject.Handler{Owner: "app/Hooks", Name: id, Desc: "()V", Static: true},
	}
}

func newSession(t *testing.T, opts weaver.Options) *weaver.Session {
	t.Helper()
	opts.Logger = logr.Discard()
	s, err := weaver.NewSession(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRewrite(t *testing.T) {
	mgr := event.New()
	var (
		mu        sync.Mutex
		rewritten []string
	)
	event.Subscribe(mgr, 0, func(e *weaver.ClassRewrittenEvent) {
		mu.Lock()
		defer mu.Unlock()
		rewritten = append(rewritten, e.Class)
	})

	s := newSession(t, weaver.Options{Event: mgr})
	require.NoError(t, s.Register(hook("log-entry", "app/Target", "foo")))

	in := target(t, "app/Target")
	res, err := s.Rewrite(context.Background(), "app/Target.class", in)
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Equal(t, "app/Target", res.Class)
	assert.Equal(t, "app/Target.class", res.Name)
	require.Len(t, res.Points, 1)
	assert.NotEqual(t, in, res.Bytes)

	c, err := classfile.Parse(res.Bytes)
	require.NoError(t, err)
	code, err := c.Method("foo", "()V").Code(c.Pool)
	require.NoError(t, err)
	assert.Equal(t, byte(bytecode.INVOKESTATIC), code.Bytecode[0])
	require.NoError(t, verify.Class(c, verify.Options{}))

	// other classes pass through untouched
	other := target(t, "app/Other")
	res, err = s.Rewrite(context.Background(), "", other)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Changed())
	assert.Equal(t, "app/Other", res.Name)
	assert.Equal(t, other, res.Bytes)

	assert.Equal(t, weaver.Stats{Rewritten: 1, Skipped: 1, Points: 1}, s.Stats())
	mu.Lock()
	assert.Equal(t, []string{"app/Target"}, rewritten)
	mu.Unlock()

	// the first rewrite froze the registry
	assert.ErrorIs(t, s.Register(hook("late", "app/Target", "foo")), inject.ErrRegistryFrozen)
}

func TestRewriteWarnings(t *testing.T) {
	mgr := event.New()
	var (
		mu       sync.Mutex
		warnings []*inject.UnmatchedInjectionWarning
	)
	event.Subscribe(mgr, 0, func(e *weaver.InjectionWarningEvent) {
		mu.Lock()
		defer mu.Unlock()
		warnings = append(warnings, e.Warning)
	})
	s := newSession(t, weaver.Options{Event: mgr, WarningsPerSecond: 1})
	require.NoError(t, s.Register(hook("optional", "app/*", "missing")))

	for _, name := range []string{"app/A", "app/B"} {
		res, err := s.Rewrite(context.Background(), "", target(t, name))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, name, res.Warnings[0].Class)
	}
	mu.Lock()
	defer mu.Unlock()
	// events are not rate limited, only logs are
	assert.Len(t, warnings, 2)
}

func TestRewriteAllIsolatesFailures(t *testing.T) {
	failed := 0
	mgr := event.New()
	var mu sync.Mutex
	event.Subscribe(mgr, 0, func(e *weaver.RewriteFailedEvent) {
		mu.Lock()
		defer mu.Unlock()
		failed++
	})
	s := newSession(t, weaver.Options{Event: mgr, Workers: 2})
	required := hook("needs-bar", "app/Broken", "bar")
	required.Required = true
	require.NoError(t, s.Register(hook("log-entry", "app/*", "foo"), required))

	inputs := []weaver.Input{
		{Name: "a", Bytes: target(t, "app/A")},
		{Name: "garbage", Bytes: []byte{0xca, 0xfe}},
		{Name: "broken", Bytes: target(t, "app/Broken")},
		{Name: "b", Bytes: target(t, "app/B")},
	}
	results, err := s.RewriteAll(context.Background(), inputs)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	require.Len(t, results, len(inputs))

	assert.True(t, results[0].Changed())
	assert.True(t, results[3].Changed())

	var mce *classfile.MalformedClassError
	assert.ErrorAs(t, results[1].Err, &mce)
	assert.Nil(t, results[1].Bytes)
	var unmatched *inject.UnmatchedRequiredInjectionError
	assert.ErrorAs(t, results[2].Err, &unmatched)
	assert.Equal(t, "needs-bar", unmatched.ID)

	assert.Equal(t, int64(2), s.Stats().Rewritten)
	assert.Equal(t, int64(2), s.Stats().Failed)
	mu.Lock()
	assert.Equal(t, 2, failed)
	mu.Unlock()
}

func TestRewriteAllFailFast(t *testing.T) {
	s := newSession(t, weaver.Options{Workers: 1, FailFast: true})
	require.NoError(t, s.Register(hook("log-entry", "app/*", "foo")))

	inputs := []weaver.Input{{Name: "garbage", Bytes: []byte("not a class")}}
	for i := range 5 {
		inputs = append(inputs, weaver.Input{Name: fmt.Sprint(i), Bytes: target(t, fmt.Sprintf("app/C%d", i))})
	}
	results, err := s.RewriteAll(context.Background(), inputs)
	var mce *classfile.MalformedClassError
	require.ErrorAs(t, err, &mce)

	for _, res := range results[1:] {
		require.NotNil(t, res)
		assert.True(t, errors.Is(res.Err, context.Canceled), "%s: %v", res.Name, res.Err)
		assert.True(t, errs.IsSilent(res.Err), res.Name)
	}
	assert.Zero(t, s.Stats().Rewritten)
}

func TestRewriteFallback(t *testing.T) {
	boxed := &inject.Descriptor{
		ID:      "boxed",
		Target:  inject.Target{Class: "app/Target", Method: "greet"},
		At:      inject.Head(),
		Handler: inject.Handler{Owner: "app/Hooks", Name: "onGreet", Desc: "(Ljava/lang/Integer;)V", Static: true},
		Args:    []*inject.Arg{inject.ArgIndex(0)},
	}
	in := target(t, "app/Target")

	strict := newSession(t, weaver.Options{})
	require.NoError(t, strict.Register(boxed))
	_, err := strict.Rewrite(context.Background(), "", in)
	var ve *verify.VerificationError
	require.ErrorAs(t, err, &ve)

	lenient := newSession(t, weaver.Options{Fallback: true})
	require.NoError(t, lenient.Register(boxed))
	res, err := lenient.Rewrite(context.Background(), "", in)
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.False(t, res.Changed())
	assert.Equal(t, in, res.Bytes)
	assert.ErrorAs(t, res.Err, &ve)
	assert.Equal(t, int64(1), lenient.Stats().Fallback)
}

func TestSessionClose(t *testing.T) {
	s := newSession(t, weaver.Options{})
	require.NoError(t, s.Register(hook("log-entry", "app/Target", "foo")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Rewrite(context.Background(), "", target(t, "app/Target"))
	assert.ErrorIs(t, err, weaver.ErrSessionClosed)
	assert.ErrorIs(t, s.Register(hook("x", "app/Target", "foo")), weaver.ErrSessionClosed)
	assert.NotEmpty(t, s.ID())
}
