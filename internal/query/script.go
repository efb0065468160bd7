package query

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ErrScriptTimeout is returned when a script call runs past its timeout.
var ErrScriptTimeout = errors.New("script timeout")

const defaultScriptTimeout = 2 * time.Second

// Script is a compiled JavaScript function expression used as a map, filter
// or reduce step, e.g. "t => t.observations_count > 100". It owns its
// runtime; calls are serialized.
type Script struct {
	src     string
	timeout time.Duration

	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// CompileScript evaluates src and checks that it yields a function. A zero
// timeout uses a two second default.
func CompileScript(src string, timeout time.Duration) (*Script, error) {
	if timeout <= 0 {
		timeout = defaultScriptTimeout
	}
	vm := goja.New()
	vm.SetMaxCallStackSize(256)
	for _, name := range []string{"eval", "Function"} {
		_ = vm.Set(name, goja.Undefined())
	}

	v, err := vm.RunString("(" + src + "\n)")
	if err != nil {
		return nil, fmt.Errorf("compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("compile script: %q does not evaluate to a function", src)
	}
	return &Script{src: src, timeout: timeout, vm: vm, fn: fn}, nil
}

func (s *Script) String() string { return s.src }

func (s *Script) call(args ...any) (goja.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = s.vm.ToValue(a)
	}

	var (
		fired    sync.WaitGroup
		finished sync.Mutex
		done     bool
	)
	fired.Add(1)
	timer := time.AfterFunc(s.timeout, func() {
		defer fired.Done()
		finished.Lock()
		defer finished.Unlock()
		if !done {
			s.vm.Interrupt("timeout")
		}
	})
	res, err := s.fn(goja.Undefined(), vals...)
	finished.Lock()
	done = true
	finished.Unlock()
	if !timer.Stop() {
		// The callback has started; wait so its interrupt cannot land on
		// the next call.
		fired.Wait()
	}
	s.vm.ClearInterrupt()

	if err != nil {
		var ie *goja.InterruptedError
		if errors.As(err, &ie) {
			return nil, fmt.Errorf("%s: %w", s.src, ErrScriptTimeout)
		}
		return nil, fmt.Errorf("run script %s: %w", s.src, err)
	}
	return res, nil
}

// Call runs the function and exports its result to Go values.
func (s *Script) Call(args ...any) (any, error) {
	v, err := s.call(args...)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}

// Test runs the function and reports the truthiness of its result.
func (s *Script) Test(args ...any) (bool, error) {
	v, err := s.call(args...)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}
