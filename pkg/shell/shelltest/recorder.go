// Package shelltest provides a scriptable shell.Executor for tests.
package shelltest

import (
	"context"
	"strings"
	"sync"

	"github.com/nvmf-harness/nvmftests/pkg/shell"
)

type response struct {
	prefix string
	result shell.Result
	err    error
}

// Recorder records every command line it is asked to run and answers with the response
// registered for the longest matching prefix, or a zero exit status. It is safe for
// concurrent use.
type Recorder struct {
	mutex     sync.Mutex
	calls     []string
	responses []response
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// On registers the result returned for command lines starting with prefix.
func (r *Recorder) On(prefix string, result shell.Result, err error) *Recorder {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.responses = append(r.responses, response{prefix: prefix, result: result, err: err})
	return r
}

// Fail makes command lines starting with prefix exit with rc.
func (r *Recorder) Fail(prefix string, rc int) *Recorder {
	return r.On(prefix, shell.Result{ExitCode: rc}, nil)
}

// Output makes command lines starting with prefix succeed and print out.
func (r *Recorder) Output(prefix, out string) *Recorder {
	return r.On(prefix, shell.Result{Output: []byte(out)}, nil)
}

func (r *Recorder) Run(ctx context.Context, name string, args ...string) (shell.Result, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.calls = append(r.calls, line)

	best := -1
	for i, resp := range r.responses {
		if !strings.HasPrefix(line, resp.prefix) {
			continue
		}
		if best < 0 || len(resp.prefix) >= len(r.responses[best].prefix) {
			best = i
		}
	}
	if best < 0 {
		return shell.Result{}, nil
	}
	return r.responses[best].result, r.responses[best].err
}

// Calls returns the recorded command lines in execution order.
func (r *Recorder) Calls() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded command lines start with prefix.
func (r *Recorder) Count(prefix string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
