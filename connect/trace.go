package connect

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers a panic. Each handler may be a `func()` or a `func(error)`.
// Returns the recovered value, or nil if `do` returned normally.
func HandleError(do func(), handlers ...any) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		err := recoveredError(r)
		glog.Errorf("[p]recovered %s\n", panicReport(err, debug.Stack()))
		for _, handler := range handlers {
			switch v := handler.(type) {
			case func():
				v()
			case func(error):
				v(err)
			default:
				glog.Warningf("[p]unsupported panic handler %T\n", handler)
			}
		}
	}()
	do()
	return nil
}

func recoveredError(r any) error {
	switch v := r.(type) {
	case error:
		return v
	case string:
		return errors.New(v)
	default:
		return fmt.Errorf("%T: %v", r, r)
	}
}

// single line json so the report survives log collection
func panicReport(err error, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	report, marshalErr := json.Marshal(struct {
		Error string   `json:"error"`
		Stack []string `json:"stack"`
	}{
		Error: err.Error(),
		Stack: frames,
	})
	if marshalErr != nil {
		return err.Error()
	}
	return string(report)
}

// logs the duration and outcome of `do` under `tag`
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	start := time.Now()
	result, err := do()
	elapsed := time.Since(start)
	if err != nil {
		glog.Infof("%s failed after %s: %s\n", tag, elapsed, err)
	} else {
		glog.Infof("%s done after %s: %v\n", tag, elapsed, result)
	}
	return result, err
}
