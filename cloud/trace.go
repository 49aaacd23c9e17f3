package cloud

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Logging convention for the cloud package:
// Info:
//     abnormal behavior only. This level is silent on normal operation.
//     - reconnects, dropped or malformed frames, rate limit backpressure
//     - handler panics that were recovered
// Warning:
//     recoverable data problems, e.g. oversized replies
// V(1):
//     lifecycle: connect, handshake, start, pause, stop
// V(2):
//     per frame trace. Frequent; only for debugging.

// HandleError runs `do` and recovers a panic from user code.
// The panic is logged with its stack and passed to `onPanic` as an error.
func HandleError(do func(), onPanic ...func(error)) (recovered any) {
	defer func() {
		recovered = recover()
		if recovered == nil {
			return
		}
		glog.Infof("[h]recovered %s\n", panicJson(recovered, debug.Stack()))
		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}
		for _, handler := range onPanic {
			handler(err)
		}
	}()
	do()
	return
}

// one line json so that a panic is a single log entry
func panicJson(recovered any, stack []byte) string {
	frames := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			frames = append(frames, line)
		}
	}
	out, _ := json.Marshal(map[string]any{
		"panic": fmt.Sprintf("%T=%v", recovered, recovered),
		"stack": frames,
	})
	return string(out)
}

// TraceWithReturnError times `do` at V(2).
func TraceWithReturnError[R any](tag string, do func() (R, error)) (R, error) {
	if !glog.V(2) {
		return do()
	}
	startTime := time.Now()
	glog.Infof("[t]%s start\n", tag)
	result, err := do()
	millis := float64(time.Since(startTime)) / float64(time.Millisecond)
	if err != nil {
		glog.Infof("[t]%s end (%.2fms) err = %s\n", tag, millis, err)
	} else {
		glog.Infof("[t]%s end (%.2fms)\n", tag, millis)
	}
	return result, err
}
