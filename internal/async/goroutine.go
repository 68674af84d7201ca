package async

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's numeric id from its stack
// trace header. It exists purely so Handle.assertOwner can give a useful
// panic message when code mutates a handle from the wrong goroutine,
// mirroring the original C++ runtime's assert(this_thread::get_id() ==
// _tid) in original_source/src/base/include/scy/handle.h. It is never used
// on a hot path outside that assertion.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	// Format is "goroutine 123 [running]: ..."
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}
	id, _ := strconv.ParseUint(string(buf[:idx]), 10, 64)
	return id
}
