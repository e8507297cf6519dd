package coap

import (
	"github.com/astaxie/beego/logs"
)

// newDefaultLogger builds the same console logger the teacher package
// built at init time, but as a value owned by one endpoint instead of a
// package-global singleton (see REDESIGN FLAGS in SPEC_FULL.md).
func newDefaultLogger() *logs.BeeLogger {
	l := logs.NewLogger(10000)
	l.SetLogger("console", `{"level":7}`)
	l.EnableFuncCallDepth(true)
	l.SetLogFuncCallDepth(3)
	return l
}

// quietLogger discards everything; used when a caller wants the engine
// silent without passing around nil checks at every call site.
func quietLogger() *logs.BeeLogger {
	l := logs.NewLogger(1)
	return l
}
