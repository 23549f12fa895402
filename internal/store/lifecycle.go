package store

// guardPanic forwards a recovered panic to handler. The coordinator
// installs a handler so a crashed background loop becomes a supervised
// restart instead of a process abort. Without a handler the panic
// propagates unchanged. Must be invoked via defer.
func guardPanic(handler func(interface{})) {
	r := recover()
	if r == nil {
		return
	}
	if handler == nil {
		panic(r)
	}
	handler(r)
}
