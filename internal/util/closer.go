package util

// DoOnErrOrPanic calls f if the value of err is not nil or if the goroutine is
// panicking. If there is a panic, it is rethrown.
//
// DoOnErrOrPanic should be called as a defer function to properly handle panics:
//
//	defer DoOnErrOrPanic(&returnErr, tx.SetRollbackOnly)
func DoOnErrOrPanic(err *error, f func()) {
	// err is a pointer so the deferred call sees the final value of a named return
	p := recover()
	if *err != nil || p != nil {
		f()
	}
	if p != nil {
		panic(p)
	}
}
