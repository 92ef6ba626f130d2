package restart

var (
	BackoffDelay = backoffDelay
	LockPath     = lockPath
	AcquireLock  = acquireLock
)
