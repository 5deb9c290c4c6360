package vmm

// Linux errno values the sys_* entries return (negated) on failure;
// guest-visible entry points report errors this way and never panic.
const (
	EINVAL = 22
	EBADF  = 9
	ENOMEM = 12
	EFAULT = 14
)

// errnoResult is a small helper so every sys_* entry returns the same shape:
// a negative errno on failure, or a non-negative guest value on success.
func errnoResult(err error, ok int64) int64 {
	if err != nil {
		if e, isErrno := err.(errnoError); isErrno {
			return -int64(e)
		}
		return -EINVAL
	}
	return ok
}

// errnoError lets internal helpers return a specific Linux errno instead of
// a generic error while still satisfying the `error` interface.
type errnoError int

func (e errnoError) Error() string {
	switch int(e) {
	case EINVAL:
		return "invalid argument"
	case EBADF:
		return "bad file descriptor"
	case ENOMEM:
		return "cannot allocate memory"
	case EFAULT:
		return "bad address"
	default:
		return "errno"
	}
}
