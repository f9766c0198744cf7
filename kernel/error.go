package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so that call sites can compare them by identity and so
// that reporting an error never requires an allocation on the fault path.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed with the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
