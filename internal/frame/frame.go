package frame

type (
	// Frame is a stack entry as sent by the sampler. MethodRef is resolved
	// against the method index of the current window.
	Frame struct {
		MethodRef uint32 `json:"method_ref"`
		Line      uint32 `json:"line"`
	}
)
