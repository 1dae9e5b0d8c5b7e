package mirror

// State is a step of the request state machine.
type State int

const (
	StateStart State = iota
	StateValidateMethod
	StateCORSPreflight
	StateResolve
	StateStrategy
	StateCacheLookup
	StateHitReturn
	StateMissFetch
	StateAssemble
	StateAsyncStore
	StateReturn

	// Error terminals
	StateMethodNotAllowed
	StateInvalidPath
	StateUpstreamFailure
)

var stateNames = map[State]string{
	StateStart:            "START",
	StateValidateMethod:   "VALIDATE_METHOD",
	StateCORSPreflight:    "CORS_PREFLIGHT",
	StateResolve:          "RESOLVE",
	StateStrategy:         "STRATEGY",
	StateCacheLookup:      "CACHE_LOOKUP",
	StateHitReturn:        "HIT_RETURN",
	StateMissFetch:        "MISS_FETCH",
	StateAssemble:         "ASSEMBLE",
	StateAsyncStore:       "ASYNC_STORE",
	StateReturn:           "RETURN",
	StateMethodNotAllowed: "METHOD_NOT_ALLOWED",
	StateInvalidPath:      "INVALID_PATH",
	StateUpstreamFailure:  "UPSTREAM_FAILURE",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateCORSPreflight, StateHitReturn, StateReturn,
		StateMethodNotAllowed, StateInvalidPath, StateUpstreamFailure:
		return true
	default:
		return false
	}
}
