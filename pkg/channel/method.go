package channel

import (
	"fmt"
	"strings"
)

// Method is the HTTP request method carried in Connect records. The zero value
// MethodUndefined means "use the method configured on the channel".
type Method int8

const (
	MethodUndefined Method = iota
	MethodGet
	MethodHead
	MethodPost
	MethodPut
	MethodDelete
	MethodConnect
	MethodOptions
	MethodTrace
	MethodPatch
)

var methodNames = [...]string{
	"UNDEFINED", "GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH",
}

func (m Method) String() string {
	if m < MethodUndefined || m > MethodPatch {
		return fmt.Sprintf("Method(%d)", int8(m))
	}
	return methodNames[m]
}

// ParseMethod converts an HTTP method token to a Method. Matching is case-insensitive.
func ParseMethod(s string) (Method, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range methodNames {
		if name == u {
			return Method(i), nil
		}
	}
	return MethodUndefined, fmt.Errorf("unknown method %q: %w", s, ErrConfig)
}

// Or returns m unless it is MethodUndefined, in which case it returns def.
func (m Method) Or(def Method) Method {
	if m == MethodUndefined {
		return def
	}
	return m
}
