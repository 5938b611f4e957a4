package portal

import (
	"fmt"
)

type ErrNegotiation struct {
	Step string
	Code uint32
}

var _ error = ErrNegotiation{}

func (e ErrNegotiation) Error() string {
	return fmt.Sprintf("the capture broker rejected the %s request: response code %d", e.Step, e.Code)
}

type ErrNoSource struct{}

var _ error = ErrNoSource{}

func (e ErrNoSource) Error() string {
	return "the capture broker started the session, but returned zero streams"
}
