package capturer

import (
	"fmt"

	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
)

type ErrUnknownMethod struct {
	Method config.Method
}

var _ error = ErrUnknownMethod{}

func (e ErrUnknownMethod) Error() string {
	return fmt.Sprintf("unknown capture method '%s' (expected one of: portal, headless, x11, test)", e.Method)
}
