// Package inputrelay spawns the external input relay (the process feeding
// remote touch/mouse/keyboard events back into the session) under the
// process supervisor.
package inputrelay

import (
	"context"
	"os/exec"
	"strconv"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
	"github.com/xaionaro-go/capturectl/pkg/procman"
)

func Start(
	ctx context.Context,
	procs *procman.Supervisor,
	cfg config.InputRelayConfig,
) (*procman.Process, error) {
	logger.Infof(ctx, "starting the input relay on port %d", cfg.Port)
	cmd := exec.Command(cfg.Binary, "--port", strconv.Itoa(int(cfg.Port)))
	return procs.StartProcess(ctx, "input-relay", cmd)
}
