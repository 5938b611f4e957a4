// Package pipeline builds the argument list for the external encode/
// transport pipeline and hands execution off to it. The handoff is
// resolved per backend: a true process-image replacement is performed only
// when nothing supervised must survive it; otherwise the pipeline is
// spawned under the process supervisor and awaited, so dependents (the
// headless compositor, the input relay) stay alive and cleanup remains
// guaranteed.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
	"github.com/xaionaro-go/capturectl/pkg/procman"
	"golang.org/x/sys/unix"
)

// NoTransportFD marks a Spec that carries no transport descriptor.
const NoTransportFD = -1

// Spec is the immutable description of the pipeline invocation. It is
// serialized into the ordered argument list passed to the pipeline binary;
// element order is significant to the consumer.
type Spec struct {
	Method config.Method

	// NodeID is the negotiated/discovered video node (portal, headless).
	NodeID uint32
	// Display is the display to grab (x11).
	Display string
	// TransportFD is the descriptor granting access to the negotiated
	// stream (portal), or NoTransportFD.
	TransportFD int

	ReceiverHost string
	ReceiverPort uint16
	Framerate    uint32
	BitrateKbps  uint32
	Width        uint32
	Height       uint32
}

// BuildArgs maps a Spec to the ordered gst-launch argument list: the
// backend-specific source elements first, then the common encode and
// transport tail.
func BuildArgs(spec Spec) []string {
	rawCaps := fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
		spec.Width, spec.Height, spec.Framerate)

	var args []string
	switch spec.Method {
	case config.MethodPortal:
		args = append(args,
			"pipewiresrc",
			fmt.Sprintf("fd=%d", spec.TransportFD),
			fmt.Sprintf("path=%d", spec.NodeID),
			"do-timestamp=true",
		)
	case config.MethodHeadless:
		args = append(args,
			"pipewiresrc",
			fmt.Sprintf("path=%d", spec.NodeID),
			"do-timestamp=true",
		)
	case config.MethodX11:
		args = append(args,
			"ximagesrc",
			"display-name="+spec.Display,
			"use-damage=false",
		)
	case config.MethodTest:
		args = append(args,
			"videotestsrc",
			"pattern=ball",
			"is-live=true",
			"!", rawCaps,
		)
	}

	args = append(args,
		"!", "videoconvert",
		"!", "x264enc",
		"tune=zerolatency",
		"speed-preset=ultrafast",
		fmt.Sprintf("bitrate=%d", spec.BitrateKbps),
		fmt.Sprintf("key-int-max=%d", spec.Framerate*2),
		"!", "h264parse",
		"!", "rtph264pay",
		"config-interval=1",
		"pt=96",
		"!", "udpsink",
		"host="+spec.ReceiverHost,
		fmt.Sprintf("port=%d", spec.ReceiverPort),
		"sync=false",
	)
	return args
}

type Launcher struct {
	Binary string
	Procs  *procman.Supervisor
}

func NewLauncher(binary string, procs *procman.Supervisor) *Launcher {
	return &Launcher{
		Binary: binary,
		Procs:  procs,
	}
}

// Launch hands execution off to the pipeline. With an empty supervised
// registry the orchestrator's process image is replaced and Launch does not
// return except on error. Otherwise the pipeline is spawned, supervised and
// awaited; the run then ends when the pipeline does (or the context is
// cancelled).
func (l *Launcher) Launch(ctx context.Context, spec Spec) error {
	binPath, err := exec.LookPath(l.Binary)
	if err != nil {
		return procman.ErrSpawn{Name: l.Binary, Err: err}
	}

	if l.Procs.Len() == 0 {
		return l.execReplace(ctx, binPath, spec)
	}
	return l.spawnAndWait(ctx, binPath, spec)
}

func (l *Launcher) execReplace(ctx context.Context, binPath string, spec Spec) error {
	if spec.TransportFD != NoTransportFD {
		// The descriptor must survive the exec.
		if _, err := unix.FcntlInt(uintptr(spec.TransportFD), unix.F_SETFD, 0); err != nil {
			return fmt.Errorf("unable to mark fd %d inheritable: %w", spec.TransportFD, err)
		}
	}

	argv := append([]string{binPath}, BuildArgs(spec)...)
	logger.Infof(ctx, "replacing the process image with the pipeline: %v", argv)
	if err := unix.Exec(binPath, argv, os.Environ()); err != nil {
		return procman.ErrSpawn{Name: l.Binary, Err: err}
	}
	panic("unreachable")
}

func (l *Launcher) spawnAndWait(ctx context.Context, binPath string, spec Spec) error {
	var extraFiles []*os.File
	if spec.TransportFD != NoTransportFD {
		extraFiles = append(extraFiles, os.NewFile(uintptr(spec.TransportFD), "pipewire-remote"))
		// ExtraFiles[0] becomes descriptor 3 in the child.
		spec.TransportFD = 3
	}

	cmd := exec.Command(binPath, BuildArgs(spec)...)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	proc, err := l.Procs.StartProcess(ctx, "pipeline", cmd)
	if err != nil {
		return err
	}

	logger.Infof(ctx, "the pipeline is running (PID %d), waiting for it to finish", proc.PID())
	// Deliberately unbounded: the pipeline runs until externally stopped.
	if err := proc.Wait(ctx); err != nil {
		return fmt.Errorf("the pipeline finished abnormally: %w", err)
	}
	return nil
}
