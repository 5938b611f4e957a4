package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/capturectl/pkg/capturer/config"
)

func testSpec(method config.Method) Spec {
	return Spec{
		Method:       method,
		TransportFD:  NoTransportFD,
		ReceiverHost: "192.168.1.20",
		ReceiverPort: 5600,
		Framerate:    30,
		BitrateKbps:  8000,
		Width:        1280,
		Height:       720,
	}
}

func TestBuildArgsTest(t *testing.T) {
	args := BuildArgs(testSpec(config.MethodTest))

	require.Equal(t, "videotestsrc", args[0])
	require.Contains(t, args, "pattern=ball")
	require.Contains(t, args, "is-live=true")
	require.Contains(t, args, "video/x-raw,width=1280,height=720,framerate=30/1")
	require.Contains(t, args, "host=192.168.1.20")
	require.Contains(t, args, "port=5600")
}

func TestBuildArgsPortal(t *testing.T) {
	spec := testSpec(config.MethodPortal)
	spec.NodeID = 77
	spec.TransportFD = 5
	args := BuildArgs(spec)

	require.Equal(t, []string{"pipewiresrc", "fd=5", "path=77", "do-timestamp=true"}, args[:4])
}

func TestBuildArgsHeadless(t *testing.T) {
	spec := testSpec(config.MethodHeadless)
	spec.NodeID = 42
	args := BuildArgs(spec)

	require.Equal(t, []string{"pipewiresrc", "path=42", "do-timestamp=true"}, args[:3])
	require.NotContains(t, strings.Join(args, " "), "fd=")
}

func TestBuildArgsX11(t *testing.T) {
	spec := testSpec(config.MethodX11)
	spec.Display = ":1"
	args := BuildArgs(spec)

	require.Equal(t, []string{"ximagesrc", "display-name=:1", "use-damage=false"}, args[:3])
}

func TestBuildArgsOrder(t *testing.T) {
	args := BuildArgs(testSpec(config.MethodTest))

	// The element order is significant to the consuming binary: source,
	// then encode, then transport.
	require.Less(t, indexOf(t, args, "videotestsrc"), indexOf(t, args, "x264enc"))
	require.Less(t, indexOf(t, args, "x264enc"), indexOf(t, args, "rtph264pay"))
	require.Less(t, indexOf(t, args, "rtph264pay"), indexOf(t, args, "udpsink"))
}

func TestBuildArgsBitrate(t *testing.T) {
	spec := testSpec(config.MethodTest)
	spec.BitrateKbps = 12000
	require.Contains(t, BuildArgs(spec), "bitrate=12000")
}

func indexOf(t *testing.T, args []string, element string) int {
	for idx, arg := range args {
		if arg == element {
			return idx
		}
	}
	t.Fatalf("'%s' is not among the arguments %v", element, args)
	return -1
}
