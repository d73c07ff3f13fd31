package agents

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/lingocall"
	"github.com/bt-bridge/lingocall/rtc"
	"github.com/bt-bridge/lingocall/shared"
	"github.com/bt-bridge/lingocall/transport"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type bufferHook struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *bufferHook) WriteString(s string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.WriteString(s)
}

func (b *bufferHook) Close() error { return nil }

func (b *bufferHook) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type sampleTrack struct {
	*webrtc.TrackLocalStaticSample
}

func (sampleTrack) OnEnded(func(error)) {}
func (sampleTrack) Close() error        { return nil }

// sampleMedia hands out synthetic opus tracks instead of opening devices.
type sampleMedia struct{}

func (sampleMedia) UserMedia(context.Context) ([]lingocall.MediaTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	if err != nil {
		return nil, err
	}
	return []lingocall.MediaTrack{sampleTrack{track}}, nil
}

func (sampleMedia) DisplayMedia(context.Context) ([]lingocall.MediaTrack, error) {
	return nil, shared.ErrMediaAccessDenied
}

func newAgent(t *testing.T, relay *transport.MemoryRelay, input io.Reader) (*CLIAgent, *bufferHook) {
	t.Helper()
	logger := shared.NewNopLogger()
	peers, err := rtc.NewFactory(logger, rtc.FactoryOptions{ICEServers: []webrtc.ICEServer{}})
	require.NoError(t, err)
	hook := &bufferHook{}
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)

	conn := relay.Connect()
	a := &CLIAgent{}
	err = a.Attach(context.Background(), logger, lingocall.DefaultCaptionConfig(), Deps{
		Signaler: conn,
		Peers:    peers,
		Media:    sampleMedia{},
		Closers:  []io.Closer{conn},
	}, printer, input)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, hook
}

func exec(t *testing.T, a *CLIAgent, line string) {
	t.Helper()
	quit, err := a.Exec(context.Background(), line)
	require.NoError(t, err, line)
	require.False(t, quit)
}

func TestAgentsNegotiateThroughRelay(t *testing.T) {
	relay := transport.NewMemoryRelay(shared.NewNopLogger())
	host, hostOut := newAgent(t, relay, nil)
	guest, _ := newAgent(t, relay, nil)

	exec(t, host, "create room_cli")
	exec(t, guest, "join room_cli")
	require.Eventually(t, func() bool { return len(relay.Rooms()["room_cli"]) == 2 }, waitFor, tick)

	exec(t, host, "call")
	require.Eventually(t, func() bool {
		return host.Client().State() == lingocall.StateConnected
	}, waitFor, tick, "host never connected")
	assert.NotEqual(t, lingocall.StateIdle, guest.Client().State())

	exec(t, host, "status")
	assert.Contains(t, hostOut.String(), "state: connected")
	assert.Contains(t, hostOut.String(), "Room created: room_cli")

	exec(t, host, "mute")
	snap, err := host.Client().Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.MicEnabled)

	exec(t, host, "end")
	assert.Equal(t, lingocall.StateIdle, host.Client().State())
	exec(t, host, "leave")
	assert.Empty(t, host.Client().RoomID())
}

func TestExecErrors(t *testing.T) {
	relay := transport.NewMemoryRelay(shared.NewNopLogger())
	a, out := newAgent(t, relay, nil)
	ctx := context.Background()

	_, err := a.Exec(ctx, "join")
	assert.ErrorIs(t, err, shared.ErrEmptyRoomID)
	_, err = a.Exec(ctx, "call")
	assert.ErrorIs(t, err, shared.ErrNotInRoom)
	_, err = a.Exec(ctx, "lang en")
	assert.ErrorContains(t, err, "usage")
	_, err = a.Exec(ctx, "dance")
	assert.ErrorContains(t, err, "unknown command")
	_, err = a.Exec(ctx, "unshare")
	assert.ErrorIs(t, err, shared.ErrNotSharing)

	quit, err := a.Exec(ctx, "   ")
	assert.NoError(t, err)
	assert.False(t, quit)

	exec(t, a, "help")
	assert.Contains(t, out.String(), "join <room>")
	exec(t, a, "lang fr de")
	assert.Contains(t, out.String(), "Captions: fr -> de")

	quit, err = a.Exec(ctx, "QUIT")
	assert.NoError(t, err)
	assert.True(t, quit)
}

func TestCommandsFromInput(t *testing.T) {
	relay := transport.NewMemoryRelay(shared.NewNopLogger())
	a, out := newAgent(t, relay, strings.NewReader("create room_in\nbogus\nquit\nleave\n"))

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("agent did not stop on quit")
	}
	assert.Contains(t, out.String(), "Room created: room_in")
	assert.Contains(t, out.String(), `unknown command "bogus"`)
	// quit closed the relay connection, which removes the room
	assert.Empty(t, relay.Rooms())
}

func TestSpawnValidates(t *testing.T) {
	a := &CLIAgent{}
	printer, err := shared.NewPrinter("", &bufferHook{})
	require.NoError(t, err)
	assert.ErrorIs(t, a.Spawn(context.Background(), nil, nil, printer, nil), shared.ErrNoLogger)
	assert.Error(t, a.Spawn(context.Background(), shared.NewNopLogger(), nil, printer, nil))
}
