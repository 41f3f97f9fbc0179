package pcm

import "context"

// fakeDevice is a scripted Device double used by the engine and query
// tests. It queues up inbound messages to hand back from
// ReceiveMessage (nil entries model a timeout) and records every
// outbound message SendMessage was given.
type fakeDevice struct {
	inbound []*Message
	sent    []Message
	caps    DeviceCapabilities

	sendFails    bool
	disposeCalls int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		caps: DeviceCapabilities{Supports4x: true, MaxSendSize: 256, MaxReceiveSize: 256, Description: "fake"},
	}
}

func (f *fakeDevice) queue(m Message) { f.inbound = append(f.inbound, &m) }
func (f *fakeDevice) queueTimeout()   { f.inbound = append(f.inbound, nil) }

func (f *fakeDevice) Initialize(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeDevice) SendMessage(ctx context.Context, m Message) (bool, error) {
	f.sent = append(f.sent, m)
	return !f.sendFails, nil
}

func (f *fakeDevice) ReceiveMessage(ctx context.Context) (*Message, error) {
	if len(f.inbound) == 0 {
		return nil, nil
	}
	m := f.inbound[0]
	f.inbound = f.inbound[1:]
	return m, nil
}

// ClearMessageQueue leaves the scripted inbound queue alone: those
// entries model replies that arrive after the engine's next sends, not
// stale messages already buffered when the queue is cleared.
func (f *fakeDevice) ClearMessageQueue(ctx context.Context) error {
	return nil
}

func (f *fakeDevice) SetTimeout(ctx context.Context, scenario TimeoutScenario) error { return nil }
func (f *fakeDevice) SetVpwSpeed(ctx context.Context, speed VpwSpeed) error          { return nil }
func (f *fakeDevice) Capabilities() DeviceCapabilities                              { return f.caps }
func (f *fakeDevice) Dispose() error {
	f.disposeCalls++
	return nil
}

// recordingLogger is a Logger double that keeps every message it was
// given, so tests can assert on what the engine reported to the user
// versus what it only logged at debug level.
type recordingLogger struct {
	userMessages  []string
	debugMessages []string
}

func (l *recordingLogger) AddUserMessage(msg string)  { l.userMessages = append(l.userMessages, msg) }
func (l *recordingLogger) AddDebugMessage(msg string) { l.debugMessages = append(l.debugMessages, msg) }
