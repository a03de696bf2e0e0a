package relay

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"update-relay/internal/medium"
)

// Every session sees the greeting followed by every channel message exactly
// once, in channel order.
func TestFanOutProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.MaxSize = 40

	properties := gopter.NewProperties(parameters)

	properties.Property("each session receives each message once in order", prop.ForAll(
		func(sessions int, messages []string) bool {
			cfg := testConfig()
			cfg.SendBuffer = 128
			m := NewManager(cfg, &recorder{}, discardLogger(), nil)

			in := make(chan medium.Message)
			ctx, cancel := context.WithCancel(context.Background())
			defer func() {
				cancel()
				<-m.Done()
			}()
			go m.Run(ctx, in)

			conns := make([]*fakeConn, sessions)
			for i := range conns {
				conns[i] = newFakeConn()
				if _, err := m.Connect(conns[i]); err != nil {
					return false
				}
			}

			for _, msg := range messages {
				in <- medium.Message{Channel: testChannel, Payload: []byte(msg)}
			}

			want := append([]string{cfg.Greeting}, messages...)
			for _, c := range conns {
				for _, w := range want {
					got, ok := readFrame(c, time.Second)
					if !ok || got != w {
						return false
					}
				}
				if got, ok := readFrame(c, 5*time.Millisecond); ok {
					t.Logf("unexpected extra frame %q", got)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 6),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
