package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	block    chan struct{}
	fail     bool
	drained  bool
}

func (c *recordingConn) Publish(subject string, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("nats: connection closed")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *recordingConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func TestPublisherDeliversWithPrefixedSubject(t *testing.T) {
	conn := &recordingConn{}
	pub := NewNATSPublisher(conn, "bridge.prod.", 8, zerolog.Nop())

	pub.Publish(Event{Type: TypeCaseCreated, ConversationID: "C1", CaseID: "case-1"})
	require.NoError(t, pub.Close())

	require.Equal(t, []string{"bridge.prod.case.created"}, conn.subjects)
	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, "C1", decoded.ConversationID)
	assert.Equal(t, "case-1", decoded.CaseID)
	assert.False(t, decoded.At.IsZero())
	assert.True(t, conn.drained)
}

func TestPublishNeverBlocks(t *testing.T) {
	conn := &recordingConn{block: make(chan struct{})}
	pub := NewNATSPublisher(conn, "", 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			pub.Publish(Event{Type: TypeCycleCompleted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled connection")
	}
	assert.Greater(t, pub.Dropped(), int64(0))

	close(conn.block)
	require.NoError(t, pub.Close())
	pub.Publish(Event{Type: TypeCycleCompleted})
}

func TestPublishFailuresAreCounted(t *testing.T) {
	conn := &recordingConn{fail: true}
	pub := NewNATSPublisher(conn, "", 4, zerolog.Nop())
	pub.Publish(Event{Type: TypeConversationFailed})
	require.NoError(t, pub.Close())
	assert.Equal(t, int64(1), pub.Dropped())
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	conn := &recordingConn{}
	pub := NewNATSPublisher(conn, "", 4, zerolog.Nop())
	require.NoError(t, pub.Close())

	pub.Publish(Event{Type: TypeCaseCreated})
	assert.Equal(t, int64(1), pub.Dropped())
	assert.Empty(t, conn.subjects)
}

func TestPublishConcurrentWithClose(t *testing.T) {
	conn := &recordingConn{}
	pub := NewNATSPublisher(conn, "", 16, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pub.Publish(Event{Type: TypeCycleCompleted})
			}
		}()
	}
	require.NoError(t, pub.Close())
	wg.Wait()

	conn.mu.Lock()
	delivered := int64(len(conn.subjects))
	conn.mu.Unlock()
	assert.Equal(t, int64(800), delivered+pub.Dropped())
}
