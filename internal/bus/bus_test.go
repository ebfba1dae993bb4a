package bus

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"comsrv/internal/protocol"
)

func notification(id uint32) Notification {
	return Notification{
		Source: "can::loopback",
		Response: protocol.Response{
			Can: &protocol.CanResult{
				Source: "can::loopback",
				Response: protocol.CanRaw(protocol.CanMessage{
					Data: &protocol.DataFrame{ID: id},
				}),
			},
		},
	}
}

func TestFanOutPreservesOrder(t *testing.T) {
	b := New(zap.NewNop())
	subA, cancelA := b.Subscribe()
	subB, cancelB := b.Subscribe()
	defer cancelA()
	defer cancelB()

	for i := uint32(1); i <= 3; i++ {
		b.Publish(notification(i))
	}
	for _, sub := range []<-chan Notification{subA, subB} {
		for i := uint32(1); i <= 3; i++ {
			select {
			case n := <-sub:
				if got := n.Response.Can.Response.Raw.Data.ID; got != i {
					t.Errorf("notification %d has id %d", i, got)
				}
			case <-time.After(time.Second):
				t.Fatal("notification not delivered")
			}
		}
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New(zap.NewNop())
	sub, cancel := b.Subscribe()
	defer cancel()

	for i := uint32(0); i < subscriberDepth+10; i++ {
		b.Publish(notification(i))
	}
	// The newest notification must have survived the overflow.
	var last uint32
	drained := 0
	for {
		select {
		case n := <-sub:
			last = n.Response.Can.Response.Raw.Data.ID
			drained++
			continue
		default:
		}
		break
	}
	if drained != subscriberDepth {
		t.Errorf("drained %d notifications, want %d", drained, subscriberDepth)
	}
	if last != subscriberDepth+9 {
		t.Errorf("last notification id = %d, want %d", last, subscriberDepth+9)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(zap.NewNop())
	sub, cancel := b.Subscribe()
	cancel()
	b.Publish(notification(1))
	select {
	case <-sub:
		t.Error("unsubscribed channel received a notification")
	case <-time.After(20 * time.Millisecond):
	}
}
