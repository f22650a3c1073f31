package qq

import (
	"context"
	"testing"

	"github.com/wangenius/shipmyagent/internal/ingress"
	"github.com/wangenius/shipmyagent/internal/runtime"
	"github.com/wangenius/shipmyagent/pkg/protocol"
)

type fakeSender struct {
	groupCalls   []string
	privateCalls []string
}

func (f *fakeSender) sendGroupMessage(ctx context.Context, groupOpenID, text string) error {
	f.groupCalls = append(f.groupCalls, groupOpenID)
	return nil
}

func (f *fakeSender) sendPrivateMessage(ctx context.Context, userOpenID, text string) error {
	f.privateCalls = append(f.privateCalls, userOpenID)
	return nil
}

func TestChannel_Send_UsesGroupEndpointForCachedGroupTarget(t *testing.T) {
	fake := &fakeSender{}
	c := &Channel{client: fake}
	c.targetTypes.Store("group-1", "group")

	if err := c.Send(ChannelName, "group-1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.groupCalls) != 1 || fake.groupCalls[0] != "group-1" {
		t.Fatalf("expected one group send to group-1, got %+v", fake.groupCalls)
	}
	if len(fake.privateCalls) != 0 {
		t.Fatalf("expected no private sends, got %+v", fake.privateCalls)
	}
}

func TestChannel_Send_DefaultsToPrivateForUncachedTarget(t *testing.T) {
	fake := &fakeSender{}
	c := &Channel{client: fake}

	if err := c.Send(ChannelName, "user-1", "hi"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fake.privateCalls) != 1 || fake.privateCalls[0] != "user-1" {
		t.Fatalf("expected one private send to user-1, got %+v", fake.privateCalls)
	}
}

func TestChannel_Dispatch_CachesTargetTypeFromInboundEvent(t *testing.T) {
	rt := runtime.New(t.TempDir(), nil, runtime.Options{})
	c := &Channel{pipeline: ingress.New(rt)}

	c.dispatch(protocol.PlatformEvent{
		Channel:    ChannelName,
		TargetID:   "group-9",
		TargetType: "group",
		MessageID:  "m1",
		Body:       "hello",
	})

	v, ok := c.targetTypes.Load("group-9")
	if !ok || v != "group" {
		t.Fatalf("expected group-9 cached as group, got %v (ok=%v)", v, ok)
	}
}
