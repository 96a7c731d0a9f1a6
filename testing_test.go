package nvmeof

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/truenas/nvmeof-client/internal/asyncevent"
	"github.com/truenas/nvmeof-client/internal/constants"
	"github.com/truenas/nvmeof-client/internal/ctrl"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

func TestFakeTargetConnect(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != ctrl.StateReady {
		t.Fatalf("expected StateReady, got %s", c.State())
	}
}

func TestFakeTargetReadWrite(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	want := bytes.Repeat([]byte{0xAB}, 512)
	ft.SetIOResponder(protocol.IOOpRead, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		return want, 0
	})

	var written []byte
	ft.SetIOResponder(protocol.IOOpWrite, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		written = append([]byte(nil), inline...)
		return nil, 0
	})

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SetupIOQueues(ctx); err != nil {
		t.Fatalf("SetupIOQueues: %v", err)
	}
	defer c.CleanupIOQueues()

	got, err := c.ReadBlocks(1, 0, 0)
	if err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadBlocks payload mismatch")
	}

	if err := c.WriteBlocks(1, 0, want, 1<<20); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	if !bytes.Equal(written, want) {
		t.Fatalf("WriteBlocks payload not observed by target")
	}
}

func TestFakeTargetAsyncEventRoundTrip(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	ft.SetAdminResponder(protocol.AdminOpAsyncEvent, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		return nil, 0
	})
	var sawSetFeatures bool
	ft.SetAdminResponder(protocol.AdminOpSetFeatures, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		sawSetFeatures = true
		return nil, 0
	})

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.ConfigureAsyncEvents(); err != nil {
		t.Fatalf("ConfigureAsyncEvents: %v", err)
	}
	if !sawSetFeatures {
		t.Fatalf("expected ConfigureAsyncEvents to issue a Set Features command")
	}

	if err := c.SubmitAsyncEventRequests(1); err != nil {
		t.Fatalf("SubmitAsyncEventRequests: %v", err)
	}

	var events []asyncevent.Event
	deadline := time.Now().Add(2 * time.Second)
	for len(events) == 0 && time.Now().Before(deadline) {
		got, err := c.PollAsyncEvents(50 * time.Millisecond)
		if err != nil {
			t.Fatalf("PollAsyncEvents: %v", err)
		}
		events = append(events, got...)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
}

func TestSubmitAsyncEventRequestsRefusesPastAERL(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	// AERL defaults to 0 against this fake target's zeroed Identify
	// Controller response, so AERL+1 = 1 AER may be outstanding at once.
	if err := c.SubmitAsyncEventRequests(1); err != nil {
		t.Fatalf("first SubmitAsyncEventRequests: %v", err)
	}
	if err := c.SubmitAsyncEventRequests(1); err == nil {
		t.Fatalf("expected a second outstanding AER to be refused past AERL")
	}
}

func TestSubmitAsyncEventRequestsIsAllOrNothing(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	ft.HoldAsyncEvents()
	ft.SetAdminResponder(protocol.AdminOpSetFeatures, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		return nil, 0
	})
	ft.SetAdminResponder(protocol.AdminOpIdentify, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		data := make([]byte, protocol.IdentifyControllerDataSize)
		data[259] = 2 // AERL=2, so AERL+1 = 3 AERs may be outstanding at once
		return data, 0
	})

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.ConfigureAsyncEvents(); err != nil {
		t.Fatalf("ConfigureAsyncEvents: %v", err)
	}

	// AERL=2 allows 3 outstanding AERs; requesting 4 at once must be
	// refused in full, leaving zero outstanding and none submitted to the
	// target.
	if err := c.SubmitAsyncEventRequests(4); err == nil {
		t.Fatalf("expected request_async_events(4) to raise InvalidArgument against AERL=2")
	}
	if n := ft.PendingAsyncEventCount(); n != 0 {
		t.Fatalf("expected no AER capsules sent to the target on a refused batch, got %d", n)
	}

	// The full batch of 3 now fits exactly.
	if err := c.SubmitAsyncEventRequests(3); err != nil {
		t.Fatalf("SubmitAsyncEventRequests(3): %v", err)
	}
	if n := ft.PendingAsyncEventCount(); n != 3 {
		t.Fatalf("expected 3 AER capsules sent to the target, got %d", n)
	}

	// Complete one with an ANA-change notice: DW0 packing AET=NOTICE,
	// AEI=0x03 (ANA change), LPI=0x0C (ANA log page).
	if err := ft.InjectAsyncEventCompletion(uint32(asyncevent.TypeNotice) | uint32(0x03)<<8 | uint32(0x0C)<<16); err != nil {
		t.Fatalf("InjectAsyncEventCompletion: %v", err)
	}

	events, err := c.PollAsyncEvents(2 * time.Second)
	if err != nil {
		t.Fatalf("PollAsyncEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one decoded event, got %d", len(events))
	}
	if events[0].Type != asyncevent.TypeNotice || events[0].Info != 0x03 || events[0].LogPage != 0x0C {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestConnectRefusesDiscoveryNQN(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   constants.DiscoveryNQN,
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	if err == nil {
		t.Fatalf("expected Connect to refuse the discovery NQN")
	}
	if !errors.Is(err, ctrl.ErrDiscoveryOnly) {
		t.Fatalf("expected ErrDiscoveryOnly, got %v", err)
	}
}

func TestFakeTargetCommandFailure(t *testing.T) {
	ft, err := NewFakeTarget()
	if err != nil {
		t.Fatalf("NewFakeTarget: %v", err)
	}
	defer ft.Close()

	ft.SetIOResponder(protocol.IOOpFlush, func(capsule protocol.Capsule, inline []byte) ([]byte, uint16) {
		return nil, uint16(0x83) << 1 // reservation conflict, Generic SCT
	})

	c := ctrl.New(ctrl.Params{
		TransportAddr:  ft.Addr(),
		SubsystemNQN:   "nqn.test.subsystem",
		ConnectTimeout: 2 * time.Second,
		CommandTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if err := c.SetupIOQueues(ctx); err != nil {
		t.Fatalf("SetupIOQueues: %v", err)
	}
	defer c.CleanupIOQueues()

	if err := c.FlushNamespace(1); err == nil {
		t.Fatalf("expected FlushNamespace to report the scripted failure")
	}
}
