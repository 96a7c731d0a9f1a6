package ctrl

import (
	"errors"
	"fmt"
	"time"

	"github.com/truenas/nvmeof-client/internal/asyncevent"
	"github.com/truenas/nvmeof-client/internal/protocol"
)

// ErrAERLExceeded is the sentinel wrapped into the error
// SubmitAsyncEventRequests returns when outstanding+n would exceed the
// controller's advertised AERL+1 limit.
var ErrAERLExceeded = errors.New("async event request exceeds AERL+1")

// ConfigureAsyncEvents enables the event classes this controller reports,
// via Set Features - Asynchronous Event Configuration (FID 0x0B). The
// mandatory SMART/health critical warnings are always requested; optional
// classes (namespace attribute changed, firmware activation, ANA change,
// discovery log change) are requested only when the controller's Identify
// Controller OAES field advertises support.
func (c *Controller) ConfigureAsyncEvents() error {
	c.mu.Lock()
	oaes := c.identity.OAES
	c.mu.Unlock()

	mask := asyncevent.ConfigMask(oaes)
	return c.SetFeatures(asyncevent.FeatureID, mask, false)
}

// SubmitAsyncEventRequests submits n Asynchronous Event Requests, all or
// none: it refuses if outstanding+n would exceed AERL+1, the controller's
// advertised limit on simultaneously outstanding AERs. Unlike every other
// admin command, the target does not reply immediately to an AER — the
// completion arrives later, whenever the controller has an event to
// report — so each allocated command ID is recorded in outstandingAERs
// for PollAsyncEvents to recognize.
func (c *Controller) SubmitAsyncEventRequests(n int) error {
	if n <= 0 {
		return fmt.Errorf("async event request: n must be positive, got %d", n)
	}

	c.mu.Lock()
	if c.adminQ == nil {
		c.mu.Unlock()
		return fmt.Errorf("no admin queue established")
	}
	limit := int(c.identity.AERL) + 1
	adminQ := c.adminQ
	cmdIDs := make([]uint16, n)
	for i := range cmdIDs {
		cmdIDs[i] = c.adminQ.AllocateCmdID()
	}
	c.mu.Unlock()

	c.aerMu.Lock()
	if len(c.outstandingAERs)+n > limit {
		c.aerMu.Unlock()
		return fmt.Errorf("%w: %d outstanding + %d requested exceeds AERL+1 (%d)", ErrAERLExceeded, len(c.outstandingAERs), n, limit)
	}
	if c.outstandingAERs == nil {
		c.outstandingAERs = make(map[uint16]struct{})
	}
	for _, id := range cmdIDs {
		c.outstandingAERs[id] = struct{}{}
	}
	c.aerMu.Unlock()

	for _, id := range cmdIDs {
		capsule := protocol.NewCapsule(uint8(protocol.AdminOpAsyncEvent), id, 0).WithSGL(0, protocol.SGLTypeNone)
		if err := adminQ.SendCapsule(capsule, nil); err != nil {
			c.aerMu.Lock()
			delete(c.outstandingAERs, id)
			c.aerMu.Unlock()
			return fmt.Errorf("submit async event request cid=%d: %w", id, err)
		}
	}
	return nil
}

// PollAsyncEvents sets the admin socket's read timeout to timeout and
// repeatedly receives PDUs against that single deadline, discarding any
// completion whose CID is not in outstandingAERs (a stray response from a
// command raced against this poll) and decoding every match into a typed
// Event. It returns as soon as a read against that deadline times out —
// it never blocks past the first timeout waiting for more — returning
// whatever events were decoded up to that point (nil if none).
//
// PollAsyncEvents reads the admin queue's socket directly, outside the
// mutex that serializes other admin commands, so callers must not call it
// concurrently with another in-flight admin command on the same
// Controller — serialize the two yourself (e.g. poll between requests,
// never from a second goroutine).
func (c *Controller) PollAsyncEvents(timeout time.Duration) ([]asyncevent.Event, error) {
	c.mu.Lock()
	adminQ := c.adminQ
	c.mu.Unlock()
	if adminQ == nil {
		return nil, fmt.Errorf("no admin queue established")
	}

	deadline := time.Now().Add(timeout)
	var events []asyncevent.Event
	for {
		pdu, ok, err := adminQ.TryReceivePDU(time.Until(deadline))
		if err != nil {
			return events, err
		}
		if !ok {
			return events, nil
		}
		if pdu.Header.Type != protocol.PDUTypeResponse {
			continue
		}
		cpl, err := protocol.UnmarshalCompletion(pdu.Payload)
		if err != nil {
			return events, err
		}

		c.aerMu.Lock()
		_, isAER := c.outstandingAERs[cpl.CID]
		if isAER {
			delete(c.outstandingAERs, cpl.CID)
		}
		c.aerMu.Unlock()
		if !isAER {
			continue
		}

		events = append(events, asyncevent.Decode(cpl.DW0))
	}
}
